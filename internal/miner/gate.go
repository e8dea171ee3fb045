package miner

import (
	"context"
	"sync"
)

// AuthorizationGate is a single-slot latch between the rx and tx pumps of one
// generation. Signals that are not consumed collapse to the latest value.
type AuthorizationGate struct {
	mu sync.Mutex
	ch chan bool
}

// NewAuthorizationGate returns an empty gate
func NewAuthorizationGate() *AuthorizationGate {
	return &AuthorizationGate{ch: make(chan bool, 1)}
}

// Signal stores v, replacing any value not yet consumed
func (g *AuthorizationGate) Signal(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
	default:
	}
	g.ch <- v
}

// Wait blocks until a value is signalled and consumes it
func (g *AuthorizationGate) Wait(ctx context.Context) (bool, error) {
	select {
	case v := <-g.ch:
		return v, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Reset discards any pending value
func (g *AuthorizationGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.ch:
	default:
	}
}
