package miner

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/errors"
)

// call is one request observed by a fakePool
type call struct {
	method string
	args   []any
	share  stratum.Share
}

// fakePool is a scripted PoolClient. It answers every request with the event
// a well-behaved pool would send and fails the test on any reentrant call.
type fakePool struct {
	t *testing.T

	active     atomic.Int32
	reentrant  atomic.Bool
	closed     atomic.Bool
	authorized atomic.Bool

	// set to false to keep the pool silent for that request
	answerConfigure bool
	answerConnect   bool
	answerAuthorize bool
	rejectAuthorize bool

	// pollErr, when set, is returned by every PollMessage
	pollErr error

	mu      sync.Mutex
	calls   []call
	inbound []*stratum.Event
	submits chan stratum.Share
}

func newFakePool(t *testing.T) *fakePool {
	return &fakePool{
		t:               t,
		answerConfigure: true,
		answerConnect:   true,
		answerAuthorize: true,
		submits:         make(chan stratum.Share, 64),
	}
}

func (p *fakePool) enter() func() {
	if p.active.Add(1) != 1 {
		p.reentrant.Store(true)
	}
	// widen the window in which an interleaving would be observed
	time.Sleep(200 * time.Microsecond)
	return func() { p.active.Add(-1) }
}

func (p *fakePool) record(c call, reply *stratum.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	if reply != nil {
		p.inbound = append(p.inbound, reply)
	}
}

func (p *fakePool) push(ev *stratum.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = append(p.inbound, ev)
}

func (p *fakePool) Configure(_ context.Context, exts stratum.Extensions) error {
	defer p.enter()()
	var reply *stratum.Event
	if p.answerConfigure {
		reply = &stratum.Event{Kind: stratum.EventConfigured, VersionRolling: true, VersionMask: 0x1fffe000}
	}
	p.record(call{method: stratum.MethodConfigure, args: []any{exts}}, reply)
	return nil
}

func (p *fakePool) Connect(_ context.Context, clientName string) error {
	defer p.enter()()
	var reply *stratum.Event
	if p.answerConnect {
		reply = &stratum.Event{Kind: stratum.EventConnected, ExtraNonce1: []byte{8, 0, 0, 2}, ExtraNonce2Size: 4}
	}
	p.record(call{method: stratum.MethodSubscribe, args: []any{clientName}}, reply)
	return nil
}

func (p *fakePool) Authorize(_ context.Context, user, password string) error {
	defer p.enter()()
	var reply *stratum.Event
	if p.answerAuthorize && !p.rejectAuthorize {
		reply = &stratum.Event{Kind: stratum.EventAuthorized}
	}
	p.record(call{method: stratum.MethodAuthorize, args: []any{user, password}}, reply)
	return nil
}

func (p *fakePool) Submit(_ context.Context, share stratum.Share) error {
	defer p.enter()()
	if !p.authorized.Load() {
		p.t.Errorf("share %s submitted before the pool authorized the worker", share)
	}
	p.record(call{method: stratum.MethodSubmit, share: share}, nil)
	p.submits <- share
	return nil
}

func (p *fakePool) PollMessage(ctx context.Context) (*stratum.Event, error) {
	defer p.enter()()
	if p.closed.Load() {
		return nil, errors.New(errors.ErrorTypeNetwork, "poll_message", "connection closed")
	}
	if p.pollErr != nil {
		return nil, p.pollErr
	}

	p.mu.Lock()
	var ev *stratum.Event
	if len(p.inbound) > 0 {
		ev = p.inbound[0]
		p.inbound = p.inbound[1:]
	}
	p.mu.Unlock()

	if ev == nil {
		if p.rejectAuthorize && p.hasCalled(stratum.MethodAuthorize) {
			return nil, errors.New(errors.ErrorTypeHandshake, "authorize", "pool rejected worker")
		}
		// emulate a short poll window
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Millisecond):
		}
		return nil, nil
	}
	if ev.Kind == stratum.EventAuthorized {
		p.authorized.Store(true)
	}
	return ev, nil
}

func (p *fakePool) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePool) hasCalled(method string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c.method == method {
			return true
		}
	}
	return false
}

func (p *fakePool) methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.method)
	}
	return out
}

func (p *fakePool) callsTo(method string) []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []call
	for _, c := range p.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// recordingRecorder keeps every telemetry point for inspection
type recordingRecorder struct {
	mu     sync.Mutex
	points []string
}

func (r *recordingRecorder) Record(measurement string, _ map[string]string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, measurement)
}

func (r *recordingRecorder) count(measurement string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.points {
		if m == measurement {
			n++
		}
	}
	return n
}

// fastConfig shrinks every period so supervisor tests run in milliseconds
func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.SubmitInterval = 20 * time.Millisecond
	cfg.GateRetryDelay = 10 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// syncBuffer collects log output written from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
