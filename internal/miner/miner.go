// Package miner implements the mining session orchestrator. A Supervisor dials
// the pool, runs the Configure/Connect/Authorize handshake over one Session
// per connection generation, and submits shares once the pool has authorized
// the worker.
package miner

import (
	"context"
	"time"

	"github.com/bardlex/gompminer/internal/stratum"
)

// PoolClient is the protocol client one Session drives. Implementations need
// not be safe for concurrent use; the Session serializes every call.
type PoolClient interface {
	Configure(ctx context.Context, exts stratum.Extensions) error
	Connect(ctx context.Context, clientName string) error
	Authorize(ctx context.Context, user, password string) error
	Submit(ctx context.Context, share stratum.Share) error
	// PollMessage returns nil, nil when nothing actionable arrived.
	PollMessage(ctx context.Context) (*stratum.Event, error)
	Close() error
}

// Dialer opens a new pool connection for each session generation
type Dialer interface {
	Dial(ctx context.Context) (PoolClient, error)
}

// DialFunc adapts a function to the Dialer interface
type DialFunc func(ctx context.Context) (PoolClient, error)

// Dial calls f(ctx)
func (f DialFunc) Dial(ctx context.Context) (PoolClient, error) {
	return f(ctx)
}

// StratumDialer adapts a stratum.Dialer to the Dialer interface
func StratumDialer(d *stratum.Dialer) Dialer {
	return DialFunc(func(ctx context.Context) (PoolClient, error) {
		client, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return client, nil
	})
}

// Recorder receives telemetry points. Record must not block.
type Recorder interface {
	Record(measurement string, tags map[string]string, fields map[string]any)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, map[string]string, map[string]any) {}

// Config holds the orchestrator's identity and timing
type Config struct {
	ClientName string
	User       string
	Password   string
	Extensions stratum.Extensions

	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	HandshakeTimeout     time.Duration
	SubmitInterval       time.Duration
	GateRetryDelay       time.Duration
	DecodeErrorThreshold int
}

// DefaultConfig returns the firmware's stock pool identity and schedule
func DefaultConfig() *Config {
	return &Config{
		ClientName: "esp-miner-rs",
		User:       "1HLQGxzAQWnLore3fWHc2W8UP1CgMv1GKQ.miner1",
		Password:   "x",
		Extensions: stratum.Extensions{
			VersionRolling:    &stratum.VersionRolling{Mask: 0x1fffe000, MinBitCount: 16},
			MinimumDifficulty: 256,
		},
		ReconnectDelay:       time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		HandshakeTimeout:     30 * time.Second,
		SubmitInterval:       2 * time.Second,
		GateRetryDelay:       500 * time.Millisecond,
		DecodeErrorThreshold: 5,
	}
}
