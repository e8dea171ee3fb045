package miner

import (
	"context"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// runSupervisor starts Run in the background and returns a stop function
// that cancels it and waits for it to return.
func runSupervisor(t *testing.T, sup *Supervisor) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != context.Canceled {
				t.Errorf("Run() error = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run() did not return after cancellation")
		}
	}
}

func TestSupervisor_ConcreteScenario(t *testing.T) {
	pool := newFakePool(t)
	sup := NewSupervisor(fastConfig(), DialFunc(func(context.Context) (PoolClient, error) {
		return pool, nil
	}), nil, log.Discard(), nil)

	stop := runSupervisor(t, sup)

	var share stratum.Share
	select {
	case share = <-pool.submits:
	case <-time.After(2 * time.Second):
		t.Fatal("no share submitted")
	}
	stop()

	want := []string{stratum.MethodConfigure, stratum.MethodSubscribe, stratum.MethodAuthorize, stratum.MethodSubmit}
	if got := pool.methods()[:4]; !reflect.DeepEqual(got, want) {
		t.Errorf("request order = %v, want %v", got, want)
	}

	exts := pool.callsTo(stratum.MethodConfigure)[0].args[0].(stratum.Extensions)
	if exts.VersionRolling == nil || exts.VersionRolling.Mask != 0x1fffe000 || exts.VersionRolling.MinBitCount != 16 {
		t.Errorf("configure extensions = %+v", exts)
	}
	if exts.MinimumDifficulty != 256 || exts.SubscribeExtranonce {
		t.Errorf("configure extensions = %+v", exts)
	}

	if got := pool.callsTo(stratum.MethodSubscribe)[0].args; !reflect.DeepEqual(got, []any{"esp-miner-rs"}) {
		t.Errorf("connect args = %v", got)
	}
	wantAuth := []any{"1HLQGxzAQWnLore3fWHc2W8UP1CgMv1GKQ.miner1", "x"}
	if got := pool.callsTo(stratum.MethodAuthorize)[0].args; !reflect.DeepEqual(got, wantAuth) {
		t.Errorf("authorize args = %v", got)
	}

	if share.JobID != "01" || share.Nonce != 0 || share.NTime != 1722789905 || share.VersionBits != nil {
		t.Errorf("share = %+v", share)
	}
	if pool.reentrant.Load() {
		t.Error("pool client was entered concurrently")
	}

	status, ok := sup.Status()
	if !ok || status.Phase != PhaseAuthorized || status.Submitted == 0 {
		t.Errorf("Status() = %+v, %v", status, ok)
	}
}

func TestSupervisor_ReconnectAfterDialFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.ReconnectDelay = 30 * time.Millisecond
	cfg.ReconnectMaxDelay = 60 * time.Millisecond

	pool := newFakePool(t)
	var (
		mu    sync.Mutex
		dials []time.Time
	)
	dialer := DialFunc(func(context.Context) (PoolClient, error) {
		mu.Lock()
		defer mu.Unlock()
		dials = append(dials, time.Now())
		if len(dials) == 1 {
			return nil, errors.New(errors.ErrorTypeNetwork, "dial", "connection refused")
		}
		return pool, nil
	})

	rec := &recordingRecorder{}
	sup := NewSupervisor(cfg, dialer, nil, log.Discard(), rec)
	stop := runSupervisor(t, sup)
	defer stop()

	waitFor(t, 2*time.Second, func() bool {
		status, ok := sup.Status()
		return ok && status.Phase == PhaseAuthorized
	})

	mu.Lock()
	defer mu.Unlock()
	if len(dials) != 2 {
		t.Fatalf("dial attempts = %d, want 2", len(dials))
	}
	if gap := dials[1].Sub(dials[0]); gap < cfg.ReconnectDelay {
		t.Errorf("redial after %v, want at least %v", gap, cfg.ReconnectDelay)
	}

	want := []string{stratum.MethodConfigure, stratum.MethodSubscribe, stratum.MethodAuthorize}
	if got := pool.methods()[:3]; !reflect.DeepEqual(got, want) {
		t.Errorf("request order = %v, want %v", got, want)
	}
	if rec.count("session_phase") < 6 {
		t.Errorf("session_phase points = %d, want every transition", rec.count("session_phase"))
	}
}

func TestSupervisor_NoShareBeforeAuthorization(t *testing.T) {
	pool := newFakePool(t)
	pool.answerAuthorize = false

	sup := NewSupervisor(fastConfig(), DialFunc(func(context.Context) (PoolClient, error) {
		return pool, nil
	}), nil, log.Discard(), nil)
	stop := runSupervisor(t, sup)

	waitFor(t, time.Second, func() bool { return pool.hasCalled(stratum.MethodAuthorize) })
	time.Sleep(10 * fastConfig().SubmitInterval)
	stop()

	if pool.hasCalled(stratum.MethodSubmit) {
		t.Error("share submitted while the pool had not authorized the worker")
	}
	status, _ := sup.Status()
	if status.Phase != PhaseAuthorizing {
		t.Errorf("phase = %v, want authorizing", status.Phase)
	}
}

func TestSupervisor_GenerationEndsAndRedials(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func(c *Config)
		setup func(p *fakePool)
	}{
		{
			name: "authorization rejected",
			setup: func(p *fakePool) {
				p.rejectAuthorize = true
			},
		},
		{
			name: "handshake timeout",
			cfg: func(c *Config) {
				c.HandshakeTimeout = 30 * time.Millisecond
			},
			setup: func(p *fakePool) {
				p.answerConfigure = false
			},
		},
		{
			name: "decode errors past threshold",
			cfg: func(c *Config) {
				c.DecodeErrorThreshold = 2
			},
			setup: func(p *fakePool) {
				p.pollErr = errors.New(errors.ErrorTypeProtocol, "decode", "invalid stratum message")
			},
		},
		{
			name: "transport error",
			setup: func(p *fakePool) {
				p.pollErr = errors.New(errors.ErrorTypeNetwork, "poll_message", "connection reset by peer")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			if tt.cfg != nil {
				tt.cfg(cfg)
			}

			var (
				dials atomic.Int32
				mu    sync.Mutex
				pools []*fakePool
			)
			dialer := DialFunc(func(context.Context) (PoolClient, error) {
				dials.Add(1)
				p := newFakePool(t)
				tt.setup(p)
				mu.Lock()
				pools = append(pools, p)
				mu.Unlock()
				return p, nil
			})

			sup := NewSupervisor(cfg, dialer, nil, log.Discard(), nil)
			stop := runSupervisor(t, sup)
			waitFor(t, 3*time.Second, func() bool { return dials.Load() >= 2 })
			stop()

			mu.Lock()
			defer mu.Unlock()
			if !pools[0].closed.Load() {
				t.Error("first generation's client was not closed")
			}
			for i, p := range pools {
				if p.reentrant.Load() {
					t.Errorf("generation %d: pool client was entered concurrently", i+1)
				}
				if p.hasCalled(stratum.MethodSubmit) {
					t.Errorf("generation %d: share submitted without authorization", i+1)
				}
			}
		})
	}
}

func TestSupervisor_DecodeErrorsBelowThreshold(t *testing.T) {
	cfg := fastConfig()
	cfg.DecodeErrorThreshold = 3

	pool := newFakePool(t)
	// two bad lines, then a normal handshake
	var bad atomic.Int32
	bad.Store(2)
	client := &flakyDecoder{fakePool: pool, remaining: &bad}

	var dials atomic.Int32
	sup := NewSupervisor(cfg, DialFunc(func(context.Context) (PoolClient, error) {
		dials.Add(1)
		return client, nil
	}), nil, log.Discard(), nil)
	stop := runSupervisor(t, sup)
	defer stop()

	waitFor(t, 3*time.Second, func() bool {
		status, ok := sup.Status()
		return ok && status.Phase == PhaseAuthorized
	})
	if dials.Load() != 1 {
		t.Errorf("dial attempts = %d, want 1", dials.Load())
	}
}

// flakyDecoder fails the first few polls with decode errors
type flakyDecoder struct {
	*fakePool
	remaining *atomic.Int32
}

func (f *flakyDecoder) PollMessage(ctx context.Context) (*stratum.Event, error) {
	if f.remaining.Add(-1) >= 0 {
		return nil, errors.New(errors.ErrorTypeProtocol, "decode", "invalid stratum message")
	}
	return f.fakePool.PollMessage(ctx)
}

func TestSupervisor_ShareResultsRecorded(t *testing.T) {
	pool := newFakePool(t)
	rec := &recordingRecorder{}
	sup := NewSupervisor(fastConfig(), DialFunc(func(context.Context) (PoolClient, error) {
		return pool, nil
	}), nil, log.Discard(), rec)
	stop := runSupervisor(t, sup)
	defer stop()

	select {
	case <-pool.submits:
	case <-time.After(2 * time.Second):
		t.Fatal("no share submitted")
	}

	pool.push(&stratum.Event{Kind: stratum.EventDifficulty, Difficulty: 4096})
	pool.push(&stratum.Event{
		Kind:       stratum.EventShareResult,
		Rejected:   1,
		ShareError: &stratum.Error{Code: stratum.ErrorLowDifficulty, Message: "Low difficulty share"},
	})

	waitFor(t, time.Second, func() bool {
		status, _ := sup.Status()
		return status.Rejected == 1 && status.Difficulty == 4096
	})
	if rec.count("share_result") != 1 || rec.count("difficulty") != 1 {
		t.Errorf("share_result points = %d, difficulty points = %d", rec.count("share_result"), rec.count("difficulty"))
	}
	if rec.count("share_submit") == 0 {
		t.Error("share submissions were not recorded")
	}
}

func TestSupervisor_ReconnectDelay(t *testing.T) {
	cfg := fastConfig()
	cfg.ReconnectDelay = 100 * time.Millisecond
	cfg.ReconnectMaxDelay = time.Second
	sup := NewSupervisor(cfg, nil, nil, log.Discard(), nil)

	tests := []struct {
		failures int
		base     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}

	for _, tt := range tests {
		got := sup.reconnectDelay(tt.failures)
		// jitter adds at most 10%
		if got < tt.base || got > tt.base+tt.base/10 {
			t.Errorf("reconnectDelay(%d) = %v, want %v plus jitter", tt.failures, got, tt.base)
		}
	}
}

// closedPool reports a closed stream on every poll
type closedPool struct {
	*fakePool
}

func (p *closedPool) PollMessage(context.Context) (*stratum.Event, error) {
	return nil, errors.Wrap(io.EOF, errors.ErrorTypeNetwork, "poll_message", "failed to read from pool")
}

func TestSupervisor_LogsClosedStream(t *testing.T) {
	var out syncBuffer
	logger := log.NewWithWriter(&out, "gompminer", "test", "info", "json")

	var dials atomic.Int32
	sup := NewSupervisor(fastConfig(), DialFunc(func(context.Context) (PoolClient, error) {
		dials.Add(1)
		return &closedPool{fakePool: newFakePool(t)}, nil
	}), nil, logger, nil)
	stop := runSupervisor(t, sup)
	waitFor(t, 3*time.Second, func() bool { return dials.Load() >= 2 })
	stop()

	if !strings.Contains(out.String(), "pool closed the connection") {
		t.Errorf("closed stream not logged, output:\n%s", out.String())
	}
}

// rejectingSubmitter fails every share submission
type rejectingSubmitter struct {
	*fakePool
}

func (p *rejectingSubmitter) Submit(context.Context, stratum.Share) error {
	return errors.New(errors.ErrorTypeNetwork, "send", "connection reset by peer")
}

func TestSupervisor_LogsDroppedShare(t *testing.T) {
	var out syncBuffer
	logger := log.NewWithWriter(&out, "gompminer", "test", "info", "json")

	shares := make(chan stratum.Share, 1)
	shares <- stratum.Share{JobID: "7a", ExtraNonce2: []byte{0, 0, 0, 2}, NTime: 1722789905, Nonce: 42}

	var dials atomic.Int32
	sup := NewSupervisor(fastConfig(), DialFunc(func(context.Context) (PoolClient, error) {
		dials.Add(1)
		return &rejectingSubmitter{fakePool: newFakePool(t)}, nil
	}), NewChannelSource(shares), logger, nil)
	stop := runSupervisor(t, sup)
	waitFor(t, 3*time.Second, func() bool { return strings.Contains(out.String(), "share dropped") })
	stop()

	var found bool
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "share dropped") {
			found = strings.Contains(line, `"job_id":"7a"`)
			break
		}
	}
	if !found {
		t.Errorf("dropped share job id not logged, output:\n%s", out.String())
	}
	if dials.Load() < 1 {
		t.Error("supervisor never dialed")
	}
}
