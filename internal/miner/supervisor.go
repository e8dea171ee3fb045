package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// Supervisor rebuilds the pool session whenever a generation ends
type Supervisor struct {
	cfg      *Config
	dialer   Dialer
	source   ShareSource
	logger   *log.Logger
	recorder Recorder

	reconnect *retry.Config
	decode    *retry.Config

	generation atomic.Uint64
	current    atomic.Pointer[Session]
}

// NewSupervisor creates a Supervisor. A nil recorder discards telemetry and a
// nil source submits placeholder shares.
func NewSupervisor(cfg *Config, dialer Dialer, source ShareSource, logger *log.Logger, recorder Recorder) *Supervisor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if source == nil {
		source = PlaceholderSource{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Supervisor{
		cfg:       cfg,
		dialer:    dialer,
		source:    source,
		logger:    logger.WithComponent("miner"),
		recorder:  recorder,
		reconnect: retry.ReconnectConfig(cfg.ReconnectDelay, cfg.ReconnectMaxDelay),
		decode:    retry.DecodeErrorConfig(),
	}
}

// Run supervises session generations until ctx is cancelled. Generations are
// strictly sequential: every task of one has returned before the next dials.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := retry.Sleep(ctx, s.reconnectDelay(failures)); err != nil {
			return err
		}

		authorized, err := s.runGeneration(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if authorized {
			failures = 0
		} else {
			failures++
		}
		s.logger.WithError(err).Warn("pool session ended",
			"authorized", authorized,
			"consecutive_failures", failures,
		)
	}
}

// reconnectDelay holds the base delay through the first failure and backs
// off exponentially from the second consecutive one.
func (s *Supervisor) reconnectDelay(failures int) time.Duration {
	return s.reconnect.Delay(failures - 1)
}

// Status returns the current generation's snapshot. ok is false before the
// first successful dial.
func (s *Supervisor) Status() (Status, bool) {
	session := s.current.Load()
	if session == nil {
		return Status{}, false
	}
	return session.Status(), true
}

func (s *Supervisor) runGeneration(ctx context.Context) (bool, error) {
	gen := s.generation.Add(1)
	logger := s.logger.WithGeneration(gen)

	client, err := s.dialer.Dial(ctx)
	if err != nil {
		return false, err
	}

	session := newSession(gen, client, s.cfg.Extensions)
	s.current.Store(session)
	logger.LogPhase(PhaseDisconnected.String(), PhaseConnected.String())
	s.recorder.Record("session_phase", map[string]string{"phase": PhaseConnected.String()},
		map[string]any{"generation": gen})

	gate := NewAuthorizationGate()
	h := &handshake{cfg: s.cfg, gate: gate, logger: logger, recorder: s.recorder}

	g, gctx := errgroup.WithContext(ctx)

	// Closing the client unblocks whichever task holds the session in a read.
	closeClient := sync.OnceFunc(func() {
		if err := client.Close(); err != nil {
			logger.Debug("failed to close pool client", "error", err)
		}
	})
	stop := context.AfterFunc(gctx, closeClient)
	defer stop()

	g.Go(func() error {
		return session.Do(func(sess *Session) error {
			return h.configure(gctx, sess)
		})
	})
	g.Go(func() error { return s.rx(gctx, session, h, logger) })
	g.Go(func() error { return s.tx(gctx, session, gate, logger) })
	g.Go(func() error { return s.watchdog(gctx, session) })

	err = g.Wait()
	closeClient()

	return session.Status().Phase == PhaseAuthorized, err
}

// rx polls one message at a time under the session lock and feeds it to the
// handshake. Decode errors are tolerated up to the configured threshold.
func (s *Supervisor) rx(ctx context.Context, session *Session, h *handshake, logger *log.Logger) error {
	consecutive := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		decoded := false
		err := session.Do(func(sess *Session) error {
			ev, err := sess.client.PollMessage(ctx)
			if err != nil || ev == nil {
				return err
			}
			decoded = true
			return h.react(ctx, sess, ev)
		})

		switch {
		case err == nil:
			if decoded {
				consecutive = 0
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.IsType(err, errors.ErrorTypeProtocol):
			consecutive++
			logger.WithError(err).Warn("failed to decode pool message", "consecutive", consecutive)
			if consecutive >= s.cfg.DecodeErrorThreshold {
				return errors.Wrap(err, errors.ErrorTypeProtocol, "rx", "too many consecutive decode errors").
					WithContext("count", consecutive)
			}
			if err := retry.Sleep(ctx, s.decode.Delay(consecutive-1)); err != nil {
				return err
			}
		case errors.IsClosed(err):
			logger.Info("pool closed the connection")
			return err
		default:
			return err
		}
	}
}

// tx waits for authorization, then submits one share per tick
func (s *Supervisor) tx(ctx context.Context, session *Session, gate *AuthorizationGate, logger *log.Logger) error {
	for {
		ok, err := gate.Wait(ctx)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		gate.Reset()
		if err := retry.Sleep(ctx, s.cfg.GateRetryDelay); err != nil {
			return err
		}
	}

	logger.Info("worker authorized, starting share submission", "interval", s.cfg.SubmitInterval)

	ticker := time.NewTicker(s.cfg.SubmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		share, err := s.source.Next(ctx)
		if err != nil {
			return err
		}

		err = session.Do(func(sess *Session) error {
			if sess.phase != PhaseAuthorized {
				return errors.New(errors.ErrorTypeInternal, "submit", "share offered to an unauthorized session")
			}
			if err := sess.client.Submit(ctx, share); err != nil {
				return err
			}
			sess.submitted++
			return nil
		})

		status := "sent"
		if err != nil {
			status = "failed"
		}
		logger.LogShareSubmission(share.JobID, share.Nonce, share.NTime, status)
		s.recorder.Record("share_submit", map[string]string{"status": status, "job_id": share.JobID},
			map[string]any{"nonce": int64(share.Nonce), "ntime": int64(share.NTime), "generation": session.generation})

		if err != nil {
			logger.WithError(err).Warn("share dropped", "job_id", share.JobID, "nonce", share.Nonce)
			return errors.Wrap(err, errors.ErrorTypeNetwork, "submit", "failed to submit share")
		}
	}
}

// watchdog ends the generation if the pool has not authorized the worker in time
func (s *Supervisor) watchdog(ctx context.Context, session *Session) error {
	if err := retry.Sleep(ctx, s.cfg.HandshakeTimeout); err != nil {
		return err
	}

	phase := session.Status().Phase
	if phase == PhaseAuthorized {
		return nil
	}
	return errors.New(errors.ErrorTypeTimeout, "handshake", "pool did not authorize the worker in time").
		WithContext("phase", phase.String()).
		WithContext("timeout", s.cfg.HandshakeTimeout.String())
}
