package miner

import (
	"context"
	"strconv"

	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// handshake reacts to decoded pool events for one generation. Every method
// runs inside Session.Do.
type handshake struct {
	cfg      *Config
	gate     *AuthorizationGate
	logger   *log.Logger
	recorder Recorder
}

// configure sends the capability negotiation that opens every generation
func (h *handshake) configure(ctx context.Context, s *Session) error {
	if s.phase != PhaseConnected {
		return nil
	}
	if err := s.client.Configure(ctx, s.extensions); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "configure", "failed to send mining.configure")
	}
	return nil
}

// react advances the phase for expected events and records the rest.
// Events that do not fit the current phase are dropped.
func (h *handshake) react(ctx context.Context, s *Session, ev *stratum.Event) error {
	switch ev.Kind {
	case stratum.EventConfigured:
		if !h.expect(s, ev, PhaseConnected) {
			return nil
		}
		s.versionRolling = ev.VersionRolling
		s.versionMask = ev.VersionMask
		h.transition(s, PhaseConfigured)

		if err := s.client.Connect(ctx, h.cfg.ClientName); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "connect", "failed to send mining.subscribe")
		}
		h.transition(s, PhaseConnecting)

	case stratum.EventConnected:
		if !h.expect(s, ev, PhaseConnecting) {
			return nil
		}
		s.extraNonce1 = ev.ExtraNonce1
		s.extraNonce2Size = ev.ExtraNonce2Size
		h.transition(s, PhaseConnectedSession)

		if err := s.client.Authorize(ctx, h.cfg.User, h.cfg.Password); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "authorize", "failed to send mining.authorize")
		}
		h.transition(s, PhaseAuthorizing)

	case stratum.EventAuthorized:
		if !h.expect(s, ev, PhaseAuthorizing) {
			return nil
		}
		h.transition(s, PhaseAuthorized)
		h.gate.Signal(true)

	case stratum.EventShareResult:
		s.accepted, s.rejected = ev.Accepted, ev.Rejected
		status := "accepted"
		fields := map[string]any{"accepted": ev.Accepted, "rejected": ev.Rejected}
		if ev.ShareError != nil {
			status = "rejected"
			fields["error_code"] = ev.ShareError.Code
			h.logger.Warn("share rejected", "code", ev.ShareError.Code, "reason", ev.ShareError.Message)
		}
		fields["generation"] = s.generation
		h.recorder.Record("share_result", map[string]string{"status": status}, fields)

	case stratum.EventVersionMask:
		s.versionRolling = true
		s.versionMask = ev.VersionMask
		h.logger.Info("version mask updated", "mask", strconv.FormatUint(uint64(ev.VersionMask), 16))

	case stratum.EventDifficulty:
		s.difficulty = ev.Difficulty
		h.logger.Info("difficulty updated", "difficulty", ev.Difficulty)
		h.recorder.Record("difficulty", nil, map[string]any{"difficulty": ev.Difficulty, "generation": s.generation})

	case stratum.EventJob, stratum.EventCleanJobs:
		if ev.Job == nil {
			return nil
		}
		s.job = ev.Job
		h.logger.Debug("job received",
			"job_id", ev.Job.JobID,
			"prev_hash", ev.Job.PrevHash.String(),
			"clean_jobs", ev.Kind == stratum.EventCleanJobs,
		)
	}
	return nil
}

func (h *handshake) expect(s *Session, ev *stratum.Event, want Phase) bool {
	if s.phase == want {
		return true
	}
	h.logger.Debug("ignoring out-of-phase event",
		"event", ev.Kind.String(),
		"phase", s.phase.String(),
		"expected_phase", want.String(),
	)
	return false
}

func (h *handshake) transition(s *Session, to Phase) {
	from := s.phase
	s.phase = to
	h.logger.LogPhase(from.String(), to.String())
	h.recorder.Record("session_phase", map[string]string{"phase": to.String()},
		map[string]any{"generation": s.generation})
}
