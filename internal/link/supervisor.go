// Package link keeps the device associated with its Wi-Fi network. The
// Supervisor drives a Radio through configure, start and associate, and
// re-associates after every disassociation.
package link

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// Event is a link-layer notification a Radio can wait for
type Event int

const (
	// EventAssociated fires when the station joins the network
	EventAssociated Event = iota + 1
	// EventDisassociated fires when the station loses the network
	EventDisassociated
)

// String returns string representation of the event
func (e Event) String() string {
	switch e {
	case EventAssociated:
		return "associated"
	case EventDisassociated:
		return "disassociated"
	default:
		return "unknown"
	}
}

// Radio is the station-mode radio control the Supervisor drives
type Radio interface {
	SetConfiguration(ssid, password string) error
	Start(ctx context.Context) error
	Connect(ctx context.Context) error
	WaitForEvent(ctx context.Context, ev Event) error
	IsStarted() bool
	IsAssociated() bool
}

// State is the association state seen by the Supervisor
type State int32

const (
	StateDisassociated State = iota
	StateAssociating
	StateAssociated
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateDisassociated:
		return "disassociated"
	case StateAssociating:
		return "associating"
	case StateAssociated:
		return "associated"
	default:
		return "unknown"
	}
}

// Recorder receives telemetry points. Record must not block.
type Recorder interface {
	Record(measurement string, tags map[string]string, fields map[string]any)
}

// Supervisor keeps a Radio associated
type Supervisor struct {
	radio    Radio
	ssid     string
	password string
	backoff  time.Duration
	logger   *log.Logger
	recorder Recorder

	state atomic.Int32
}

// NewSupervisor creates a Supervisor. recorder may be nil.
func NewSupervisor(radio Radio, ssid, password string, backoff time.Duration, logger *log.Logger, recorder Recorder) *Supervisor {
	return &Supervisor{
		radio:    radio,
		ssid:     ssid,
		password: password,
		backoff:  backoff,
		logger:   logger.WithComponent("link").WithFields("ssid", ssid),
		recorder: recorder,
	}
}

// State returns the current association state
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Associated reports whether the radio is associated
func (s *Supervisor) Associated() bool {
	return s.State() == StateAssociated
}

// Run keeps the radio associated until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.radio.IsAssociated() {
			s.setState(StateAssociated)
			if err := s.radio.WaitForEvent(ctx, EventDisassociated); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.WithError(err).Warn("failed waiting for disassociation")
			} else {
				s.logger.Warn("wifi disassociated")
			}
			s.setState(StateDisassociated)
			if err := retry.Sleep(ctx, s.backoff); err != nil {
				return err
			}
			continue
		}

		if !s.radio.IsStarted() {
			if err := s.start(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.WithError(err).Error("failed to start wifi")
				if err := retry.Sleep(ctx, s.backoff); err != nil {
					return err
				}
				continue
			}
		}

		s.setState(StateAssociating)
		s.logger.Debug("associating")
		if err := s.radio.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.setState(StateDisassociated)
			s.logger.WithError(err).Error("failed to connect to wifi")
			if err := retry.Sleep(ctx, s.backoff); err != nil {
				return err
			}
			continue
		}

		s.setState(StateAssociated)
		s.logger.Info("wifi connected")
	}
}

func (s *Supervisor) start(ctx context.Context) error {
	if err := s.radio.SetConfiguration(s.ssid, s.password); err != nil {
		return errors.Wrap(err, errors.ErrorTypeLink, "set_configuration", "failed to configure station")
	}
	s.logger.Debug("starting wifi")
	if err := s.radio.Start(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeLink, "start", "failed to start radio")
	}
	s.logger.Debug("wifi started")
	return nil
}

func (s *Supervisor) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	if s.recorder != nil {
		s.recorder.Record("link_state", map[string]string{"state": to.String()},
			map[string]any{"previous": from.String()})
	}
}
