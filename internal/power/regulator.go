// Package power keeps the ASIC core rail at its target voltage. The regulator
// is a 1 Hz measure-and-correct loop over two capabilities: something that
// sets the rail and, optionally, something that measures it.
package power

import (
	"context"
	"time"

	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// SetVCore drives the core rail to a voltage
type SetVCore interface {
	SetVCore(ctx context.Context, volts float32) error
}

// MeasureVCore reads the core rail voltage
type MeasureVCore interface {
	MeasureVCore(ctx context.Context) (float32, error)
}

// Recorder receives telemetry points. Record must not block.
type Recorder interface {
	Record(measurement string, tags map[string]string, fields map[string]any)
}

// Sample is the outcome of one regulator step
type Sample struct {
	Target    float32
	Measured  float32
	Fresh     bool // Measured came from this step
	Delta     float32
	Commanded float32
	Err       error // actuation error, if any
}

// Regulator commands target+delta every tick, where delta is the last
// successfully measured error. A failed measurement keeps the previous delta.
type Regulator struct {
	target   float32
	interval time.Duration
	setter   SetVCore
	measurer MeasureVCore
	logger   *log.Logger
	recorder Recorder

	delta float32
}

// NewRegulator creates a Regulator. measurer and recorder may be nil.
func NewRegulator(target float32, interval time.Duration, setter SetVCore, measurer MeasureVCore, logger *log.Logger, recorder Recorder) *Regulator {
	return &Regulator{
		target:   target,
		interval: interval,
		setter:   setter,
		measurer: measurer,
		logger:   logger.WithComponent("vcore"),
		recorder: recorder,
	}
}

// Delta returns the correction carried into the next step
func (r *Regulator) Delta() float32 {
	return r.delta
}

// Step runs one iteration. Errors are reported in the Sample, never returned.
func (r *Regulator) Step(ctx context.Context) Sample {
	s := Sample{Target: r.target}

	if r.measurer != nil {
		measured, err := r.measurer.MeasureVCore(ctx)
		if err != nil {
			r.logger.Debug("vcore measurement failed, holding last correction",
				"error", err,
				"delta_v", r.delta,
			)
		} else {
			r.delta = measured - r.target
			s.Measured = measured
			s.Fresh = true
		}
	}

	s.Delta = r.delta
	s.Commanded = r.target + r.delta

	if err := r.setter.SetVCore(ctx, s.Commanded); err != nil {
		s.Err = errors.Wrap(err, errors.ErrorTypePeripheral, "set_vcore", "failed to set core voltage").
			WithContext("volts", s.Commanded)
		r.logger.WithError(s.Err).Warn("vcore actuation failed")
	}

	r.logger.LogVCore(s.Target, s.Measured, s.Delta, s.Commanded, s.Fresh)
	r.record(s)
	return s
}

// Run steps immediately and then once per interval until ctx is cancelled
func (r *Regulator) Run(ctx context.Context) error {
	r.logger.Info("starting vcore regulator",
		"target_v", r.target,
		"interval", r.interval,
		"closed_loop", r.measurer != nil,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Step(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Regulator) record(s Sample) {
	if r.recorder == nil {
		return
	}

	fields := map[string]any{
		"target_v":    float64(s.Target),
		"delta_v":     float64(s.Delta),
		"commanded_v": float64(s.Commanded),
		"actuated":    s.Err == nil,
	}
	if s.Fresh {
		fields["measured_v"] = float64(s.Measured)
	}
	r.recorder.Record("vcore", nil, fields)
}
