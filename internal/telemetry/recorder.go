// Package telemetry ships measurements from the control loops to external
// sinks. Record never blocks: points go through a bounded queue to a single
// worker that writes each one to every sink behind retry and a circuit breaker.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gompminer/pkg/circuit"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
	"github.com/bardlex/gompminer/pkg/retry"
)

// DeviceTag is added to every point
const DeviceTag = "device"

// Point is one measurement
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// Sink is a telemetry destination
type Sink interface {
	Name() string
	Write(ctx context.Context, p Point) error
	Close() error
}

// Options configures a Recorder
type Options struct {
	DeviceID     string
	QueueSize    int
	WriteTimeout time.Duration
	Retry        *retry.Config
	Breaker      *circuit.Config
}

// DefaultOptions returns the stock queue and sink protection settings
func DefaultOptions() Options {
	return Options{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
		Retry:        retry.TelemetryConfig(),
		Breaker:      circuit.DefaultConfig(),
	}
}

type guardedSink struct {
	Sink
	breaker *circuit.Breaker
}

// Recorder fans points out to sinks
type Recorder struct {
	opts   Options
	logger *log.Logger
	now    func() time.Time

	sinksMu sync.RWMutex
	sinks   []guardedSink

	mu     sync.RWMutex
	closed bool
	queue  chan Point
	done   chan struct{}

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// NewRecorder starts a Recorder writing to sinks. With no sinks every point
// is discarded.
func NewRecorder(opts Options, logger *log.Logger, sinks ...Sink) *Recorder {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.Retry == nil {
		opts.Retry = def.Retry
	}
	if opts.Breaker == nil {
		opts.Breaker = def.Breaker
	}

	r := &Recorder{
		opts:   opts,
		logger: logger.WithComponent("telemetry"),
		now:    time.Now,
		queue:  make(chan Point, opts.QueueSize),
		done:   make(chan struct{}),
	}
	r.Attach(sinks...)

	go r.run()
	return r
}

// Attach adds sinks. Points already written are not replayed to them.
func (r *Recorder) Attach(sinks ...Sink) {
	r.sinksMu.Lock()
	defer r.sinksMu.Unlock()
	for _, s := range sinks {
		r.sinks = append(r.sinks, guardedSink{Sink: s, breaker: circuit.New(r.opts.Breaker)})
		r.logger.Info("telemetry sink enabled", "sink", s.Name())
	}
}

func (r *Recorder) currentSinks() []guardedSink {
	r.sinksMu.RLock()
	defer r.sinksMu.RUnlock()
	return r.sinks
}

// Record queues a point. It drops the point if the queue is full or the
// Recorder is closed.
func (r *Recorder) Record(measurement string, tags map[string]string, fields map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	if r.opts.DeviceID != "" {
		t[DeviceTag] = r.opts.DeviceID
	}

	p := Point{Measurement: measurement, Tags: t, Fields: fields, Time: r.now()}
	select {
	case r.queue <- p:
		r.recorded.Add(1)
	default:
		r.dropped.Add(1)
	}
}

// Stats returns how many points were queued, dropped and failed in some sink
func (r *Recorder) Stats() (recorded, dropped, failed uint64) {
	return r.recorded.Load(), r.dropped.Load(), r.failed.Load()
}

// Close stops accepting points, drains the queue and closes every sink
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done

	var first error
	for _, s := range r.currentSinks() {
		if err := s.Close(); err != nil {
			r.logger.WithError(err).Warn("failed to close telemetry sink", "sink", s.Name())
			if first == nil {
				first = errors.Wrap(err, errors.ErrorTypeTelemetry, "close", "failed to close sink").
					WithContext("sink", s.Name())
			}
		}
	}

	recorded, dropped, failed := r.Stats()
	r.logger.Info("telemetry stopped", "recorded", recorded, "dropped", dropped, "failed", failed)
	return first
}

func (r *Recorder) run() {
	defer close(r.done)
	for p := range r.queue {
		for _, s := range r.currentSinks() {
			r.write(s, p)
		}
	}
}

func (r *Recorder) write(s guardedSink, p Point) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
			return s.Write(ctx, p)
		})
	})
	if err == nil {
		return
	}

	r.failed.Add(1)
	if err == circuit.ErrOpen {
		r.logger.Debug("telemetry sink circuit open", "sink", s.Name(), "measurement", p.Measurement)
		return
	}
	r.logger.WithError(err).Warn("telemetry write failed", "sink", s.Name(), "measurement", p.Measurement)
}
