// Package influx writes telemetry points to InfluxDB 2.x.
package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/bardlex/gompminer/internal/telemetry"
	"github.com/bardlex/gompminer/pkg/errors"
)

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes each point synchronously so failures reach the Recorder's retry
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// New creates an InfluxDB sink. It does not contact the server.
func New(cfg *Config) (*Sink, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "influx_config", "URL and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}, nil
}

// Name implements telemetry.Sink
func (s *Sink) Name() string {
	return "influx"
}

// Health checks InfluxDB connectivity
func (s *Sink) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "influx_health", "failed to check health")
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeTelemetry, "influx_health", fmt.Sprintf("health check failed: %s", msg))
	}

	return nil
}

// Write implements telemetry.Sink
func (s *Sink) Write(ctx context.Context, p telemetry.Point) error {
	if len(p.Fields) == 0 {
		return nil
	}

	point := influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Time)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "influx_write", "failed to write point").
			WithContext("measurement", p.Measurement).
			WithContext("bucket", s.bucket)
	}
	return nil
}

// Close implements telemetry.Sink
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
