// Package redis keeps a per-device status hash in Redis. Every point
// overwrites its measurement's fields in the hash and refreshes the TTL, so a
// dashboard sees the latest value of everything and stale devices expire.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gompminer/internal/telemetry"
	"github.com/bardlex/gompminer/pkg/errors"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	DeviceID     string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Sink writes the device status hash
type Sink struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// New creates a Redis sink and pings the server
func New(ctx context.Context, cfg *Config) (*Sink, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "redis_config", "device ID is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     2,
		MaxRetries:   1,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_ping", "failed to ping Redis").
			WithContext("addr", cfg.Addr)
	}

	return &Sink{rdb: rdb, key: StatusKey(cfg.DeviceID), ttl: cfg.TTL}, nil
}

// StatusKey returns the hash key holding a device's status
func StatusKey(deviceID string) string {
	return fmt.Sprintf("miner:%s:status", deviceID)
}

// Name implements telemetry.Sink
func (s *Sink) Name() string {
	return "redis"
}

// Write implements telemetry.Sink
func (s *Sink) Write(ctx context.Context, p telemetry.Point) error {
	values := StatusValues(p)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key, values)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "redis_status", "failed to update status hash").
			WithContext("key", s.key).
			WithContext("measurement", p.Measurement)
	}
	return nil
}

// Close implements telemetry.Sink
func (s *Sink) Close() error {
	return s.rdb.Close()
}

// StatusValues flattens a point into "measurement.name" hash fields. The
// device tag is already in the key and is left out.
func StatusValues(p telemetry.Point) map[string]any {
	values := make(map[string]any, len(p.Tags)+len(p.Fields)+1)
	for k, v := range p.Tags {
		if k == telemetry.DeviceTag {
			continue
		}
		values[p.Measurement+"."+k] = v
	}
	for k, v := range p.Fields {
		values[p.Measurement+"."+k] = formatValue(v)
	}
	values[p.Measurement+".updated_at"] = p.Time.UTC().Format(time.RFC3339Nano)
	return values
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
