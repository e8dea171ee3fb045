// Package postgres keeps a share ledger in PostgreSQL: one row per share
// submitted and one per pool acknowledgement. Other measurements are ignored.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/gompminer/internal/telemetry"
	"github.com/bardlex/gompminer/pkg/errors"
)

const schema = `
	CREATE TABLE IF NOT EXISTS share_ledger (
		id          UUID PRIMARY KEY,
		device_id   TEXT NOT NULL,
		event       TEXT NOT NULL,
		generation  BIGINT NOT NULL,
		job_id      TEXT,
		nonce       BIGINT,
		ntime       BIGINT,
		status      TEXT,
		error_code  INTEGER,
		recorded_at TIMESTAMPTZ NOT NULL
	)`

const insertLedger = `
	INSERT INTO share_ledger (id, device_id, event, generation, job_id, nonce, ntime, status, error_code, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// Ledger events
const (
	EventSubmit = "share_submit"
	EventResult = "share_result"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxLifetime  time.Duration
}

// Sink appends share events to the ledger table
type Sink struct {
	db *sql.DB
}

// New connects, pings and ensures the ledger table exists
func New(ctx context.Context, cfg *Config) (*Sink, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "postgres_open", "failed to open database")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "postgres_ping", "failed to ping database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeTelemetry, "postgres_schema", "failed to create share ledger")
	}

	return &Sink{db: db}, nil
}

// Name implements telemetry.Sink
func (s *Sink) Name() string {
	return "postgres"
}

// Write implements telemetry.Sink
func (s *Sink) Write(ctx context.Context, p telemetry.Point) error {
	row, ok := LedgerRow(p)
	if !ok {
		return nil
	}

	_, err := s.db.ExecContext(ctx, insertLedger,
		row.ID, row.DeviceID, row.Event, row.Generation, row.JobID,
		row.Nonce, row.NTime, row.Status, row.ErrorCode, row.RecordedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "postgres_insert", "failed to append share ledger row").
			WithContext("event", row.Event)
	}
	return nil
}

// Close implements telemetry.Sink
func (s *Sink) Close() error {
	return s.db.Close()
}

// Row is one share ledger entry
type Row struct {
	ID         uuid.UUID
	DeviceID   string
	Event      string
	Generation int64
	JobID      sql.NullString
	Nonce      sql.NullInt64
	NTime      sql.NullInt64
	Status     sql.NullString
	ErrorCode  sql.NullInt64
	RecordedAt time.Time
}

// LedgerRow maps a share_submit or share_result point to a ledger row
func LedgerRow(p telemetry.Point) (Row, bool) {
	if p.Measurement != EventSubmit && p.Measurement != EventResult {
		return Row{}, false
	}

	row := Row{
		ID:         uuid.New(),
		DeviceID:   p.Tags[telemetry.DeviceTag],
		Event:      p.Measurement,
		RecordedAt: p.Time,
	}
	if g, ok := asInt64(p.Fields["generation"]); ok {
		row.Generation = g
	}
	if status := p.Tags["status"]; status != "" {
		row.Status = sql.NullString{String: status, Valid: true}
	}

	switch p.Measurement {
	case EventSubmit:
		if job := p.Tags["job_id"]; job != "" {
			row.JobID = sql.NullString{String: job, Valid: true}
		}
		if n, ok := asInt64(p.Fields["nonce"]); ok {
			row.Nonce = sql.NullInt64{Int64: n, Valid: true}
		}
		if n, ok := asInt64(p.Fields["ntime"]); ok {
			row.NTime = sql.NullInt64{Int64: n, Valid: true}
		}
	case EventResult:
		if code, ok := asInt64(p.Fields["error_code"]); ok && code != 0 {
			row.ErrorCode = sql.NullInt64{Int64: code, Valid: true}
		}
	}
	return row, true
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}
