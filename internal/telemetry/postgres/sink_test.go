package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gompminer/internal/telemetry"
)

func TestLedgerRow(t *testing.T) {
	at := time.Date(2024, 8, 4, 16, 45, 5, 0, time.UTC)

	tests := []struct {
		name  string
		point telemetry.Point
		want  Row
		ok    bool
	}{
		{
			name: "submission",
			point: telemetry.Point{
				Measurement: EventSubmit,
				Tags:        map[string]string{telemetry.DeviceTag: "bitaxe-01", "status": "sent", "job_id": "01"},
				Fields:      map[string]any{"nonce": int64(0), "ntime": int64(1722789905), "generation": uint64(3)},
				Time:        at,
			},
			want: Row{
				DeviceID:   "bitaxe-01",
				Event:      EventSubmit,
				Generation: 3,
				JobID:      sql.NullString{String: "01", Valid: true},
				Nonce:      sql.NullInt64{Int64: 0, Valid: true},
				NTime:      sql.NullInt64{Int64: 1722789905, Valid: true},
				Status:     sql.NullString{String: "sent", Valid: true},
				RecordedAt: at,
			},
			ok: true,
		},
		{
			name: "rejected result",
			point: telemetry.Point{
				Measurement: EventResult,
				Tags:        map[string]string{telemetry.DeviceTag: "bitaxe-01", "status": "rejected"},
				Fields:      map[string]any{"accepted": uint64(4), "rejected": uint64(1), "error_code": 23, "generation": uint64(3)},
				Time:        at,
			},
			want: Row{
				DeviceID:   "bitaxe-01",
				Event:      EventResult,
				Generation: 3,
				Status:     sql.NullString{String: "rejected", Valid: true},
				ErrorCode:  sql.NullInt64{Int64: 23, Valid: true},
				RecordedAt: at,
			},
			ok: true,
		},
		{
			name: "accepted result has no error code",
			point: telemetry.Point{
				Measurement: EventResult,
				Tags:        map[string]string{"status": "accepted"},
				Fields:      map[string]any{"accepted": uint64(5), "generation": uint64(1)},
				Time:        at,
			},
			want: Row{
				Event:      EventResult,
				Generation: 1,
				Status:     sql.NullString{String: "accepted", Valid: true},
				RecordedAt: at,
			},
			ok: true,
		},
		{
			name:  "other measurements are not ledgered",
			point: telemetry.Point{Measurement: "vcore", Fields: map[string]any{"target_v": 1.2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, ok := LedgerRow(tt.point)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.NotEqual(t, uuid.Nil, row.ID)
			row.ID = uuid.Nil
			assert.Equal(t, tt.want, row)
		})
	}
}

func TestLedgerRow_UniqueIDs(t *testing.T) {
	p := telemetry.Point{Measurement: EventSubmit, Fields: map[string]any{}}
	a, _ := LedgerRow(p)
	b, _ := LedgerRow(p)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNew_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, &Config{URL: "postgres://miner@127.0.0.1:1/ledger?sslmode=disable&connect_timeout=1"})
	assert.Error(t, err)
}
