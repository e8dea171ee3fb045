package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompminer/internal/telemetry"
	gerrors "github.com/bardlex/gompminer/pkg/errors"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func samplePoint() telemetry.Point {
	return telemetry.Point{
		Measurement: "share_submit",
		Tags:        map[string]string{telemetry.DeviceTag: "bitaxe-01"},
		Fields: map[string]any{
			"job_id":     "01",
			"nonce":      uint32(0),
			"generation": uint64(2),
		},
		Time: time.Date(2024, 8, 4, 16, 45, 5, 0, time.UTC),
	}
}

func TestSink_PublishesKeyedByDevice(t *testing.T) {
	w := &fakeWriter{}
	sink := NewWithWriter(w, "miner.telemetry")

	require.NoError(t, sink.Write(context.Background(), samplePoint()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "bitaxe-01", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, ContentType, string(msg.Headers[0].Value))

	var got structpb.Struct
	require.NoError(t, proto.Unmarshal(msg.Value, &got))
	m := got.AsMap()
	assert.Equal(t, "share_submit", m["measurement"])
	assert.Equal(t, "2024-08-04T16:45:05Z", m["time"])
	assert.Equal(t, map[string]any{"job_id": "01", "nonce": 0.0, "generation": 2.0}, m["fields"])

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	sink := NewWithWriter(w, "miner.telemetry")

	err := sink.Write(context.Background(), samplePoint())
	require.Error(t, err)
	assert.True(t, gerrors.IsType(err, gerrors.ErrorTypeTelemetry))
	assert.True(t, gerrors.IsRetryable(err))
}

func TestEncode_UnsupportedField(t *testing.T) {
	p := samplePoint()
	p.Fields["raw"] = struct{}{}

	_, err := Encode(p)
	require.Error(t, err)
	assert.False(t, gerrors.IsRetryable(err))
}

func TestNew_RequiresBrokersAndTopic(t *testing.T) {
	_, err := New(&Config{Topic: "miner.telemetry"})
	assert.Error(t, err)

	sink, err := New(&Config{Brokers: []string{"localhost:9092"}, Topic: "miner.telemetry"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", sink.Name())
	assert.NoError(t, sink.Close())
}
