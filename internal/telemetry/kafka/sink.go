// Package kafka publishes telemetry points to a Kafka topic as protobuf
// encoded google.protobuf.Struct messages keyed by device.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompminer/internal/telemetry"
	"github.com/bardlex/gompminer/pkg/errors"
)

// ContentType is set as a header on every message
const ContentType = "application/x-protobuf; messageType=google.protobuf.Struct"

// MessageWriter is the subset of kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds Kafka producer configuration
type Config struct {
	Brokers []string
	Topic   string
}

// Sink publishes points to Kafka
type Sink struct {
	writer MessageWriter
	topic  string
}

// New creates a Kafka sink. Brokers are contacted on the first write.
func New(cfg *Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "kafka_config", "brokers and topic are required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
	return NewWithWriter(writer, cfg.Topic), nil
}

// NewWithWriter creates a sink on an existing writer
func NewWithWriter(w MessageWriter, topic string) *Sink {
	return &Sink{writer: w, topic: topic}
}

// Name implements telemetry.Sink
func (s *Sink) Name() string {
	return "kafka"
}

// Write implements telemetry.Sink
func (s *Sink) Write(ctx context.Context, p telemetry.Point) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:     []byte(p.Tags[telemetry.DeviceTag]),
		Value:   data,
		Time:    p.Time,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte(ContentType)}},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTelemetry, "kafka_publish", "failed to publish point").
			WithContext("topic", s.topic).
			WithContext("measurement", p.Measurement)
	}
	return nil
}

// Close implements telemetry.Sink
func (s *Sink) Close() error {
	return s.writer.Close()
}

// Encode marshals a point as a protobuf Struct with measurement, time, tags
// and fields keys
func Encode(p telemetry.Point) ([]byte, error) {
	tags := make(map[string]any, len(p.Tags))
	for k, v := range p.Tags {
		tags[k] = v
	}
	fields := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}

	s, err := structpb.NewStruct(map[string]any{
		"measurement": p.Measurement,
		"time":        p.Time.UTC().Format(time.RFC3339Nano),
		"tags":        tags,
		"fields":      fields,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_encode", "point has unsupported field type").
			WithContext("measurement", p.Measurement)
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal", "failed to marshal point").
			WithContext("measurement", p.Measurement)
	}
	return data, nil
}
