package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds Kafka producer configuration
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string
}

// ParseBrokers splits a comma-separated broker list
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is one keyed JSON payload with string headers.
type Message struct {
	Key     string
	Value   any
	Headers map[string]string
}

// Producer publishes JSON messages to a single topic
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

// NewProducer creates a producer backed by a kafka.Writer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              batchSize,
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer, cfg.Topic, logger)
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

func (p *Producer) Topic() string {
	return p.topic
}

// Publish writes msgs in one batch. Trace context is added to every message's headers.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.Int("messaging.batch_size", len(msgs)),
	)

	traceparent := tracing.GetTraceParent(ctx)
	tracestate := tracing.GetTraceState(ctx)

	out := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		data, err := json.Marshal(msg.Value)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("failed to marshal message %d", i))
			return fmt.Errorf("failed to marshal message %d: %w", i, err)
		}

		headers := make([]kafka.Header, 0, len(msg.Headers)+2)
		for k, v := range msg.Headers {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		if traceparent != "" {
			headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
		}
		if tracestate != "" {
			headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
		}

		out[i] = kafka.Message{
			Key:     []byte(msg.Key),
			Value:   data,
			Headers: headers,
		}
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, out...)
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordKafkaPublish(p.topic, "error", duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish batch")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %d messages to Kafka topic %s", len(msgs), p.topic)
		return err
	}

	metrics.RecordKafkaPublish(p.topic, "success", duration)
	span.SetStatus(codes.Ok, "batch published")
	p.logger.WithContext(ctx).Debugf("Published %d messages to Kafka topic %s", len(msgs), p.topic)
	return nil
}
