package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"midsoc/internal/schema"
)

// ErrProducerClosed is returned by writes after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes outcomes as JSON messages keyed by artifact ID, so
// every outcome of one artifact lands on the same partition.
type Producer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	closed atomic.Bool

	produced atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
}

// NewProducer creates a Producer for cfg.Topic.
func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.CompressionType,
	)
	return newProducer(writer, cfg.Topic, logger), nil
}

func newProducer(w messageWriter, topic string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

// Name identifies the sink.
func (p *Producer) Name() string { return "kafka" }

// Write publishes a batch of outcomes.
func (p *Producer) Write(ctx context.Context, batch []*schema.Outcome) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(batch) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(batch))
	var size int64
	for _, o := range batch {
		msg, err := outcomeMessage(o)
		if err != nil {
			return err
		}
		size += int64(len(msg.Value))
		msgs = append(msgs, msg)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("kafka: failed to publish %d outcomes to %s: %w", len(msgs), p.topic, err)
	}

	p.produced.Add(int64(len(msgs)))
	p.bytes.Add(size)
	return nil
}

// Flush is a no-op; the writer flushes on every WriteMessages call.
func (p *Producer) Flush(context.Context) error { return nil }

// Close closes the underlying writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

func outcomeMessage(o *schema.Outcome) (kafka.Message, error) {
	value, err := json.Marshal(o)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: failed to marshal outcome: %w", err)
	}
	return kafka.Message{
		Key:   []byte(o.ArtifactID.String()),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(o.Kind)},
			{Key: "disposition", Value: []byte(o.Disposition)},
			{Key: "source", Value: []byte(o.Source)},
		},
	}, nil
}

// Metrics holds producer statistics.
type Metrics struct {
	MessagesProduced int64 `json:"messages_produced"`
	BytesProduced    int64 `json:"bytes_produced"`
	Errors           int64 `json:"errors"`
}

// GetMetrics returns producer statistics.
func (p *Producer) GetMetrics() Metrics {
	return Metrics{
		MessagesProduced: p.produced.Load(),
		BytesProduced:    p.bytes.Load(),
		Errors:           p.errors.Load(),
	}
}
