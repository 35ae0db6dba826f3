// Package consumer drains the outcome queue into the configured sinks.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	errs "midsoc/internal/errors"
	"midsoc/internal/queue"
	"midsoc/internal/schema"
)

// Sink receives batches of outcomes.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []*schema.Outcome) error
	Flush(ctx context.Context) error
}

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer reads outcomes from the queue and fans them out to sinks.
type Consumer struct {
	queue  *queue.RingBuffer
	sinks  []Sink
	config Config
	logger *slog.Logger

	wg   sync.WaitGroup
	stop sync.Once

	consumed atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, sinks []Sink, cfg Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Consumer{
		queue:  q,
		sinks:  sinks,
		config: cfg,
		logger: logger,
	}
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	names := make([]string, len(c.sinks))
	for i, s := range c.sinks {
		names[i] = s.Name()
	}
	c.logger.Info("outcome consumer started", "workers", c.config.Workers, "sinks", names)
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	for {
		batch, err := c.queue.PopBatch(c.config.BatchSize, c.config.PollInterval)
		switch err {
		case nil:
		case queue.ErrQueueEmpty:
			if ctx.Err() != nil {
				return
			}
			continue
		case queue.ErrQueueClosed:
			c.logger.Debug("consumer worker stopping", "worker_id", id)
			return
		default:
			c.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			c.errors.Add(1)
			continue
		}

		// Sink writes outlive ctx so a shutdown drain still lands.
		c.write(context.WithoutCancel(ctx), id, batch)
	}
}

func (c *Consumer) write(ctx context.Context, id int, batch []*schema.Outcome) {
	for _, o := range batch {
		o.Error = errs.SanitizeString(o.Error)
	}
	for _, s := range c.sinks {
		if err := s.Write(ctx, batch); err != nil {
			c.logger.Error("failed to write outcomes",
				"worker_id", id,
				"sink", s.Name(),
				"count", len(batch),
				"error", err,
			)
			c.errors.Add(1)
		}
	}
	c.consumed.Add(uint64(len(batch)))
}

// Stop closes the queue, waits for the workers to drain it and flushes
// every sink.
func (c *Consumer) Stop(ctx context.Context) {
	c.stop.Do(func() {
		c.queue.Close()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info("outcome consumer stopped gracefully")
		case <-time.After(c.config.ShutdownWait):
			c.logger.Warn("outcome consumer shutdown timed out")
		}

		for _, s := range c.sinks {
			if err := s.Flush(ctx); err != nil {
				c.logger.Error("final flush failed", "sink", s.Name(), "error", err)
			}
		}
	})
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Errors   uint64 `json:"errors"`
}

// LogSink writes each outcome as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, batch []*schema.Outcome) error {
	for _, o := range batch {
		level := slog.LevelInfo
		if o.Disposition == schema.DispositionFailed {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(ctx, level, "action outcome",
			slog.String("outcome_id", o.ID.String()),
			slog.String("artifact", o.ArtifactPath),
			slog.String("kind", string(o.Kind)),
			slog.String("target", string(o.Target)),
			slog.String("disposition", string(o.Disposition)),
			slog.String("error", o.Error),
			slog.Duration("duration", o.Duration),
		)
	}
	return nil
}

func (s *LogSink) Flush(context.Context) error { return nil }
