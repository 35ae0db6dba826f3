package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"midsoc/internal/schema"
)

const outcomesTable = "action_outcomes"

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// BatchWriter buffers outcomes and inserts them into ClickHouse. Outcomes
// that fail validation go to the quarantine table instead.
type BatchWriter struct {
	client     *ClickHouseClient
	config     BatchWriterConfig
	validator  *schema.Validator
	quarantine *QuarantineWriter
	logger     *slog.Logger

	buffer []*schema.Outcome
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten     atomic.Uint64
	totalFailed      atomic.Uint64
	totalQuarantined atomic.Uint64
	batchCount       atomic.Uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchWriterConfig().BatchSize
	}
	bw := &BatchWriter{
		client:     client,
		config:     cfg,
		validator:  schema.NewValidator(),
		quarantine: NewQuarantineWriter(client),
		logger:     logger,
		buffer:     make([]*schema.Outcome, 0, cfg.BatchSize),
	}
	if cfg.FlushInterval > 0 {
		bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	}
	return bw
}

// Name identifies the sink.
func (bw *BatchWriter) Name() string { return "clickhouse" }

// Write buffers a batch of outcomes, flushing when the buffer is full.
func (bw *BatchWriter) Write(ctx context.Context, batch []*schema.Outcome) error {
	var rejected []*QuarantineEntry
	valid := make([]*schema.Outcome, 0, len(batch))
	for _, o := range batch {
		if err := bw.validator.ValidateOutcome(o); err != nil {
			rejected = append(rejected, NewQuarantineEntry(o, err))
			continue
		}
		valid = append(valid, o)
	}

	if len(rejected) > 0 {
		bw.totalQuarantined.Add(uint64(len(rejected)))
		if err := bw.quarantine.WriteBatch(ctx, rejected); err != nil {
			bw.logger.Error("failed to quarantine outcomes", "count", len(rejected), "error", err)
		}
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, valid...)
	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked(ctx)
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if err := bw.flushLocked(context.Background()); err != nil {
		bw.logger.Error("timer flush failed", "error", err)
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	outcomes := bw.buffer
	bw.buffer = make([]*schema.Outcome, 0, bw.config.BatchSize)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = bw.config.RetryDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return bw.insertBatch(ctx, outcomes)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(bw.config.MaxRetries, 0))), ctx),
		func(err error, wait time.Duration) {
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt,
				"max_retries", bw.config.MaxRetries,
				"wait", wait,
				"error", err,
			)
		})
	if err != nil {
		bw.totalFailed.Add(uint64(len(outcomes)))
		return WrapInsertError(outcomesTable, err, attempt-1)
	}

	bw.totalWritten.Add(uint64(len(outcomes)))
	bw.batchCount.Add(1)
	return nil
}

func (bw *BatchWriter) insertBatch(ctx context.Context, outcomes []*schema.Outcome) error {
	if bw.config.InsertTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bw.config.InsertTimeout)
		defer cancel()
	}

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO action_outcomes (
			outcome_id, artifact_id, artifact_path, action_id,
			kind, target_tool, source_tool, disposition,
			error, started_at, duration_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, o := range outcomes {
		err := batch.Append(
			o.ID,
			o.ArtifactID,
			o.ArtifactPath,
			o.ActionID,
			string(o.Kind),
			string(o.Target),
			string(o.Source),
			string(o.Disposition),
			o.Error,
			o.StartedAt,
			float64(o.Duration)/float64(time.Millisecond),
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append outcome: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("outcome batch inserted", "count", len(outcomes))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Close stops the flush timer and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true
	if bw.flushTimer != nil {
		bw.flushTimer.Stop()
	}
	return bw.flushLocked(context.Background())
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written:     bw.totalWritten.Load(),
		Failed:      bw.totalFailed.Load(),
		Quarantined: bw.totalQuarantined.Load(),
		Batches:     bw.batchCount.Load(),
		Pending:     bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written     uint64 `json:"written"`
	Failed      uint64 `json:"failed"`
	Quarantined uint64 `json:"quarantined"`
	Batches     uint64 `json:"batches"`
	Pending     int    `json:"pending"`
}
