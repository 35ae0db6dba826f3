// Package queue buffers action outcomes between dispatch units and the
// outcome sinks.
package queue

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"midsoc/internal/metrics"
	"midsoc/internal/schema"
)

// DefaultSize is the capacity used when none is configured.
const DefaultSize = 10000

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer of outcomes.
type RingBuffer struct {
	buffer []*schema.Outcome
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond
	logger *slog.Logger

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int, logger *slog.Logger) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	rb := &RingBuffer{
		buffer: make([]*schema.Outcome, size),
		size:   size,
		logger: logger,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an outcome to the queue.
func (rb *RingBuffer) Push(o *schema.Outcome) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = o
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)
	metrics.SetQueueDepth(rb.count)

	rb.cond.Signal()
	return nil
}

// Record pushes o, logging instead of failing when it cannot be queued.
// It satisfies dispatch.Recorder.
func (rb *RingBuffer) Record(o *schema.Outcome) {
	if err := rb.Push(o); err != nil {
		rb.logger.Warn("outcome dropped",
			"outcome_id", o.ID,
			"kind", o.Kind,
			"disposition", o.Disposition,
			"error", err,
		)
	}
}

// Pop removes and returns an outcome from the queue.
func (rb *RingBuffer) Pop() (*schema.Outcome, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return rb.take(), nil
}

// PopBatch waits up to timeout for at least one outcome and returns up to
// limit of them. It returns ErrQueueEmpty on timeout and ErrQueueClosed once
// the queue is closed and drained.
func (rb *RingBuffer) PopBatch(limit int, timeout time.Duration) ([]*schema.Outcome, error) {
	if limit <= 0 {
		limit = 1
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 && !rb.closed {
		expired := false
		timer := time.AfterFunc(timeout, func() {
			rb.mu.Lock()
			expired = true
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})
		for rb.count == 0 && !rb.closed && !expired {
			rb.cond.Wait()
		}
		timer.Stop()
	}

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	n := min(rb.count, limit)
	batch := make([]*schema.Outcome, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, rb.take())
	}
	return batch, nil
}

// take pops the head. Callers hold mu and have checked count.
func (rb *RingBuffer) take() *schema.Outcome {
	o := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	metrics.SetQueueDepth(rb.count)
	return o
}

// Len returns the current number of outcomes in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close closes the queue and wakes up any waiting consumers. Queued
// outcomes remain poppable.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
