// Package watcher turns filesystem notifications in a tool's output
// directory into RawArtifacts.
//
// Each Watcher runs one loop over a single, non-recursive directory. A
// modified file is dispatched at most once per debounce window, every
// dispatch runs in its own goroutine, and a file named SDN in the directory
// stops the loop and is removed.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"midsoc/internal/metrics"
	"midsoc/internal/schema"
)

const (
	// SentinelName is the shutdown file convention shared with the tools.
	SentinelName = "SDN"

	// DefaultPollInterval bounds how long the loop waits before it
	// re-checks the stop flag and the debounce window.
	DefaultPollInterval = time.Second

	// maxRetainedUnits caps how many finished units Handles reports.
	maxRetainedUnits = 256
)

// Handler processes one artifact. It runs in its own goroutine.
type Handler func(ctx context.Context, artifact schema.RawArtifact)

// Config holds settings for a Watcher.
type Config struct {
	Dir            string
	Tool           schema.Tool
	DebounceWindow time.Duration
	PollInterval   time.Duration
	SentinelName   string
}

// Unit describes a spawned dispatch unit.
type Unit struct {
	ID        uuid.UUID `json:"id"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	Done      bool      `json:"done"`
}

type unit struct {
	id        uuid.UUID
	path      string
	startedAt time.Time
	done      atomic.Bool
}

// Metrics holds watcher counters.
type Metrics struct {
	Dispatched   uint64 `json:"dispatched"`
	Deduplicated uint64 `json:"deduplicated"`
	Vanished     uint64 `json:"vanished"`
	Resets       uint64 `json:"resets"`
	Errors       uint64 `json:"errors"`
}

// Watcher watches one directory on behalf of one tool.
type Watcher struct {
	cfg     Config
	handle  Handler
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	cache   *DedupCache
	resetCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	stopOnce sync.Once
	started  atomic.Bool
	running  atomic.Bool
	inflight sync.WaitGroup

	unitsMu sync.Mutex
	units   []*unit

	dispatched   atomic.Uint64
	deduplicated atomic.Uint64
	vanished     atomic.Uint64
	resets       atomic.Uint64
	notifyErrs   atomic.Uint64
}

// New validates the directory and registers for its notifications. The
// loop does not run until Start is called.
func New(cfg Config, handle Handler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SentinelName == "" {
		cfg.SentinelName = SentinelName
	}
	if !cfg.Tool.IsValid() {
		return nil, fmt.Errorf("watch %s: unknown source tool %q", cfg.Dir, cfg.Tool)
	}

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, &DirectoryNotFoundError{Path: cfg.Dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &DirectoryNotFoundError{Path: cfg.Dir}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:     cfg,
		handle:  handle,
		logger:  logger.With("dir", cfg.Dir, "source_tool", cfg.Tool),
		fsw:     fsw,
		cache:   NewDedupCache(cfg.DebounceWindow, time.Now()),
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start runs the watch loop in the background. Dispatch units receive a
// context detached from ctx's cancellation so they run to completion after
// the loop stops.
// Start after Close is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.running.Store(true)
	go w.run(ctx)
	w.logger.Info("watcher started",
		"debounce_window", w.cache.Window(),
		"poll_interval", w.cfg.PollInterval,
	)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.running.Store(false)
	defer w.fsw.Close()

	unitCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped", "reason", "context")
			return
		case <-w.stopCh:
			w.logger.Info("watcher stopped", "reason", "stop")
			return
		case <-w.resetCh:
			w.cache.Reset(time.Now())
			w.resets.Add(1)
		case now := <-ticker.C:
			w.expire(now)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.notifyErrs.Add(1)
			w.logger.Warn("filesystem notification error", "error", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.expire(time.Now())
			if w.handleEvent(unitCtx, ev) {
				w.logger.Info("watcher stopped", "reason", "sentinel")
				return
			}
		}
	}
}

func (w *Watcher) expire(now time.Time) {
	if w.cache.Expire(now) {
		w.resets.Add(1)
	}
}

// handleEvent applies the sentinel and dedup rules to one notification and
// reports whether the loop must stop.
func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) bool {
	name := filepath.Base(ev.Name)

	if name == w.cfg.SentinelName {
		if err := os.Remove(ev.Name); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to remove sentinel", "path", ev.Name, "error", err)
		}
		return true
	}

	if !ev.Has(fsnotify.Write) {
		return false
	}

	info, err := os.Stat(ev.Name)
	if err != nil || info.IsDir() {
		w.vanished.Add(1)
		metrics.RecordArtifact(string(w.cfg.Tool), "vanished")
		return false
	}

	if !w.cache.Observe(name) {
		w.deduplicated.Add(1)
		metrics.RecordArtifact(string(w.cfg.Tool), "deduplicated")
		w.logger.Debug("duplicate notification discarded", "path", ev.Name)
		return false
	}

	w.dispatched.Add(1)
	metrics.RecordArtifact(string(w.cfg.Tool), "dispatched")
	w.spawn(ctx, schema.NewRawArtifact(ev.Name, w.cfg.Tool))
	return false
}

func (w *Watcher) spawn(ctx context.Context, artifact schema.RawArtifact) {
	u := &unit{id: artifact.ID, path: artifact.Path, startedAt: artifact.ObservedAt}

	w.unitsMu.Lock()
	w.units = append(w.units, u)
	w.pruneLocked()
	w.unitsMu.Unlock()

	w.logger.Info("artifact dispatched", "path", artifact.Path, "artifact_id", artifact.ID)

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer u.done.Store(true)
		if w.handle != nil {
			w.handle(ctx, artifact)
		}
	}()
}

// pruneLocked drops the oldest finished units once the list is over its cap.
func (w *Watcher) pruneLocked() {
	if len(w.units) <= maxRetainedUnits {
		return
	}
	kept := w.units[:0]
	excess := len(w.units) - maxRetainedUnits
	for _, u := range w.units {
		if excess > 0 && u.done.Load() {
			excess--
			continue
		}
		kept = append(kept, u)
	}
	clear(w.units[len(kept):])
	w.units = kept
}

// Stop asks the loop to exit. It returns immediately; the loop observes the
// request within one poll interval. In-flight units are not cancelled.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Close stops the watcher. A watcher that was never started has no loop to
// release its notification handle, so Close releases it directly.
func (w *Watcher) Close() error {
	w.Stop()
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	close(w.doneCh)
	return w.fsw.Close()
}

// Done is closed once the loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

// Wait blocks until the loop has exited and every spawned unit has finished.
func (w *Watcher) Wait() {
	<-w.doneCh
	w.inflight.Wait()
}

// ResetCache asks the loop to clear the dedup cache.
func (w *Watcher) ResetCache() {
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.cfg.Dir
}

// Tool returns the tool whose output is watched.
func (w *Watcher) Tool() schema.Tool {
	return w.cfg.Tool
}

// Handles returns a snapshot of spawned dispatch units, oldest first.
func (w *Watcher) Handles() []Unit {
	w.unitsMu.Lock()
	defer w.unitsMu.Unlock()

	out := make([]Unit, 0, len(w.units))
	for _, u := range w.units {
		out = append(out, Unit{
			ID:        u.id,
			Path:      u.path,
			StartedAt: u.startedAt,
			Done:      u.done.Load(),
		})
	}
	return out
}

// Metrics returns current counters.
func (w *Watcher) Metrics() Metrics {
	return Metrics{
		Dispatched:   w.dispatched.Load(),
		Deduplicated: w.deduplicated.Load(),
		Vanished:     w.vanished.Load(),
		Resets:       w.resets.Load(),
		Errors:       w.notifyErrs.Load(),
	}
}
