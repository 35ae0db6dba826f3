// Package dispatch executes the action sequence produced for one artifact
// against the EDR and SIEM adapters.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	apperrors "midsoc/internal/errors"
	"midsoc/internal/logging"
	"midsoc/internal/metrics"
	"midsoc/internal/schema"
)

// DefaultSettleDelay is how long a report waits for its preparatory upload
// to be indexed.
const DefaultSettleDelay = 2 * time.Second

// Config holds dispatcher settings.
type Config struct {
	// SettleDelay separates the preparatory upload from the first report
	// of a batch.
	SettleDelay time.Duration
	// CallTimeout bounds each adapter call. Zero means no bound.
	CallTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		SettleDelay: DefaultSettleDelay,
		CallTimeout: 30 * time.Second,
	}
}

// Summary counts what happened to one batch.
type Summary struct {
	Executed   int
	Skipped    int
	Failed     int
	Cleaned    bool
	CleanupErr error
}

// Dispatcher routes normalized actions to the capability adapters. It holds
// no per-batch state and may be shared by concurrent dispatch units.
type Dispatcher struct {
	cfg       Config
	edr       EDR
	siem      SIEM
	recorder  Recorder
	archiver  Archiver
	validator *schema.Validator
	logger    *slog.Logger
}

// New creates a Dispatcher. Either adapter may be nil, in which case actions
// for that tool fail with ErrNoCapability.
func New(cfg Config, edr EDR, siem SIEM, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Dispatcher{
		cfg:       cfg,
		edr:       edr,
		siem:      siem,
		validator: schema.NewValidator(),
		logger:    logger,
	}
}

// SetRecorder sets where outcomes are sent.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// SetArchiver sets the archiver consulted before a consumed artifact is
// deleted.
func (d *Dispatcher) SetArchiver(a Archiver) {
	d.archiver = a
}

// Dispatch executes actions in order. Fail markers are skipped and a failed
// action never stops the batch. After the last action, a consumed artifact
// is removed when it came from the SIEM or fed a report.
func (d *Dispatcher) Dispatch(ctx context.Context, artifact schema.RawArtifact, actions []schema.NormalizedAction) Summary {
	var sum Summary
	logger := d.logger.With("path", artifact.Path, "source_tool", artifact.Producer, "artifact_id", artifact.ID)

	prepared := false
	for i := range actions {
		a := actions[i]
		out := schema.NewOutcome(artifact, a)

		if a.Failed() {
			sum.Skipped++
			logger.Info("skipping fail action", "index", i)
			d.record(out.Finish(schema.DispositionSkipped, nil))
			continue
		}

		err := d.execute(ctx, artifact, a, &prepared)
		if err != nil {
			sum.Failed++
			if IsCapabilityError(err) {
				logger.Warn("action failed",
					"index", i,
					"kind", a.Kind,
					"target_tool", a.Target,
					"error", err,
				)
			} else {
				logger.Error("action not executable",
					"index", i,
					"kind", a.Kind,
					"fields", logging.SafeFields(a.Fields),
					"error", err,
				)
			}
			d.record(out.Finish(schema.DispositionFailed, apperrors.SanitizeError(err)))
			continue
		}

		sum.Executed++
		logger.Info("action executed",
			"index", i,
			"kind", a.Kind,
			"target_tool", a.Target,
			"fields", logging.SafeFields(a.Fields),
		)
		d.record(out.Finish(schema.DispositionExecuted, nil))
	}

	if needsCleanup(artifact, actions) {
		sum.CleanupErr = d.cleanup(ctx, artifact)
		if sum.CleanupErr != nil {
			metrics.RecordCleanupFailure()
			logger.Warn("consumed artifact not removed", "error", sum.CleanupErr)
		} else {
			sum.Cleaned = true
			logger.Info("consumed artifact removed")
		}
	}

	return sum
}

// needsCleanup reports whether the artifact is consumed by its batch: SIEM
// reports always are, EDR detections are once a report has run from them.
// Empty batches leave the file alone.
func needsCleanup(artifact schema.RawArtifact, actions []schema.NormalizedAction) bool {
	if len(actions) == 0 {
		return false
	}
	if artifact.Producer == schema.ToolSIEM {
		return true
	}
	for _, a := range actions {
		if !a.Failed() && a.Kind == schema.KindRunReport {
			return true
		}
	}
	return false
}

func (d *Dispatcher) execute(ctx context.Context, artifact schema.RawArtifact, a schema.NormalizedAction, prepared *bool) error {
	if err := d.validator.ValidateAction(&a); err != nil {
		return err
	}

	switch a.Kind {
	case schema.KindDeleteFile:
		if d.edr == nil {
			return d.capabilityErr(a, ErrNoCapability)
		}
		return d.call(ctx, a, func(ctx context.Context) (bool, error) {
			return d.edr.DeleteFile(ctx, a.Field(schema.FieldSID), a.Field(schema.FieldFilePath))
		})

	case schema.KindKillProcess:
		if d.edr == nil {
			return d.capabilityErr(a, ErrNoCapability)
		}
		return d.call(ctx, a, func(ctx context.Context) (bool, error) {
			return d.edr.KillProcess(ctx, a.Field(schema.FieldSID), a.Field(schema.FieldProcessID))
		})

	case schema.KindUploadLog:
		if d.siem == nil {
			return d.capabilityErr(a, ErrNoCapability)
		}
		return d.call(ctx, a, func(ctx context.Context) (bool, error) {
			return d.siem.LogManagement(ctx, a.Field(schema.FieldFilePath), a.Field(schema.FieldFormat), a.Source, true)
		})

	case schema.KindRunReport:
		if d.siem == nil {
			return d.capabilityErr(a, ErrNoCapability)
		}
		if !*prepared {
			err := d.call(ctx, a, func(ctx context.Context) (bool, error) {
				return d.siem.LogManagement(ctx, a.Field(schema.FieldFilePath), formatOf(a), a.Source, false)
			})
			if err != nil {
				return fmt.Errorf("report preparation: %w", err)
			}
			*prepared = true
			if err := sleep(ctx, d.cfg.SettleDelay); err != nil {
				return err
			}
		}
		return d.call(ctx, a, func(ctx context.Context) (bool, error) {
			return d.siem.RunReport(ctx, a.Field(schema.FieldReportName), true)
		})
	}

	return fmt.Errorf("%w: unhandled kind %q", schema.ErrInvalidAction, a.Kind)
}

func formatOf(a schema.NormalizedAction) string {
	if f := a.Field(schema.FieldFormat); f != "" {
		return f
	}
	return schema.FormatJSON
}

// call runs one adapter operation under the call timeout and folds a false
// result into a CapabilityError.
func (d *Dispatcher) call(ctx context.Context, a schema.NormalizedAction, op func(context.Context) (bool, error)) error {
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}

	ok, err := op(ctx)
	if err != nil {
		return d.capabilityErr(a, err)
	}
	if !ok {
		return d.capabilityErr(a, ErrRejected)
	}
	return nil
}

func (d *Dispatcher) capabilityErr(a schema.NormalizedAction, err error) error {
	metrics.RecordCapabilityError(string(a.Target))
	return &CapabilityError{Tool: a.Target, Kind: a.Kind, Err: err}
}

func (d *Dispatcher) cleanup(ctx context.Context, artifact schema.RawArtifact) error {
	if d.archiver != nil {
		if err := d.archiver.Archive(ctx, artifact); err != nil {
			d.logger.Warn("artifact archive failed", "path", artifact.Path, "error", err)
		}
	}
	if err := os.Remove(artifact.Path); err != nil {
		return &DeleteError{Path: artifact.Path, Err: err}
	}
	return nil
}

// record publishes an outcome. Failed outcomes must already carry a
// sanitized error.
func (d *Dispatcher) record(o *schema.Outcome) {
	metrics.RecordAction(string(o.Kind), string(o.Disposition))
	if d.recorder != nil {
		d.recorder.Record(o)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCapabilityError reports whether err came from a tool adapter.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrCapability)
}
