package dispatch

import (
	"context"
	"log/slog"
	"time"

	"midsoc/internal/classifier"
	apperrors "midsoc/internal/errors"
	"midsoc/internal/metrics"
	"midsoc/internal/schema"
)

// DefaultWriteSettle gives the producing tool time to finish writing a file
// before it is read.
const DefaultWriteSettle = 2 * time.Second

// Classifier turns an artifact into its action sequence.
type Classifier interface {
	Classify(artifact schema.RawArtifact) (classifier.Result, error)
}

// Pipeline is the body of a dispatch unit: claim, settle, classify and
// dispatch one artifact.
type Pipeline struct {
	classifier  Classifier
	dispatcher  *Dispatcher
	claimer     Claimer
	writeSettle time.Duration
	logger      *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(c Classifier, d *Dispatcher, writeSettle time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		classifier:  c,
		dispatcher:  d,
		writeSettle: writeSettle,
		logger:      logger,
	}
}

// SetClaimer enables cross-instance claims.
func (p *Pipeline) SetClaimer(c Claimer) {
	p.claimer = c
}

// Handle processes one artifact. Its signature matches watcher.Handler.
func (p *Pipeline) Handle(ctx context.Context, artifact schema.RawArtifact) {
	p.Process(ctx, artifact)
}

// Process runs the unit and returns what happened. Errors are logged and
// recorded here; the caller has nothing to recover.
func (p *Pipeline) Process(ctx context.Context, artifact schema.RawArtifact) (classifier.Result, Summary, error) {
	start := time.Now()
	defer func() { metrics.RecordDispatchDuration(time.Since(start)) }()

	logger := p.logger.With("path", artifact.Path, "source_tool", artifact.Producer, "artifact_id", artifact.ID)

	if p.claimer != nil {
		ok, err := p.claimer.Claim(ctx, artifact)
		switch {
		case err != nil:
			// A broken claim store must not stall remediation.
			logger.Warn("artifact claim failed, processing anyway", "error", err)
		case !ok:
			logger.Info("artifact claimed by another instance")
			return classifier.Result{}, Summary{}, nil
		default:
			// The claim only covers this unit. A later rewrite of the same
			// path is new work and must be claimable again.
			defer p.release(ctx, artifact, logger)
		}
	}

	if err := sleep(ctx, p.writeSettle); err != nil {
		return classifier.Result{}, Summary{}, err
	}

	res, err := p.classifier.Classify(artifact)
	if err != nil {
		logger.Error("artifact unreadable", "error", err)
		out := schema.NewOutcome(artifact, schema.FailAction(artifact.Producer))
		p.dispatcher.record(out.Finish(schema.DispositionFailed, apperrors.WrapSanitized(err, "classify")))
		return res, Summary{}, err
	}

	logger.Info("artifact classified",
		"shape", res.Shape.String(),
		"actions", len(res.Actions),
		"failed", res.Failed(),
	)

	sum := p.dispatcher.Dispatch(ctx, artifact, res.Actions)

	logger.Info("artifact dispatched",
		"executed", sum.Executed,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"cleaned", sum.Cleaned,
		"duration", time.Since(start),
	)

	return res, sum, nil
}

func (p *Pipeline) release(ctx context.Context, artifact schema.RawArtifact, logger *slog.Logger) {
	if err := p.claimer.Release(context.WithoutCancel(ctx), artifact); err != nil {
		logger.Warn("artifact release failed", "error", err)
	}
}
