package schema

import (
	"time"

	"github.com/google/uuid"
)

// Disposition is what the dispatcher did with an action.
type Disposition string

const (
	DispositionExecuted Disposition = "executed"
	DispositionSkipped  Disposition = "skipped"
	DispositionFailed   Disposition = "failed"
)

// IsValid checks if the disposition is a known value.
func (d Disposition) IsValid() bool {
	switch d {
	case DispositionExecuted, DispositionSkipped, DispositionFailed:
		return true
	}
	return false
}

// Outcome records the execution of a single action. Outcomes are the only
// durable trace of a dispatch and are shipped to the configured sinks.
type Outcome struct {
	ID           uuid.UUID     `json:"id" validate:"required"`
	ArtifactID   uuid.UUID     `json:"artifact_id"`
	ArtifactPath string        `json:"artifact_path" validate:"required,max=4096"`
	ActionID     uuid.UUID     `json:"action_id"`
	Kind         Kind          `json:"kind,omitempty" validate:"omitempty,action_kind"`
	Target       Tool          `json:"target_tool,omitempty" validate:"omitempty,oneof=edr siem"`
	Source       Tool          `json:"source_tool" validate:"required,oneof=edr siem"`
	Disposition  Disposition   `json:"disposition" validate:"required,oneof=executed skipped failed"`
	Error        string        `json:"error,omitempty" validate:"max=4096"`
	StartedAt    time.Time     `json:"started_at" validate:"required"`
	Duration     time.Duration `json:"duration"`
}

// NewOutcome starts an outcome for an action taken from artifact.
func NewOutcome(artifact RawArtifact, action NormalizedAction) *Outcome {
	return &Outcome{
		ID:           uuid.New(),
		ArtifactID:   artifact.ID,
		ArtifactPath: artifact.Path,
		ActionID:     action.ID,
		Kind:         action.Kind,
		Target:       action.Target,
		Source:       action.Source,
		StartedAt:    time.Now().UTC(),
	}
}

// Finish stamps the disposition and elapsed time.
func (o *Outcome) Finish(d Disposition, err error) *Outcome {
	o.Disposition = d
	o.Duration = time.Since(o.StartedAt)
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
