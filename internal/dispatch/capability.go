package dispatch

import (
	"context"

	"midsoc/internal/schema"
)

// EDR is the remediation surface of the endpoint tool. A false result or an
// error both mean the operation did not happen.
type EDR interface {
	// DeleteFile removes path on the endpoint reached through identifier
	// (the sensor id).
	DeleteFile(ctx context.Context, identifier, path string) (bool, error)
	// KillProcess terminates pid on the endpoint reached through identifier.
	KillProcess(ctx context.Context, identifier, pid string) (bool, error)
}

// SIEM is the ingestion and reporting surface of the SIEM.
type SIEM interface {
	// LogManagement uploads the file at path. With sinkhole set the SIEM
	// side deletes the local file once the upload succeeds.
	LogManagement(ctx context.Context, path, format string, source schema.Tool, sinkhole bool) (bool, error)
	// RunReport executes a saved report, optionally firing its actions.
	RunReport(ctx context.Context, name string, triggerActions bool) (bool, error)
}

// Recorder receives one outcome per dispatched action.
type Recorder interface {
	Record(o *schema.Outcome)
}

// Archiver copies a consumed artifact somewhere durable before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, artifact schema.RawArtifact) error
}

// Claimer arbitrates artifacts between orchestrator instances that share a
// directory. Claim reports false when another instance already owns it.
// Release hands an artifact back when it could not be read.
type Claimer interface {
	Claim(ctx context.Context, artifact schema.RawArtifact) (bool, error)
	Release(ctx context.Context, artifact schema.RawArtifact) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(o *schema.Outcome)

// Record calls f(o).
func (f RecorderFunc) Record(o *schema.Outcome) { f(o) }
