// Package classifier decides what an artifact produced by the EDR or the
// SIEM means and turns it into an ordered list of normalized actions.
package classifier

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"midsoc/internal/schema"
)

// Shape is the recognized form of an artifact.
type Shape int

const (
	ShapeUnrecognized Shape = iota
	ShapeLogStream
	ShapeDetectionStream
	ShapeReport
)

func (s Shape) String() string {
	switch s {
	case ShapeLogStream:
		return "log_stream"
	case ShapeDetectionStream:
		return "detection_stream"
	case ShapeReport:
		return "report"
	default:
		return "unrecognized"
	}
}

// MarshalText renders the shape by name.
func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the ordered action sequence for one artifact. Actions may be
// empty and may mix fail markers with executable actions.
type Result struct {
	Shape   Shape                     `json:"shape"`
	Actions []schema.NormalizedAction `json:"actions"`
	Reason  error                     `json:"-"`
}

func unrecognized(source schema.Tool, reason error) Result {
	return Result{
		Shape:   ShapeUnrecognized,
		Actions: []schema.NormalizedAction{schema.FailAction(source)},
		Reason:  reason,
	}
}

// Classifier reads artifacts and classifies them against a set of tables.
type Classifier struct {
	tables Tables
	logger *slog.Logger
}

// New creates a Classifier.
func New(tables Tables, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{tables: tables, logger: logger}
}

// Classify reads the artifact and returns its action sequence. The only
// error it returns is an *IOError; unrecognized payloads are reported
// through the result.
func (c *Classifier) Classify(artifact schema.RawArtifact) (Result, error) {
	content, err := os.ReadFile(artifact.Path)
	if err != nil {
		return Result{}, &IOError{Path: artifact.Path, Err: err}
	}

	var res Result
	switch artifact.Producer {
	case schema.ToolEDR:
		res = ClassifyEDR(artifact.Path, content, c.tables)
	case schema.ToolSIEM:
		res = ClassifySIEM(artifact.Path, bytes.NewReader(content), c.tables)
	default:
		res = unrecognized(artifact.Producer, malformed("unknown producer %q", artifact.Producer))
	}

	attrs := []any{
		"path", artifact.Path,
		"source_tool", artifact.Producer,
		"shape", res.Shape.String(),
		"actions", len(res.Actions),
	}
	if res.Reason != nil {
		attrs = append(attrs, "reason", res.Reason.Error())
	}
	c.logger.Debug("artifact classified", attrs...)

	return res, nil
}

// Failed counts the fail markers in the result.
func (r Result) Failed() int {
	n := 0
	for _, a := range r.Actions {
		if a.Failed() {
			n++
		}
	}
	return n
}

// String summarizes the result for logs.
func (r Result) String() string {
	return fmt.Sprintf("%s (%d actions, %d failed)", r.Shape, len(r.Actions), r.Failed())
}
