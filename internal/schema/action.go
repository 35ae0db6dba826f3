// Package schema defines the tool-agnostic records that flow through midsoc:
// observed artifacts, normalized actions, and the outcomes of executing them.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Tool identifies one of the two orchestrated security tools.
type Tool string

const (
	ToolEDR  Tool = "edr"
	ToolSIEM Tool = "siem"
)

// IsValid checks if the tool is a known value.
func (t Tool) IsValid() bool {
	switch t {
	case ToolEDR, ToolSIEM:
		return true
	}
	return false
}

// Kind is the operation a NormalizedAction asks the target tool to perform.
type Kind string

const (
	KindDeleteFile  Kind = "delete-file"
	KindKillProcess Kind = "kill-process"
	KindUploadLog   Kind = "upload-log"
	KindRunReport   Kind = "run-report"
)

// IsValid checks if the kind is a known value.
func (k Kind) IsValid() bool {
	switch k {
	case KindDeleteFile, KindKillProcess, KindUploadLog, KindRunReport:
		return true
	}
	return false
}

// Status marks whether an action was produced from a recognized payload.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// Field names carried in NormalizedAction.Fields.
const (
	FieldFilePath   = "filePath"
	FieldProcessID  = "processId"
	FieldReportName = "reportName"
	FieldFormat     = "format"
	FieldHostname   = "hostname"
	FieldIID        = "iid"
	FieldOID        = "oid"
	FieldSID        = "sid"
	FieldTags       = "tags"
	FieldExtIP      = "extIp"
	FieldMessage    = "message"
)

// Report names understood by the SIEM.
const (
	ReportHarmfulProcesses = "harmfulProcesses"
	ReportHarmfulFiles     = "harmfulFiles"
)

// FormatJSON is the only upload format produced today.
const FormatJSON = "json"

// RawArtifact is one file observed as modified in a watched directory.
type RawArtifact struct {
	ID         uuid.UUID `json:"id"`
	Path       string    `json:"path" validate:"required"`
	Producer   Tool      `json:"producer" validate:"required,oneof=edr siem"`
	ObservedAt time.Time `json:"observed_at"`
}

// NewRawArtifact creates an artifact observed now.
func NewRawArtifact(path string, producer Tool) RawArtifact {
	return RawArtifact{
		ID:         uuid.New(),
		Path:       path,
		Producer:   producer,
		ObservedAt: time.Now().UTC(),
	}
}

// NormalizedAction describes a remediation or reporting operation against a
// target tool. A fail-status action is a marker and is never executed.
type NormalizedAction struct {
	ID     uuid.UUID         `json:"id"`
	Kind   Kind              `json:"kind,omitempty" validate:"omitempty,action_kind"`
	Target Tool              `json:"target_tool,omitempty" validate:"omitempty,oneof=edr siem"`
	Source Tool              `json:"source_tool" validate:"required,oneof=edr siem"`
	Status Status            `json:"status" validate:"required,oneof=success fail"`
	Fields map[string]string `json:"fields"`
}

// NewAction creates a success-status action.
func NewAction(kind Kind, target, source Tool, fields map[string]string) NormalizedAction {
	if fields == nil {
		fields = make(map[string]string)
	}
	return NormalizedAction{
		ID:     uuid.New(),
		Kind:   kind,
		Target: target,
		Source: source,
		Status: StatusSuccess,
		Fields: fields,
	}
}

// FailAction creates the marker emitted for unrecognized payloads and
// incomplete rows.
func FailAction(source Tool) NormalizedAction {
	return NormalizedAction{
		ID:     uuid.New(),
		Source: source,
		Status: StatusFail,
		Fields: map[string]string{FieldMessage: string(StatusFail)},
	}
}

// Failed reports whether the action is a fail marker.
func (a NormalizedAction) Failed() bool {
	return a.Status == StatusFail
}

// Field returns a payload field or the empty string.
func (a NormalizedAction) Field(name string) string {
	return a.Fields[name]
}
