package classifier

import (
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"midsoc/internal/schema"
)

// ClassifySIEM turns a SIEM report CSV into one action per data row. The
// report is selected by the base name of path; any other name yields no
// actions at all. A row with an empty or missing required column yields a
// fail marker in its place.
func ClassifySIEM(path string, r io.Reader, t Tables) Result {
	report, ok := t.Reports[filepath.Base(path)]
	if !ok {
		return Result{Shape: ShapeUnrecognized, Reason: malformed("no report schema for %s", filepath.Base(path))}
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{Shape: ShapeReport}
	}
	if err != nil {
		return unrecognized(schema.ToolSIEM, malformed("header: %v", err))
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		index[strings.TrimSpace(h)] = i
	}

	result := Result{Shape: ShapeReport}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Actions = append(result.Actions, schema.FailAction(schema.ToolSIEM))
			result.Reason = malformed("%v", err)
			break
		}
		result.Actions = append(result.Actions, rowAction(report, index, row))
	}

	return result
}

func rowAction(report ReportSchema, index map[string]int, row []string) schema.NormalizedAction {
	fields := make(map[string]string, len(report.Columns))
	for _, col := range report.Columns {
		i, ok := index[col.Header]
		if !ok || i >= len(row) || row[i] == "" {
			return schema.FailAction(schema.ToolSIEM)
		}
		fields[col.Field] = row[i]
	}
	target, _ := schema.TargetFor(report.Kind)
	return schema.NewAction(report.Kind, target, schema.ToolSIEM, fields)
}
