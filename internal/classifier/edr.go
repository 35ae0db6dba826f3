package classifier

import (
	"bytes"
	"encoding/json"

	"midsoc/internal/schema"
)

type record map[string]json.RawMessage

// ClassifyEDR decides the shape of newline-delimited EDR output. It does no
// I/O. Every non-blank line must be a JSON object; a single bad line makes
// the whole artifact unrecognized.
func ClassifyEDR(path string, content []byte, t Tables) Result {
	records, err := parseRecords(content)
	if err != nil {
		return unrecognized(schema.ToolEDR, err)
	}

	if isLogStream(records, t.RoutingKeys) {
		return Result{
			Shape: ShapeLogStream,
			Actions: []schema.NormalizedAction{
				schema.NewAction(schema.KindUploadLog, schema.ToolSIEM, schema.ToolEDR, map[string]string{
					schema.FieldFilePath: path,
					schema.FieldFormat:   schema.FormatJSON,
				}),
			},
		}
	}

	if !isDetectionStream(records, t.DetectionKeys) {
		return unrecognized(schema.ToolEDR, malformed("neither a log stream nor a detection stream"))
	}

	found := scanTriggers(records, t.ReportTriggers)
	actions := make([]schema.NormalizedAction, 0, len(found))
	for _, trig := range t.ReportTriggers {
		if !found[trig.EventType] {
			continue
		}
		actions = append(actions, schema.NewAction(schema.KindRunReport, schema.ToolSIEM, schema.ToolEDR, map[string]string{
			schema.FieldFilePath:   path,
			schema.FieldReportName: trig.ReportName,
			schema.FieldFormat:     schema.FormatJSON,
		}))
	}

	return Result{Shape: ShapeDetectionStream, Actions: actions}
}

func parseRecords(content []byte) ([]record, error) {
	var records []record
	for i, line := range bytes.Split(content, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, malformed("line %d: %v", i+1, err)
		}
		if rec == nil {
			return nil, malformed("line %d: not an object", i+1)
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, malformed("no records")
	}
	return records, nil
}

func routingOf(rec record) record {
	raw, ok := rec["routing"]
	if !ok {
		return nil
	}
	var routing record
	if err := json.Unmarshal(raw, &routing); err != nil {
		return nil
	}
	return routing
}

func isLogStream(records []record, keys []string) bool {
	for _, rec := range records {
		routing := routingOf(rec)
		if routing == nil {
			return false
		}
		for _, k := range keys {
			if _, ok := routing[k]; !ok {
				return false
			}
		}
		if _, ok := rec["event"]; !ok {
			return false
		}
	}
	return true
}

func isDetectionStream(records []record, keys []string) bool {
	for _, rec := range records {
		for _, k := range keys {
			if _, ok := rec[k]; !ok {
				return false
			}
		}
	}
	return true
}

// scanTriggers returns the trigger event types present in records, stopping
// as soon as every trigger has been seen once.
func scanTriggers(records []record, triggers []ReportTrigger) map[string]bool {
	wanted := make(map[string]bool, len(triggers))
	for _, trig := range triggers {
		wanted[trig.EventType] = true
	}

	found := make(map[string]bool, len(triggers))
	for _, rec := range records {
		if len(found) == len(wanted) {
			break
		}
		routing := routingOf(rec)
		if routing == nil {
			continue
		}
		var eventType string
		if err := json.Unmarshal(routing["event_type"], &eventType); err != nil {
			continue
		}
		if wanted[eventType] {
			found[eventType] = true
		}
	}
	return found
}
