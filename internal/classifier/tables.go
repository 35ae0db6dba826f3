package classifier

import "midsoc/internal/schema"

// Tables holds the fixed key sets and CSV schemas the classifier matches
// against. DefaultTables returns the production values; tests may build
// alternates. A Tables value is never modified after construction.
type Tables struct {
	// RoutingKeys must all be present in a log-stream record's routing object.
	RoutingKeys []string

	// DetectionKeys must all be present at the top level of a detection record.
	DetectionKeys []string

	// ReportTriggers maps a detection routing.event_type to the SIEM report
	// it prepares, in emission order.
	ReportTriggers []ReportTrigger

	// Reports maps a SIEM report file name to its row schema.
	Reports map[string]ReportSchema
}

// ReportTrigger pairs a detection event type with a report name.
type ReportTrigger struct {
	EventType  string
	ReportName string
}

// Column maps a CSV header to an action field.
type Column struct {
	Header string
	Field  string
}

// ReportSchema describes the rows of one SIEM report file.
type ReportSchema struct {
	Kind    schema.Kind
	Columns []Column
}

var commonColumns = []Column{
	{Header: "detect.routing.hostname", Field: schema.FieldHostname},
	{Header: "detect.routing.iid", Field: schema.FieldIID},
	{Header: "detect.routing.ext_ip", Field: schema.FieldExtIP},
	{Header: "detect.routing.oid", Field: schema.FieldOID},
	{Header: "detect.routing.sid", Field: schema.FieldSID},
	{Header: "detect.routing.tags{}", Field: schema.FieldTags},
}

func withColumn(extra Column) []Column {
	cols := make([]Column, 0, len(commonColumns)+1)
	cols = append(cols, commonColumns...)
	return append(cols, extra)
}

// DefaultTables returns the schema tables for the supported EDR and SIEM
// output formats.
func DefaultTables() Tables {
	return Tables{
		RoutingKeys: []string{
			"iid",
			"int_ip",
			"oid",
			"tags",
			"ext_ip",
			"sid",
			"hostname",
			"event_type",
			"event_id",
			"plat",
			"arch",
			"moduleid",
			"event_time",
		},
		DetectionKeys: []string{"source", "detect", "routing", "detect_id", "cat"},
		ReportTriggers: []ReportTrigger{
			{EventType: "NEW_PROCESS", ReportName: schema.ReportHarmfulProcesses},
			{EventType: "FILE_CREATE", ReportName: schema.ReportHarmfulFiles},
		},
		Reports: map[string]ReportSchema{
			"harmfulFiles.csv": {
				Kind:    schema.KindDeleteFile,
				Columns: withColumn(Column{Header: "detect.event.FILE_PATH", Field: schema.FieldFilePath}),
			},
			"harmfulProcesses.csv": {
				Kind:    schema.KindKillProcess,
				Columns: withColumn(Column{Header: "detect.event.PROCESS_ID", Field: schema.FieldProcessID}),
			},
		},
	}
}
