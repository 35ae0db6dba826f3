// Package main classifies one artifact and prints the resulting actions
// without dispatching them.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"midsoc/internal/classifier"
	"midsoc/internal/logging"
	"midsoc/internal/schema"
)

type output struct {
	Path   string            `json:"path"`
	Source schema.Tool       `json:"source_tool"`
	Result classifier.Result `json:"result"`
	Failed int               `json:"failed"`
	Reason string            `json:"reason,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("midsoc-classify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tool := fs.String("tool", "", "Producing tool: edr or siem")
	verbose := fs.Bool("v", false, "Log classification details to stderr")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: midsoc-classify -tool edr|siem <file>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	producer := schema.Tool(*tool)
	if !producer.IsValid() || fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(logging.Config{Level: level, Format: "text"}, stderr)

	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	c := classifier.New(classifier.DefaultTables(), logger)
	res, err := c.Classify(schema.NewRawArtifact(path, producer))
	if err != nil {
		logger.Error("artifact unreadable", "path", path, "error", err)
		return 1
	}

	out := output{
		Path:   path,
		Source: producer,
		Result: res,
		Failed: res.Failed(),
	}
	if res.Reason != nil {
		out.Reason = res.Reason.Error()
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
