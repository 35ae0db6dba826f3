package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const filesCSV = "detect.routing.hostname,detect.routing.iid,detect.routing.oid,detect.routing.sid,detect.routing.tags{},detect.routing.ext_ip,detect.event.FILE_PATH\n" +
	"ws-01,i-1,o-1,sensor-7,prod,1.2.3.4,C:\\Users\\bob\\evil.exe\n"

func TestRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harmfulFiles.csv")
	if err := os.WriteFile(path, []byte(filesCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-tool", "siem", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("run() = %d, want 0; stderr = %s", code, stderr.String())
	}

	var out struct {
		Result struct {
			Shape   string `json:"shape"`
			Actions []struct {
				Kind   string            `json:"kind"`
				Fields map[string]string `json:"fields"`
			} `json:"actions"`
		} `json:"result"`
		Failed int `json:"failed"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if out.Result.Shape != "report" {
		t.Errorf("shape = %q, want report", out.Result.Shape)
	}
	if len(out.Result.Actions) != 1 || out.Result.Actions[0].Kind != "delete-file" {
		t.Errorf("actions = %+v, want one delete-file", out.Result.Actions)
	}
	if out.Failed != 0 {
		t.Errorf("failed = %d, want 0", out.Failed)
	}
	if !strings.Contains(stdout.String(), "\n  ") {
		t.Error("output is not indented")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("classify must not consume the artifact")
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing file", []string{"-tool", "edr", filepath.Join(t.TempDir(), "absent.json")}, 1},
		{"unknown tool", []string{"-tool", "xdr", "a.json"}, 2},
		{"no file", []string{"-tool", "edr"}, 2},
		{"bad flag", []string{"-nope"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.want {
				t.Errorf("run(%v) = %d, want %d", tt.args, code, tt.want)
			}
			if stdout.Len() != 0 {
				t.Errorf("stdout = %q, want empty", stdout.String())
			}
		})
	}
}
