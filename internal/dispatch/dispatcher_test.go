package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "midsoc/internal/errors"
	"midsoc/internal/schema"
)

type call struct {
	op   string
	args []string
	at   time.Time
}

type fakeTools struct {
	mu     sync.Mutex
	calls  []call
	result bool
	err    error
	// failOps forces a false result for the named operations.
	failOps map[string]bool
}

func newFakeTools() *fakeTools {
	return &fakeTools{result: true, failOps: map[string]bool{}}
}

func (f *fakeTools) do(op string, args ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, args: args, at: time.Now()})
	if f.failOps[op] {
		return false, nil
	}
	return f.result, f.err
}

func (f *fakeTools) DeleteFile(_ context.Context, id, path string) (bool, error) {
	return f.do("deleteFile", id, path)
}

func (f *fakeTools) KillProcess(_ context.Context, id, pid string) (bool, error) {
	return f.do("killProcess", id, pid)
}

func (f *fakeTools) LogManagement(_ context.Context, path, format string, source schema.Tool, sinkhole bool) (bool, error) {
	s := "false"
	if sinkhole {
		s = "true"
	}
	return f.do("logManagement", path, format, string(source), s)
}

func (f *fakeTools) RunReport(_ context.Context, name string, trigger bool) (bool, error) {
	t := "false"
	if trigger {
		t = "true"
	}
	return f.do("runReport", name, t)
}

func (f *fakeTools) ops() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes []*schema.Outcome
}

func (l *outcomeLog) Record(o *schema.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
}

func (l *outcomeLog) dispositions() []schema.Disposition {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schema.Disposition
	for _, o := range l.outcomes {
		out = append(out, o.Disposition)
	}
	return out
}

type fakeArchiver struct {
	archived []string
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, artifact schema.RawArtifact) error {
	if _, err := os.Stat(artifact.Path); err != nil {
		return err
	}
	a.archived = append(a.archived, artifact.Path)
	return a.err
}

func testConfig() Config {
	return Config{SettleDelay: 10 * time.Millisecond, CallTimeout: time.Second}
}

func tempArtifact(t *testing.T, name string, producer schema.Tool) schema.RawArtifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return schema.NewRawArtifact(path, producer)
}

func killAction(pid string) schema.NormalizedAction {
	return schema.NewAction(schema.KindKillProcess, schema.ToolEDR, schema.ToolSIEM, map[string]string{
		schema.FieldSID: "sensor-1", schema.FieldProcessID: pid,
	})
}

func deleteAction(path string) schema.NormalizedAction {
	return schema.NewAction(schema.KindDeleteFile, schema.ToolEDR, schema.ToolSIEM, map[string]string{
		schema.FieldSID: "sensor-1", schema.FieldFilePath: path,
	})
}

func reportAction(path, name string) schema.NormalizedAction {
	return schema.NewAction(schema.KindRunReport, schema.ToolSIEM, schema.ToolEDR, map[string]string{
		schema.FieldFilePath: path, schema.FieldReportName: name, schema.FieldFormat: "json",
	})
}

func uploadAction(path string) schema.NormalizedAction {
	return schema.NewAction(schema.KindUploadLog, schema.ToolSIEM, schema.ToolEDR, map[string]string{
		schema.FieldFilePath: path, schema.FieldFormat: "json",
	})
}

func TestDispatch_RoutesEDRActions(t *testing.T) {
	tools := newFakeTools()
	d := New(testConfig(), tools, tools, nil)
	artifact := tempArtifact(t, "harmfulFiles.csv", schema.ToolSIEM)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{
		deleteAction(`C:\evil.exe`),
		killAction("2996"),
	})

	if sum.Executed != 2 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Errorf("Summary = %+v, want 2 executed", sum)
	}

	calls := tools.ops()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].op != "deleteFile" || calls[0].args[0] != "sensor-1" || calls[0].args[1] != `C:\evil.exe` {
		t.Errorf("call[0] = %+v, want deleteFile(sensor-1, C:\\evil.exe)", calls[0])
	}
	if calls[1].op != "killProcess" || calls[1].args[1] != "2996" {
		t.Errorf("call[1] = %+v, want killProcess(sensor-1, 2996)", calls[1])
	}
}

func TestDispatch_SkipsFailActions(t *testing.T) {
	tools := newFakeTools()
	rec := &outcomeLog{}
	d := New(testConfig(), tools, tools, nil)
	d.SetRecorder(rec)
	artifact := tempArtifact(t, "harmfulProcesses.csv", schema.ToolSIEM)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{
		schema.FailAction(schema.ToolSIEM),
		killAction("1"),
		schema.FailAction(schema.ToolSIEM),
		killAction("2"),
	})

	if sum.Skipped != 2 || sum.Executed != 2 {
		t.Errorf("Summary = %+v, want 2 skipped 2 executed", sum)
	}
	if n := len(tools.ops()); n != 2 {
		t.Errorf("got %d calls, want 2", n)
	}

	want := []schema.Disposition{
		schema.DispositionSkipped, schema.DispositionExecuted,
		schema.DispositionSkipped, schema.DispositionExecuted,
	}
	got := rec.dispositions()
	if len(got) != len(want) {
		t.Fatalf("dispositions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("disposition[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDispatch_CapabilityFailureContinues(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*fakeTools)
		wantErr error
	}{
		{"false result", func(f *fakeTools) { f.failOps["killProcess"] = true }, ErrRejected},
		{"adapter error", func(f *fakeTools) { f.err = os.ErrDeadlineExceeded }, os.ErrDeadlineExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := newFakeTools()
			tt.setup(tools)
			rec := &outcomeLog{}
			d := New(testConfig(), tools, tools, nil)
			d.SetRecorder(rec)
			artifact := tempArtifact(t, "harmfulProcesses.csv", schema.ToolSIEM)

			sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{
				killAction("1"), killAction("2"), killAction("3"),
			})

			if sum.Failed != 3 {
				t.Errorf("Failed = %d, want 3", sum.Failed)
			}
			if n := len(tools.ops()); n != 3 {
				t.Errorf("got %d calls, want 3 (batch must continue)", n)
			}
			for _, o := range rec.outcomes {
				if o.Error == "" {
					t.Error("failed outcome has no error text")
				}
			}
		})
	}
}

func TestDispatch_SanitizesOutcomeErrorsInProduction(t *testing.T) {
	apperrors.SetProductionMode(true)
	t.Cleanup(func() { apperrors.SetProductionMode(false) })

	tools := newFakeTools()
	tools.err = errors.New("dial tcp 10.20.30.40:443: token=abc123 refused")
	rec := &outcomeLog{}
	d := New(testConfig(), tools, tools, nil)
	d.SetRecorder(rec)
	artifact := tempArtifact(t, "harmfulProcesses.csv", schema.ToolSIEM)

	d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{killAction("1")})

	if len(rec.outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(rec.outcomes))
	}
	msg := rec.outcomes[0].Error
	for _, leak := range []string{"10.20.30.40", "abc123"} {
		if strings.Contains(msg, leak) {
			t.Errorf("outcome error %q leaks %q", msg, leak)
		}
	}
	if !strings.Contains(msg, "[REDACTED]") {
		t.Errorf("outcome error = %q, want redacted credential", msg)
	}
}

func TestDispatcher_CallErrorType(t *testing.T) {
	tools := newFakeTools()
	tools.failOps["deleteFile"] = true
	d := New(testConfig(), tools, tools, nil)
	prepared := false

	err := d.execute(context.Background(), schema.RawArtifact{}, deleteAction("/x"), &prepared)

	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("execute() error = %v, want *CapabilityError", err)
	}
	if capErr.Tool != schema.ToolEDR || capErr.Kind != schema.KindDeleteFile {
		t.Errorf("CapabilityError = %+v", capErr)
	}
	if !errors.Is(err, ErrRejected) || !IsCapabilityError(err) {
		t.Errorf("error %v should match ErrRejected and ErrCapability", err)
	}
}

func TestDispatch_ReportPreparation(t *testing.T) {
	tools := newFakeTools()
	cfg := testConfig()
	cfg.SettleDelay = 60 * time.Millisecond
	d := New(cfg, tools, tools, nil)
	artifact := tempArtifact(t, "detect.json", schema.ToolEDR)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{
		reportAction(artifact.Path, schema.ReportHarmfulProcesses),
		reportAction(artifact.Path, schema.ReportHarmfulFiles),
	})

	if sum.Executed != 2 {
		t.Fatalf("Summary = %+v, want 2 executed", sum)
	}

	calls := tools.ops()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.op
	}
	want := []string{"logManagement", "runReport", "runReport"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i], want[i])
		}
	}

	upload := calls[0]
	if upload.args[0] != artifact.Path || upload.args[1] != "json" || upload.args[2] != "edr" || upload.args[3] != "false" {
		t.Errorf("upload args = %v, want [%s json edr false]", upload.args, artifact.Path)
	}
	if gap := calls[1].at.Sub(upload.at); gap < cfg.SettleDelay {
		t.Errorf("report ran %v after upload, want >= %v", gap, cfg.SettleDelay)
	}
	if calls[1].args[0] != schema.ReportHarmfulProcesses || calls[1].args[1] != "true" {
		t.Errorf("runReport args = %v", calls[1].args)
	}

	if !sum.Cleaned {
		t.Errorf("detection artifact not cleaned: %v", sum.CleanupErr)
	}
	if _, err := os.Stat(artifact.Path); !os.IsNotExist(err) {
		t.Error("detection artifact still on disk")
	}
}

func TestDispatch_FailedPreparationSkipsReport(t *testing.T) {
	tools := newFakeTools()
	tools.failOps["logManagement"] = true
	d := New(testConfig(), tools, tools, nil)
	artifact := tempArtifact(t, "detect.json", schema.ToolEDR)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{
		reportAction(artifact.Path, schema.ReportHarmfulFiles),
	})

	if sum.Failed != 1 {
		t.Errorf("Failed = %d, want 1", sum.Failed)
	}
	for _, c := range tools.ops() {
		if c.op == "runReport" {
			t.Error("report ran without a successful upload")
		}
	}
}

func TestDispatch_UploadLogSinkholes(t *testing.T) {
	tools := newFakeTools()
	d := New(testConfig(), tools, tools, nil)
	artifact := tempArtifact(t, "log.json", schema.ToolEDR)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{uploadAction(artifact.Path)})

	if sum.Executed != 1 {
		t.Fatalf("Summary = %+v", sum)
	}
	calls := tools.ops()
	if len(calls) != 1 || calls[0].op != "logManagement" || calls[0].args[3] != "true" {
		t.Errorf("calls = %+v, want one sinkholed logManagement", calls)
	}
	if sum.Cleaned {
		t.Error("log stream cleanup belongs to the SIEM adapter")
	}
	if _, err := os.Stat(artifact.Path); err != nil {
		t.Errorf("artifact removed by dispatcher: %v", err)
	}
}

func TestDispatch_Cleanup(t *testing.T) {
	tests := []struct {
		name        string
		producer    schema.Tool
		actions     func(path string) []schema.NormalizedAction
		wantCleaned bool
	}{
		{
			name:        "siem report",
			producer:    schema.ToolSIEM,
			actions:     func(string) []schema.NormalizedAction { return []schema.NormalizedAction{killAction("1")} },
			wantCleaned: true,
		},
		{
			name:     "siem report with failures",
			producer: schema.ToolSIEM,
			actions: func(string) []schema.NormalizedAction {
				return []schema.NormalizedAction{schema.FailAction(schema.ToolSIEM)}
			},
			wantCleaned: true,
		},
		{
			name:        "siem empty batch",
			producer:    schema.ToolSIEM,
			actions:     func(string) []schema.NormalizedAction { return nil },
			wantCleaned: false,
		},
		{
			name:     "edr unrecognized",
			producer: schema.ToolEDR,
			actions: func(string) []schema.NormalizedAction {
				return []schema.NormalizedAction{schema.FailAction(schema.ToolEDR)}
			},
			wantCleaned: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(testConfig(), newFakeTools(), newFakeTools(), nil)
			artifact := tempArtifact(t, "harmfulProcesses.csv", tt.producer)

			sum := d.Dispatch(context.Background(), artifact, tt.actions(artifact.Path))

			if sum.Cleaned != tt.wantCleaned {
				t.Errorf("Cleaned = %v, want %v", sum.Cleaned, tt.wantCleaned)
			}
			_, err := os.Stat(artifact.Path)
			if exists := err == nil; exists == tt.wantCleaned {
				t.Errorf("artifact exists = %v, want %v", exists, !tt.wantCleaned)
			}
		})
	}
}

func TestDispatch_CleanupErrorIsNotFatal(t *testing.T) {
	tools := newFakeTools()
	d := New(testConfig(), tools, tools, nil)
	artifact := schema.NewRawArtifact(filepath.Join(t.TempDir(), "harmfulFiles.csv"), schema.ToolSIEM)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{deleteAction("/x")})

	if sum.Executed != 1 {
		t.Errorf("Executed = %d, want 1", sum.Executed)
	}
	if !errors.Is(sum.CleanupErr, ErrDelete) {
		t.Errorf("CleanupErr = %v, want ErrDelete", sum.CleanupErr)
	}
	var delErr *DeleteError
	if !errors.As(sum.CleanupErr, &delErr) || delErr.Path != artifact.Path {
		t.Errorf("CleanupErr = %#v, want DeleteError for %s", sum.CleanupErr, artifact.Path)
	}
}

func TestDispatch_ArchivesBeforeDelete(t *testing.T) {
	arch := &fakeArchiver{}
	d := New(testConfig(), newFakeTools(), newFakeTools(), nil)
	d.SetArchiver(arch)
	artifact := tempArtifact(t, "harmfulFiles.csv", schema.ToolSIEM)

	d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{deleteAction("/x")})

	if len(arch.archived) != 1 || arch.archived[0] != artifact.Path {
		t.Errorf("archived = %v, want [%s]", arch.archived, artifact.Path)
	}
}

func TestDispatch_ArchiveFailureStillDeletes(t *testing.T) {
	arch := &fakeArchiver{err: errors.New("bucket unavailable")}
	d := New(testConfig(), newFakeTools(), newFakeTools(), nil)
	d.SetArchiver(arch)
	artifact := tempArtifact(t, "harmfulFiles.csv", schema.ToolSIEM)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{deleteAction("/x")})

	if !sum.Cleaned {
		t.Errorf("Cleaned = false, CleanupErr = %v", sum.CleanupErr)
	}
}

func TestDispatch_MissingAdapter(t *testing.T) {
	d := New(testConfig(), nil, nil, nil)
	artifact := tempArtifact(t, "harmfulFiles.csv", schema.ToolSIEM)

	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{deleteAction("/x")})

	if sum.Failed != 1 {
		t.Errorf("Failed = %d, want 1", sum.Failed)
	}
}

func TestDispatch_InvalidActionFails(t *testing.T) {
	tools := newFakeTools()
	d := New(testConfig(), tools, tools, nil)
	artifact := tempArtifact(t, "harmfulProcesses.csv", schema.ToolSIEM)

	bad := schema.NewAction(schema.KindKillProcess, schema.ToolEDR, schema.ToolSIEM, map[string]string{
		schema.FieldSID: "sensor-1",
	})
	sum := d.Dispatch(context.Background(), artifact, []schema.NormalizedAction{bad, killAction("5")})

	if sum.Failed != 1 || sum.Executed != 1 {
		t.Errorf("Summary = %+v, want 1 failed 1 executed", sum)
	}
	if n := len(tools.ops()); n != 1 {
		t.Errorf("got %d calls, want 1", n)
	}
}
