package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"midsoc/internal/claim"
	"midsoc/internal/classifier"
	apperrors "midsoc/internal/errors"
	"midsoc/internal/schema"
	"midsoc/internal/watcher"
)

type staticClaimer struct {
	ok       bool
	err      error
	released *int
}

func (c staticClaimer) Claim(context.Context, schema.RawArtifact) (bool, error) {
	return c.ok, c.err
}

func (c staticClaimer) Release(context.Context, schema.RawArtifact) error {
	if c.released != nil {
		*c.released++
	}
	return nil
}

const processesCSV = "detect.routing.hostname,detect.routing.iid,detect.routing.oid,detect.routing.sid,detect.routing.tags{},detect.routing.ext_ip,detect.event.PROCESS_ID\n" +
	"ws-01,i-1,o-1,sensor-7,prod,1.2.3.4,2996\n"

func newTestPipeline(tools *fakeTools, rec Recorder) *Pipeline {
	d := New(testConfig(), tools, tools, nil)
	if rec != nil {
		d.SetRecorder(rec)
	}
	return NewPipeline(classifier.New(classifier.DefaultTables(), nil), d, 0, nil)
}

func TestPipeline_Process(t *testing.T) {
	tools := newFakeTools()
	p := newTestPipeline(tools, nil)

	path := filepath.Join(t.TempDir(), "harmfulProcesses.csv")
	if err := os.WriteFile(path, []byte(processesCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	res, sum, err := p.Process(context.Background(), schema.NewRawArtifact(path, schema.ToolSIEM))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Shape != classifier.ShapeReport || len(res.Actions) != 1 {
		t.Errorf("result = %v, want one report action", res)
	}
	if sum.Executed != 1 || !sum.Cleaned {
		t.Errorf("Summary = %+v, want 1 executed and cleaned", sum)
	}

	calls := tools.ops()
	if len(calls) != 1 || calls[0].op != "killProcess" || calls[0].args[0] != "sensor-7" || calls[0].args[1] != "2996" {
		t.Errorf("calls = %+v, want killProcess(sensor-7, 2996)", calls)
	}
}

func TestPipeline_UnreadableArtifact(t *testing.T) {
	tools := newFakeTools()
	rec := &outcomeLog{}
	p := newTestPipeline(tools, rec)

	missing := schema.NewRawArtifact(filepath.Join(t.TempDir(), "harmfulFiles.csv"), schema.ToolSIEM)
	_, _, err := p.Process(context.Background(), missing)

	if !errors.Is(err, classifier.ErrIO) {
		t.Errorf("Process() error = %v, want ErrIO", err)
	}
	if len(tools.ops()) != 0 {
		t.Error("adapters called for an unreadable artifact")
	}
	if d := rec.dispositions(); len(d) != 1 || d[0] != schema.DispositionFailed {
		t.Errorf("dispositions = %v, want [failed]", d)
	}
}

func TestPipeline_UnreadableArtifactSanitized(t *testing.T) {
	apperrors.SetProductionMode(true)
	t.Cleanup(func() { apperrors.SetProductionMode(false) })

	rec := &outcomeLog{}
	p := newTestPipeline(newFakeTools(), rec)
	dir := t.TempDir()

	p.Handle(context.Background(), schema.NewRawArtifact(filepath.Join(dir, "harmfulFiles.csv"), schema.ToolSIEM))

	if len(rec.outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(rec.outcomes))
	}
	msg := rec.outcomes[0].Error
	if !strings.HasPrefix(msg, "classify: ") {
		t.Errorf("outcome error = %q, want classify prefix", msg)
	}
	if strings.Contains(msg, dir) {
		t.Errorf("outcome error %q leaks the source directory", msg)
	}
	if !strings.Contains(msg, "harmfulFiles.csv") {
		t.Errorf("outcome error %q lost the file name", msg)
	}
}

func TestPipeline_Claims(t *testing.T) {
	tests := []struct {
		name      string
		claimer   staticClaimer
		wantCalls int
	}{
		{"claimed", staticClaimer{ok: true}, 1},
		{"owned elsewhere", staticClaimer{ok: false}, 0},
		{"store down", staticClaimer{err: errors.New("connection refused")}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := newFakeTools()
			p := newTestPipeline(tools, nil)
			p.SetClaimer(tt.claimer)

			path := filepath.Join(t.TempDir(), "harmfulProcesses.csv")
			if err := os.WriteFile(path, []byte(processesCSV), 0o644); err != nil {
				t.Fatal(err)
			}

			p.Handle(context.Background(), schema.NewRawArtifact(path, schema.ToolSIEM))

			if n := len(tools.ops()); n != tt.wantCalls {
				t.Errorf("got %d calls, want %d", n, tt.wantCalls)
			}
		})
	}
}

func TestPipeline_ReleasesUnreadable(t *testing.T) {
	released := 0
	p := newTestPipeline(newFakeTools(), nil)
	p.SetClaimer(staticClaimer{ok: true, released: &released})

	missing := schema.NewRawArtifact(filepath.Join(t.TempDir(), "harmfulFiles.csv"), schema.ToolSIEM)
	p.Handle(context.Background(), missing)

	if released != 1 {
		t.Errorf("released = %d, want 1", released)
	}
}

func TestPipeline_ReleasesAfterDispatch(t *testing.T) {
	tests := []struct {
		name         string
		claimer      staticClaimer
		wantReleased int
	}{
		{"claimed", staticClaimer{ok: true}, 1},
		{"owned elsewhere", staticClaimer{ok: false}, 0},
		{"store down", staticClaimer{err: errors.New("connection refused")}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			released := 0
			tt.claimer.released = &released
			p := newTestPipeline(newFakeTools(), nil)
			p.SetClaimer(tt.claimer)

			path := filepath.Join(t.TempDir(), "harmfulProcesses.csv")
			if err := os.WriteFile(path, []byte(processesCSV), 0o644); err != nil {
				t.Fatal(err)
			}
			p.Handle(context.Background(), schema.NewRawArtifact(path, schema.ToolSIEM))

			if released != tt.wantReleased {
				t.Errorf("released = %d, want %d", released, tt.wantReleased)
			}
		})
	}
}

// A report rewritten under the same name after the debounce window is new
// work, even while the claim TTL of the first run has not run out.
func TestPipeline_RewrittenArtifactIsProcessedAgain(t *testing.T) {
	tools := newFakeTools()
	p := newTestPipeline(tools, nil)
	store := claim.NewMemoryStore(claim.DefaultConfig().TTL)
	p.SetClaimer(store)

	path := filepath.Join(t.TempDir(), "harmfulProcesses.csv")
	for round := 1; round <= 2; round++ {
		if err := os.WriteFile(path, []byte(processesCSV), 0o644); err != nil {
			t.Fatal(err)
		}
		_, sum, err := p.Process(context.Background(), schema.NewRawArtifact(path, schema.ToolSIEM))
		if err != nil {
			t.Fatalf("round %d: Process() error = %v", round, err)
		}
		if sum.Executed != 1 || !sum.Cleaned {
			t.Errorf("round %d: Summary = %+v, want 1 executed and cleaned", round, sum)
		}
		if n := store.Len(); n != 0 {
			t.Errorf("round %d: held claims = %d, want 0", round, n)
		}
	}

	kills := 0
	for _, c := range tools.ops() {
		if c.op == "killProcess" {
			kills++
		}
	}
	if kills != 2 {
		t.Errorf("killProcess calls = %d, want 2", kills)
	}
}

func TestPipeline_EndToEndWithWatcher(t *testing.T) {
	dir := t.TempDir()
	tools := newFakeTools()
	rec := &outcomeLog{}
	p := newTestPipeline(tools, rec)

	w, err := watcher.New(watcher.Config{
		Dir:            dir,
		Tool:           schema.ToolSIEM,
		DebounceWindow: time.Minute,
		PollInterval:   50 * time.Millisecond,
	}, p.Handle, nil)
	if err != nil {
		t.Fatalf("watcher.New() error = %v", err)
	}
	w.Start(context.Background())

	path := filepath.Join(dir, "harmfulProcesses.csv")
	if err := os.WriteFile(path, []byte(processesCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(tools.ops()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no action dispatched")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := os.WriteFile(filepath.Join(dir, watcher.SentinelName), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on sentinel")
	}
	w.Wait()

	calls := tools.ops()
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].op != "killProcess" || calls[0].args[1] != "2996" {
		t.Errorf("call = %+v, want killProcess with processId 2996", calls[0])
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.outcomes) != 1 || rec.outcomes[0].Kind != schema.KindKillProcess {
		t.Errorf("outcomes = %+v, want one kill-process outcome", rec.outcomes)
	}
}
