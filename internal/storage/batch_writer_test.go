package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"midsoc/internal/schema"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                              { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                       { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error           { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error)    { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row           { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                    { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error     { return nil }
func (m *mockConn) Ping(_ context.Context) error                                        { return nil }
func (m *mockConn) Stats() driver.Stats                                                 { return driver.Stats{} }
func (m *mockConn) Close() error                                                        { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	rows        [][]any
	sendFunc    func() error
}

func (m *mockBatch) Abort() error    { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestOutcome() *schema.Outcome {
	artifact := schema.NewRawArtifact("/var/siem/out/harmfulProcesses.csv", schema.ToolSIEM)
	action := schema.NewAction(schema.KindKillProcess, schema.ToolEDR, schema.ToolSIEM,
		map[string]string{schema.FieldSID: "sensor-7", schema.FieldProcessID: "2996"})
	return schema.NewOutcome(artifact, action).Finish(schema.DispositionExecuted, nil)
}

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return &ClickHouseClient{
		conn:   conn,
		config: DefaultClickHouseConfig(),
	}
}

// tableRouter hands out a fresh batch per prepare and remembers them by
// target table.
type tableRouter struct {
	mu      sync.Mutex
	batches map[string][]*mockBatch
	send    func() error
}

func (r *tableRouter) prepare(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = make(map[string][]*mockBatch)
	}
	table := outcomesTable
	if strings.Contains(query, "outcomes_quarantine") {
		table = "outcomes_quarantine"
	}
	b := &mockBatch{sendFunc: r.send}
	r.batches[table] = append(r.batches[table], b)
	return b, nil
}

func (r *tableRouter) rows(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches[table] {
		n += b.appendCount
	}
	return n
}

func testWriterConfig(batchSize int) BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
}

func writeN(t *testing.T, bw *BatchWriter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := bw.Write(context.Background(), []*schema.Outcome{newTestOutcome()}); err != nil {
			t.Fatalf("Write() error on outcome %d: %v", i, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewBatchWriter(t *testing.T) {
	cfg := DefaultBatchWriterConfig()
	bw := NewBatchWriter(newMockClient(&mockConn{}), cfg, nil)
	defer bw.Close()

	if bw.Name() != "clickhouse" {
		t.Errorf("Name() = %q, want clickhouse", bw.Name())
	}
	if cap(bw.buffer) != cfg.BatchSize {
		t.Errorf("initial buffer capacity = %d, want %d", cap(bw.buffer), cfg.BatchSize)
	}
	if bw.flushTimer == nil {
		t.Error("flush timer should be initialized")
	}
	if m := bw.Metrics(); m != (BatchWriterMetrics{}) {
		t.Errorf("initial metrics should all be zero, got %+v", m)
	}
}

func TestBatchWriterBuffers(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), testWriterConfig(100), nil)
	defer bw.Close()

	writeN(t, bw, 5)

	m := bw.Metrics()
	if m.Pending != 5 || m.Written != 0 || m.Batches != 0 {
		t.Errorf("Metrics() = %+v, want 5 pending and nothing written", m)
	}
}

func TestBatchWriterFlushOnBatchSize(t *testing.T) {
	router := &tableRouter{}
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), testWriterConfig(3), nil)
	defer bw.Close()

	writeN(t, bw, 12)

	m := bw.Metrics()
	if m.Written != 12 || m.Batches != 4 || m.Pending != 0 {
		t.Errorf("Metrics() = %+v, want 12 written in 4 batches", m)
	}
	if got := router.rows(outcomesTable); got != 12 {
		t.Errorf("rows appended = %d, want 12", got)
	}
}

func TestBatchWriterRowLayout(t *testing.T) {
	router := &tableRouter{}
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), testWriterConfig(1), nil)
	defer bw.Close()

	o := newTestOutcome()
	o.Duration = 1500 * time.Microsecond
	if err := bw.Write(context.Background(), []*schema.Outcome{o}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	row := router.batches[outcomesTable][0].rows[0]
	if len(row) != 11 {
		t.Fatalf("columns = %d, want 11", len(row))
	}
	if row[0] != o.ID || row[4] != "kill-process" || row[5] != "edr" || row[6] != "siem" || row[7] != "executed" {
		t.Errorf("row = %v", row)
	}
	if row[10] != 1.5 {
		t.Errorf("duration_ms = %v, want 1.5", row[10])
	}
}

func TestBatchWriterQuarantinesInvalid(t *testing.T) {
	router := &tableRouter{}
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), testWriterConfig(100), nil)
	defer bw.Close()

	bad := newTestOutcome()
	bad.Disposition = "maybe"
	bad.ArtifactPath = ""

	if err := bw.Write(context.Background(), []*schema.Outcome{newTestOutcome(), bad}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	m := bw.Metrics()
	if m.Pending != 1 || m.Quarantined != 1 {
		t.Errorf("Metrics() = %+v, want 1 pending and 1 quarantined", m)
	}
	if got := router.rows("outcomes_quarantine"); got != 1 {
		t.Fatalf("quarantine rows = %d, want 1", got)
	}

	row := router.batches["outcomes_quarantine"][0].rows[0]
	if row[1] != bad.ID {
		t.Errorf("outcome_id = %v, want %v", row[1], bad.ID)
	}
	msgs, _ := row[3].([]string)
	if len(msgs) != 2 {
		t.Errorf("validation_errors = %v, want 2 entries", msgs)
	}
}

func TestBatchWriterWriteWhenClosed(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), DefaultBatchWriterConfig(), nil)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	err := bw.Write(context.Background(), []*schema.Outcome{newTestOutcome()})
	if !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close() = %v, want ErrWriterClosed", err)
	}
	if err := bw.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestBatchWriterCloseFlushesBuffer(t *testing.T) {
	var sendCalled atomic.Bool
	router := &tableRouter{send: func() error {
		sendCalled.Store(true)
		return nil
	}}
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), testWriterConfig(100), nil)

	writeN(t, bw, 3)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !sendCalled.Load() {
		t.Error("Close() should have flushed buffered outcomes")
	}
	if m := bw.Metrics(); m.Written != 3 || m.Pending != 0 {
		t.Errorf("Metrics() = %+v, want 3 written", m)
	}
}

func TestBatchWriterTimerFlush(t *testing.T) {
	router := &tableRouter{}
	cfg := testWriterConfig(100)
	cfg.FlushInterval = 10 * time.Millisecond
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), cfg, nil)
	defer bw.Close()

	writeN(t, bw, 2)

	deadline := time.Now().Add(2 * time.Second)
	for bw.Metrics().Written < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m := bw.Metrics(); m.Written != 2 {
		t.Errorf("Written = %d, want 2 after timer flush", m.Written)
	}
}

func TestBatchWriterFlushFailure(t *testing.T) {
	var sends atomic.Int32
	router := &tableRouter{send: func() error {
		sends.Add(1)
		return fmt.Errorf("connection reset")
	}}
	cfg := testWriterConfig(100)
	cfg.MaxRetries = 2
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), cfg, nil)
	defer bw.Close()

	writeN(t, bw, 4)
	err := bw.Flush(context.Background())
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() = %v, want ErrBatchInsertFailed", err)
	}

	var se *StorageError
	if !errors.As(err, &se) || se.Table != outcomesTable || se.Retries != 2 {
		t.Errorf("StorageError = %+v, want table %s with 2 retries", se, outcomesTable)
	}
	if sends.Load() != 3 {
		t.Errorf("send attempts = %d, want 3", sends.Load())
	}

	m := bw.Metrics()
	if m.Failed != 4 || m.Written != 0 || m.Pending != 0 {
		t.Errorf("Metrics() = %+v, want 4 failed", m)
	}
}

func TestBatchWriterConcurrentWrite(t *testing.T) {
	router := &tableRouter{}
	bw := NewBatchWriter(newMockClient(&mockConn{prepareBatchFunc: router.prepare}), testWriterConfig(10), nil)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				bw.Write(context.Background(), []*schema.Outcome{newTestOutcome()})
			}
		}()
	}
	wg.Wait()

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if m := bw.Metrics(); m.Written != writers*perWriter {
		t.Errorf("Written = %d, want %d", m.Written, writers*perWriter)
	}
}
