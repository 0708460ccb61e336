package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/queue"
	"github.com/jmylchreest/specprobe/internal/storage"
)

// twoPathSpec splits into two chunks at chunk size 1.
const twoPathSpec = `{
  "openapi": "3.0.0",
  "info": {"title": "t", "version": "1.0.0"},
  "paths": {
    "/alpha": {"get": {"responses": {"200": {"description": "ok"}}}},
    "/beta": {"get": {"responses": {"200": {"description": "ok"}}}}
  }
}`

func setupOrchestrator(t *testing.T, cfg Config) (*Orchestrator, queue.Queue, storage.Store) {
	t.Helper()
	q := queue.NewMemory()
	store, err := storage.NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return New(q, store, cfg, nil), q, store
}

func submitScan(t *testing.T, o *Orchestrator) string {
	t.Helper()
	scanID, err := o.StartScan(context.Background(), &models.ScanRequest{
		ServerURL:     "http://target.example",
		SpecData:      []byte(twoPathSpec),
		Rate:          1,
		RequestBudget: 400,
	})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	return scanID
}

func finding(rule, endpoint string) models.Finding {
	return models.Finding{
		Rule:     rule,
		Title:    "t",
		Severity: models.SeverityHigh,
		Score:    8.1,
		Endpoint: endpoint,
		Method:   http.MethodGet,
	}
}

func TestStartScan_ChunksAndEnqueues(t *testing.T) {
	o, q, store := setupOrchestrator(t, Config{ChunkSize: 1})
	ctx := context.Background()

	scanID := submitScan(t, o)

	rec, err := q.Scan(ctx, scanID)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if rec.Status != models.ScanStatusRunning {
		t.Errorf("status = %q, want running", rec.Status)
	}
	if rec.TotalChunks != 2 || len(rec.JobIDs) != 2 {
		t.Fatalf("chunks = %d, jobs = %d, want 2 each", rec.TotalChunks, len(rec.JobIDs))
	}

	for i, id := range rec.JobIDs {
		job, err := q.Job(ctx, id)
		if err != nil {
			t.Fatalf("Job(%s): %v", id, err)
		}
		if job.ChunkID != i {
			t.Errorf("job %d chunk_id = %d", i, job.ChunkID)
		}
		if job.Status != models.JobStatusQueued {
			t.Errorf("job %d status = %q, want queued", i, job.Status)
		}
		data, err := store.Get(ctx, job.SpecLocation)
		if err != nil {
			t.Fatalf("chunk document %q missing: %v", job.SpecLocation, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("chunk %d is not JSON: %v", i, err)
		}
		paths, _ := doc["paths"].(map[string]any)
		if len(paths) != 1 {
			t.Errorf("chunk %d has %d paths, want 1", i, len(paths))
		}
	}
}

func TestStartScan_RejectsInvalidRequest(t *testing.T) {
	o, _, _ := setupOrchestrator(t, Config{})
	_, err := o.StartScan(context.Background(), &models.ScanRequest{
		ServerURL:     "http://target.example",
		SpecData:      []byte(twoPathSpec),
		Rate:          50, // out of range
		RequestBudget: 400,
	})
	if err == nil {
		t.Fatal("expected validation error for rate 50")
	}
}

func TestStartScan_RequiresServerURL(t *testing.T) {
	o, _, _ := setupOrchestrator(t, Config{})
	_, err := o.StartScan(context.Background(), &models.ScanRequest{
		SpecData:      []byte(twoPathSpec), // spec has no servers block
		Rate:          1,
		RequestBudget: 400,
	})
	if err == nil {
		t.Fatal("expected error when neither request nor spec names a server")
	}
}

// completeJob drives one job through reserve and completion the way a worker
// would.
func completeJob(t *testing.T, q queue.Queue, workerID string, findings []models.Finding) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.Reserve(ctx, workerID, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.SetResult(ctx, job.ID, findings); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if err := q.Complete(ctx, job.ID, len(findings)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return job
}

func TestWait_AggregatesFindingsInChunkOrder(t *testing.T) {
	o, q, store := setupOrchestrator(t, Config{ChunkSize: 1})
	ctx := context.Background()

	scanID := submitScan(t, o)

	// FIFO delivery means chunk 0 is reserved first
	completeJob(t, q, "w1", []models.Finding{finding(models.RuleBOLA, "/alpha")})
	completeJob(t, q, "w1", []models.Finding{finding(models.RuleNoRateLimit, "/beta")})

	rec, findings, err := o.Wait(ctx, scanID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != models.ScanStatusCompleted {
		t.Fatalf("status = %q (error %q), want completed", rec.Status, rec.Error)
	}
	if rec.Progress != 100 {
		t.Errorf("progress = %d, want 100", rec.Progress)
	}
	if rec.CompletedChunks != 2 {
		t.Errorf("completed_chunks = %d, want 2", rec.CompletedChunks)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}
	if findings[0].Endpoint != "/alpha" || findings[1].Endpoint != "/beta" {
		t.Errorf("findings out of chunk order: %q then %q", findings[0].Endpoint, findings[1].Endpoint)
	}
	if rec.FindingsCount != 2 {
		t.Errorf("findings_count = %d, want 2", rec.FindingsCount)
	}

	// aggregate export written next to the chunk documents
	data, err := store.Get(ctx, storage.ResultKey(scanID))
	if err != nil {
		t.Fatalf("results export missing: %v", err)
	}
	var exported []models.Finding
	if err := json.Unmarshal(data, &exported); err != nil {
		t.Fatalf("results export is not JSON: %v", err)
	}
	if len(exported) != 2 {
		t.Errorf("exported findings = %d, want 2", len(exported))
	}
}

func TestWait_FirstFailureSinksScan(t *testing.T) {
	o, q, _ := setupOrchestrator(t, Config{ChunkSize: 1})
	ctx := context.Background()

	scanID := submitScan(t, o)

	job, err := q.Reserve(ctx, "w1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.Fail(ctx, job.ID, "chunk document unreadable"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	rec, findings, err := o.Wait(ctx, scanID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != models.ScanStatusFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if rec.Error != "chunk document unreadable" {
		t.Errorf("error = %q, want the first failure message", rec.Error)
	}
	if findings != nil {
		t.Errorf("failed scan returned findings: %+v", findings)
	}

	// the remaining queued job must have been cancelled, not re-enqueued
	for _, id := range rec.JobIDs {
		j, _ := q.Job(ctx, id)
		if !j.Status.Terminal() {
			t.Errorf("job %s left non-terminal: %q", id, j.Status)
		}
	}
}

func TestWait_JobClampFailsScan(t *testing.T) {
	o, q, _ := setupOrchestrator(t, Config{ChunkSize: 1, JobClamp: 50 * time.Millisecond})
	ctx := context.Background()

	scanID := submitScan(t, o)

	// reserve one job and let it sit past the clamp
	if _, err := q.Reserve(ctx, "w1", 100*time.Millisecond); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	rec, _, err := o.Wait(ctx, scanID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != models.ScanStatusFailed {
		t.Fatalf("status = %q, want failed on clamp", rec.Status)
	}
	if rec.Error == "" {
		t.Error("clamp failure carries no error message")
	}
}

func TestCancel_FlipsJobsAndRecord(t *testing.T) {
	o, _, _ := setupOrchestrator(t, Config{ChunkSize: 1})
	ctx := context.Background()

	scanID := submitScan(t, o)

	flipped, err := o.Cancel(ctx, scanID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if flipped != 2 {
		t.Errorf("flipped = %d, want 2", flipped)
	}
	rec, err := o.Status(ctx, scanID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != models.ScanStatusCancelled {
		t.Errorf("status = %q, want cancelled", rec.Status)
	}

	// Wait observes the terminal record immediately
	rec, findings, err := o.Wait(ctx, scanID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != models.ScanStatusCancelled || findings != nil {
		t.Errorf("Wait after cancel: status %q, findings %+v", rec.Status, findings)
	}
}

func TestWait_ProgressMeanClamped(t *testing.T) {
	o, q, _ := setupOrchestrator(t, Config{ChunkSize: 1})
	ctx := context.Background()

	scanID := submitScan(t, o)

	// one job done, the other at full per-job progress but not terminal:
	// the scan must still report at most 95
	completeJob(t, q, "w1", nil)
	job, err := q.Reserve(ctx, "w1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.UpdateProgress(ctx, job.ID, 100, "logging"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	if _, _, _, err := o.step(ctx, scanID); err != nil {
		t.Fatalf("step: %v", err)
	}
	rec, err := o.Status(ctx, scanID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rec.Status != models.ScanStatusRunning {
		t.Fatalf("status = %q, want running", rec.Status)
	}
	if rec.Progress != 95 {
		t.Errorf("progress = %d, want clamped 95", rec.Progress)
	}
	if rec.CompletedChunks != 1 {
		t.Errorf("completed_chunks = %d, want 1", rec.CompletedChunks)
	}
}

func TestNotifier_DeliversSummary(t *testing.T) {
	got := make(chan notification, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- n
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, nil)
	err := n.NotifySync(context.Background(), &models.ScanRecord{
		ID:            "scan-1",
		Status:        models.ScanStatusCompleted,
		FindingsCount: 3,
	})
	if err != nil {
		t.Fatalf("NotifySync: %v", err)
	}
	payload := <-got
	if payload.ScanID != "scan-1" || payload.Status != "completed" || payload.FindingsCount != 3 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestNotifier_RetriesOnFailure(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, nil)
	n.backoff = time.Millisecond
	err := n.NotifySync(context.Background(), &models.ScanRecord{ID: "scan-1", Status: models.ScanStatusFailed, Error: "boom"})
	if err != nil {
		t.Fatalf("NotifySync: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestNotifier_CancellationStopsRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n := NewNotifier(srv.URL, nil)
	n.backoff = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- n.NotifySync(ctx, &models.ScanRecord{ID: "scan-1", Status: models.ScanStatusFailed})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("NotifySync error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NotifySync did not return after cancellation")
	}
	if got := attempts.Load(); got > 1 {
		t.Errorf("attempts = %d, want at most 1 after cancellation", got)
	}
}

func TestCleanup_RemovesExpiredScanBlobs(t *testing.T) {
	o, q, store := setupOrchestrator(t, Config{ChunkSize: 1})
	ctx := context.Background()

	old := &models.ScanRecord{
		ID:        "scan-old",
		Status:    models.ScanStatusCompleted,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := q.PutScan(ctx, old); err != nil {
		t.Fatalf("PutScan: %v", err)
	}
	if err := store.Put(ctx, storage.ChunkKey("scan-old", 0), []byte("{}")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, storage.ResultKey("scan-old"), []byte("[]")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := o.Cleanup(ctx, 24*time.Hour, 90*time.Second)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed == 0 {
		t.Error("Cleanup removed nothing")
	}
	if _, err := store.Get(ctx, storage.ChunkKey("scan-old", 0)); err == nil {
		t.Error("expired chunk blob still present")
	}
	if _, err := store.Get(ctx, storage.ResultKey("scan-old")); err == nil {
		t.Error("expired results export still present")
	}
}
