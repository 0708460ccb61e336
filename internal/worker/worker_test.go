package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/queue"
	"github.com/jmylchreest/specprobe/internal/storage"
)

const itemsChunk = `{
  "openapi": "3.0.0",
  "info": {"title": "items", "version": "1.0.0"},
  "paths": {
    "/items/{id}": {
      "get": {
        "parameters": [
          {"name": "id", "in": "path", "required": true, "schema": {"type": "integer"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

func setupWorker(t *testing.T, handler http.Handler) (*Worker, queue.Queue, storage.Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	q := queue.NewMemory()
	store, err := storage.NewLocal(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	w := New(q, store, Config{
		ReserveTimeout: 100 * time.Millisecond,
		Heartbeat:      50 * time.Millisecond,
		CancelPoll:     20 * time.Millisecond,
	}, nil)
	return w, q, store, srv
}

func waitTerminal(t *testing.T, q queue.Queue, jobID string, timeout time.Duration) *models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := q.Job(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status within %v", jobID, timeout)
	return nil
}

func TestWorker_ProcessesChunkJob(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/items/") {
			w.Write([]byte(`{"id":` + strings.TrimPrefix(r.URL.Path, "/items/") + `}`))
			return
		}
		http.NotFound(w, r)
	})
	w, q, store, srv := setupWorker(t, handler)
	ctx := context.Background()

	loc := storage.ChunkKey("scan-1", 0)
	if err := store.Put(ctx, loc, []byte(itemsChunk)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	job := &models.Job{
		ID:            "job-1",
		ScanID:        "scan-1",
		SpecLocation:  loc,
		ServerURL:     srv.URL,
		Rate:          200,
		RequestBudget: 400,
		CreatedAt:     time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	done := waitTerminal(t, q, "job-1", 15*time.Second)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %q (error %q), want completed", done.Status, done.Error)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}
	if done.WorkerID != w.ID() {
		t.Errorf("worker_id = %q, want %q", done.WorkerID, w.ID())
	}

	findings, err := q.Result(ctx, "job-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	var sawBOLA bool
	for _, f := range findings {
		if f.Rule == models.RuleBOLA && f.Endpoint == "/items/{id}" {
			sawBOLA = true
		}
	}
	if !sawBOLA {
		t.Errorf("findings missing the object-level hit: %+v", findings)
	}
	if done.FindingsCount != len(findings) {
		t.Errorf("findings_count = %d, want %d", done.FindingsCount, len(findings))
	}
}

func TestWorker_MissingChunkFailsJob(t *testing.T) {
	w, q, _, srv := setupWorker(t, http.NotFoundHandler())
	ctx := context.Background()

	job := &models.Job{
		ID:            "job-1",
		ScanID:        "scan-1",
		SpecLocation:  storage.ChunkKey("scan-1", 0), // never written
		ServerURL:     srv.URL,
		Rate:          200,
		RequestBudget: 10,
		CreatedAt:     time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	done := waitTerminal(t, q, "job-1", 5*time.Second)
	if done.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.Error == "" {
		t.Error("failed job carries no error message")
	}
}

func TestWorker_BudgetExhaustionCompletes(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	w, q, store, srv := setupWorker(t, handler)
	ctx := context.Background()

	loc := storage.ChunkKey("scan-1", 0)
	if err := store.Put(ctx, loc, []byte(itemsChunk)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	job := &models.Job{
		ID:            "job-1",
		ScanID:        "scan-1",
		SpecLocation:  loc,
		ServerURL:     srv.URL,
		Rate:          200,
		RequestBudget: 3, // exhausted mid-sweep
		CreatedAt:     time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	done := waitTerminal(t, q, "job-1", 10*time.Second)
	if done.Status != models.JobStatusCompleted {
		t.Fatalf("status = %q, want completed on budget exhaustion", done.Status)
	}
	if _, err := q.Result(ctx, "job-1"); err != nil {
		t.Errorf("no result written on budget exhaustion: %v", err)
	}
}

func TestWorker_ObservesCancellation(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond) // keep the sweep going long enough to cancel
		w.Write([]byte("ok"))
	})
	w, q, store, srv := setupWorker(t, handler)
	ctx := context.Background()

	loc := storage.ChunkKey("scan-1", 0)
	if err := store.Put(ctx, loc, []byte(itemsChunk)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	job := &models.Job{
		ID:            "job-1",
		ScanID:        "scan-1",
		SpecLocation:  loc,
		ServerURL:     srv.URL,
		Rate:          200,
		RequestBudget: 400,
		CreatedAt:     time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec := &models.ScanRecord{
		ID:        "scan-1",
		JobIDs:    []string{"job-1"},
		Status:    models.ScanStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.PutScan(ctx, rec); err != nil {
		t.Fatalf("PutScan: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := q.Job(ctx, "job-1")
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if j.Status == models.JobStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := q.CancelScan(ctx, "scan-1"); err != nil {
		t.Fatalf("CancelScan: %v", err)
	}

	done := waitTerminal(t, q, "job-1", 10*time.Second)
	if done.Status != models.JobStatusCancelled {
		t.Fatalf("status = %q, want cancelled", done.Status)
	}
}

func TestWorker_RegistersAndDeregisters(t *testing.T) {
	w, q, _, _ := setupWorker(t, http.NotFoundHandler())
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	workers, err := q.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != w.ID() {
		t.Fatalf("registry = %+v, want exactly this worker", workers)
	}

	w.Stop()
	workers, err = q.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("worker still registered after Stop: %+v", workers)
	}
}
