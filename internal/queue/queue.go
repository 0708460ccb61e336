// Package queue provides the durable work queue that carries chunk jobs from
// the orchestrator to workers, together with the shared job, result, worker
// and scan records. Two implementations exist: Redis for multi-process
// deployments and an in-memory queue for one-shot scans and tests.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/specprobe/internal/models"
)

// ErrNoJob is returned by Reserve when the blocking timeout elapses without
// a job becoming available.
var ErrNoJob = errors.New("no job available")

// ErrNotFound is returned when a job or scan record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrBackend marks backend failures the orchestrator may retry with backoff.
var ErrBackend = errors.New("queue backend error")

// Queue is the contract between orchestrator and workers. Implementations
// provide at-least-once delivery: a reserved job that is never marked
// terminal stays on the processing list until Cleanup removes it. Workers
// are idempotent, so a redelivered chunk is harmless.
type Queue interface {
	// Enqueue appends a job with status queued and places it on the FIFO.
	Enqueue(ctx context.Context, job *models.Job) error

	// Reserve blocks up to timeout for a job, atomically transitioning it
	// queued -> running and stamping worker_id and started_at. Jobs found
	// cancelled while queued are skipped. Returns ErrNoJob on timeout.
	Reserve(ctx context.Context, workerID string, timeout time.Duration) (*models.Job, error)

	// Job returns the current state of one job.
	Job(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateProgress writes progress (monotonic, writes below the current
	// value are ignored) and the phase string for a running job.
	UpdateProgress(ctx context.Context, jobID string, progress int, phase string) error

	// SetResult writes the job's findings blob. Single key, written once
	// per job; the blob expires with the job TTL.
	SetResult(ctx context.Context, jobID string, findings []models.Finding) error

	// Result returns the findings blob written by SetResult.
	Result(ctx context.Context, jobID string) ([]models.Finding, error)

	// Complete marks a job completed. Terminal statuses are absorbing.
	Complete(ctx context.Context, jobID string, findingsCount int) error

	// Fail marks a job failed with a message. Terminal statuses are absorbing.
	Fail(ctx context.Context, jobID string, msg string) error

	// MarkCancelled records that a worker observed cancellation and stopped.
	MarkCancelled(ctx context.Context, jobID string) error

	// CancelScan flips every queued or running job of the scan to cancelled
	// and returns how many jobs were flipped.
	CancelScan(ctx context.Context, scanID string) (int, error)

	// Cleanup removes jobs older than jobTTL together with their result
	// blobs and queue entries, prunes worker registry entries whose last
	// update is older than workerTTL, and drops scan records past jobTTL.
	Cleanup(ctx context.Context, jobTTL, workerTTL time.Duration) (int, error)

	// RegisterWorker adds or replaces a worker registry entry.
	RegisterWorker(ctx context.Context, info models.WorkerInfo) error

	// Heartbeat refreshes a worker's status, current job and last_update.
	Heartbeat(ctx context.Context, workerID, status, currentJob string) error

	// DeregisterWorker removes a worker registry entry.
	DeregisterWorker(ctx context.Context, workerID string) error

	// Workers lists the worker registry.
	Workers(ctx context.Context) ([]models.WorkerInfo, error)

	// PutScan stores the orchestrator-owned scan record.
	PutScan(ctx context.Context, rec *models.ScanRecord) error

	// Scan returns a stored scan record.
	Scan(ctx context.Context, scanID string) (*models.ScanRecord, error)

	// Scans lists all stored scan records, oldest first.
	Scans(ctx context.Context) ([]*models.ScanRecord, error)

	// Close releases backend resources.
	Close() error
}
