package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/specprobe/internal/models"
)

// Memory is a process-local Queue used for one-shot scans and tests. It
// mirrors the Redis semantics: FIFO delivery, queued -> running on reserve,
// absorbing terminal statuses, monotonic progress.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	results map[string][]models.Finding
	scans   map[string]*models.ScanRecord
	workers map[string]models.WorkerInfo
	fifo    chan string
}

// NewMemory creates an in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*models.Job),
		results: make(map[string][]models.Finding),
		scans:   make(map[string]*models.ScanRecord),
		workers: make(map[string]models.WorkerInfo),
		fifo:    make(chan string, 1024),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Enqueue(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	copied := *job
	copied.Status = models.JobStatusQueued
	m.jobs[job.ID] = &copied
	m.mu.Unlock()

	select {
	case m.fifo <- job.ID:
		return nil
	default:
		return fmt.Errorf("enqueue: %w: queue full", ErrBackend)
	}
}

func (m *Memory) Reserve(ctx context.Context, workerID string, timeout time.Duration) (*models.Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoJob
		case jobID := <-m.fifo:
			m.mu.Lock()
			job, ok := m.jobs[jobID]
			if !ok || job.Status != models.JobStatusQueued {
				// cancelled or cleaned up while queued
				m.mu.Unlock()
				continue
			}
			started := time.Now().UTC()
			job.Status = models.JobStatusRunning
			job.WorkerID = workerID
			job.StartedAt = &started
			copied := *job
			m.mu.Unlock()
			return &copied, nil
		}
	}
}

func (m *Memory) Job(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

func (m *Memory) UpdateProgress(ctx context.Context, jobID string, progress int, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != models.JobStatusRunning {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	job.Phase = phase
	return nil
}

func (m *Memory) SetResult(ctx context.Context, jobID string, findings []models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[jobID] = append([]models.Finding(nil), findings...)
	return nil
}

func (m *Memory) Result(ctx context.Context, jobID string) ([]models.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	findings, ok := m.results[jobID]
	if !ok {
		return nil, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	return append([]models.Finding(nil), findings...), nil
}

func (m *Memory) Complete(ctx context.Context, jobID string, findingsCount int) error {
	return m.terminal(jobID, models.JobStatusCompleted, "", findingsCount, 100)
}

func (m *Memory) Fail(ctx context.Context, jobID string, msg string) error {
	return m.terminal(jobID, models.JobStatusFailed, msg, -1, -1)
}

func (m *Memory) MarkCancelled(ctx context.Context, jobID string) error {
	return m.terminal(jobID, models.JobStatusCancelled, "", -1, -1)
}

func (m *Memory) terminal(jobID string, status models.JobStatus, msg string, findingsCount, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	if msg != "" {
		job.Error = msg
	}
	if findingsCount >= 0 {
		job.FindingsCount = findingsCount
	}
	if progress >= 0 && progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

func (m *Memory) CancelScan(ctx context.Context, scanID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flipped := 0
	for _, job := range m.jobs {
		if job.ScanID != scanID || job.Status.Terminal() {
			continue
		}
		now := time.Now().UTC()
		job.Status = models.JobStatusCancelled
		job.CompletedAt = &now
		flipped++
	}
	return flipped, nil
}

func (m *Memory) Cleanup(ctx context.Context, jobTTL, workerTTL time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	jobCutoff := time.Now().Add(-jobTTL)
	for id, job := range m.jobs {
		if job.CreatedAt.Before(jobCutoff) {
			delete(m.jobs, id)
			delete(m.results, id)
			removed++
		}
	}
	for id, rec := range m.scans {
		if rec.CreatedAt.Before(jobCutoff) {
			delete(m.scans, id)
			removed++
		}
	}
	workerCutoff := time.Now().Add(-workerTTL)
	for id, info := range m.workers {
		if info.LastUpdate.Before(workerCutoff) {
			delete(m.workers, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) RegisterWorker(ctx context.Context, info models.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[info.ID] = info
	return nil
}

func (m *Memory) Heartbeat(ctx context.Context, workerID, status, currentJob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	info.Status = status
	info.CurrentJob = currentJob
	info.LastUpdate = time.Now().UTC()
	m.workers[workerID] = info
	return nil
}

func (m *Memory) DeregisterWorker(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	return nil
}

func (m *Memory) Workers(ctx context.Context) ([]models.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	workers := make([]models.WorkerInfo, 0, len(m.workers))
	for _, info := range m.workers {
		workers = append(workers, info)
	}
	return workers, nil
}

func (m *Memory) PutScan(ctx context.Context, rec *models.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *rec
	m.scans[rec.ID] = &copied
	return nil
}

func (m *Memory) Scan(ctx context.Context, scanID string) (*models.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", scanID, ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}

func (m *Memory) Scans(ctx context.Context) ([]*models.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]*models.ScanRecord, 0, len(m.scans))
	for _, rec := range m.scans {
		copied := *rec
		recs = append(recs, &copied)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}
