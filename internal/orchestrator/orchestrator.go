// Package orchestrator fans a scan out into chunk jobs, tracks them to a
// terminal status, and aggregates the findings. It owns the scan record;
// workers own their job records.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/openapi"
	"github.com/jmylchreest/specprobe/internal/queue"
	"github.com/jmylchreest/specprobe/internal/storage"
)

// Config holds orchestrator configuration.
type Config struct {
	ChunkSize    int           // endpoints per chunk document
	PollInterval time.Duration // job status poll cadence
	JobClamp     time.Duration // per-job wall-clock limit
	WebhookURL   string        // optional terminal-status notification target
}

const (
	defaultPollInterval = 2 * time.Second
	defaultJobClamp     = 5 * time.Minute

	// backend outages are retried with capped exponential backoff
	maxBackendRetries = 8
	maxBackendBackoff = 10 * time.Second
)

// Orchestrator submits scans and polls them to completion.
type Orchestrator struct {
	queue    queue.Queue
	store    storage.Store
	cfg      Config
	notifier *Notifier
	logger   *slog.Logger
}

// New creates an orchestrator. A webhook notifier is attached when
// cfg.WebhookURL is set.
func New(q queue.Queue, store storage.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = openapi.DefaultChunkSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobClamp <= 0 {
		cfg.JobClamp = defaultJobClamp
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		queue:  q,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
	}
	if cfg.WebhookURL != "" {
		o.notifier = NewNotifier(cfg.WebhookURL, logger)
	}
	return o
}

// StartScan validates the request, loads and chunks the spec, writes the
// chunk documents to the blob store, enqueues one job per chunk, and stores
// the scan record. It returns the scan id.
func (o *Orchestrator) StartScan(ctx context.Context, req *models.ScanRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid scan request: %w", err)
	}

	var (
		doc *openapi.Document
		err error
	)
	if req.SpecRef != "" {
		doc, err = openapi.Load(ctx, req.SpecRef)
	} else {
		doc, err = openapi.LoadData(ctx, req.SpecData)
	}
	if err != nil {
		return "", err
	}
	if doc.Snapshot.BaseURL(req.ServerURL) == "" {
		return "", fmt.Errorf("no server URL: neither the request nor the spec names one")
	}

	chunks, err := openapi.Chunk(doc, o.cfg.ChunkSize)
	if err != nil {
		return "", fmt.Errorf("failed to chunk spec: %w", err)
	}

	scanID := ulid.Make().String()
	now := time.Now().UTC()
	jobIDs := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		key := storage.ChunkKey(scanID, i)
		if err := o.store.Put(ctx, key, chunk); err != nil {
			return "", fmt.Errorf("failed to store chunk %d: %w", i, err)
		}
		job := &models.Job{
			ID:            ulid.Make().String(),
			ScanID:        scanID,
			ChunkID:       i,
			SpecLocation:  key,
			ServerURL:     req.ServerURL,
			Rate:          req.Rate,
			RequestBudget: req.RequestBudget,
			Flags:         req.Flags,
			CreatedAt:     now,
		}
		if err := o.queue.Enqueue(ctx, job); err != nil {
			return "", fmt.Errorf("failed to enqueue chunk %d: %w", i, err)
		}
		jobIDs = append(jobIDs, job.ID)
	}

	rec := &models.ScanRecord{
		ID:            scanID,
		ServerURL:     req.ServerURL,
		SpecRef:       req.SpecRef,
		Rate:          req.Rate,
		RequestBudget: req.RequestBudget,
		Flags:         req.Flags,
		TotalChunks:   len(chunks),
		JobIDs:        jobIDs,
		Status:        models.ScanStatusRunning,
		CreatedAt:     now,
	}
	if err := o.queue.PutScan(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to store scan record: %w", err)
	}
	o.logger.Info("scan submitted", "scan_id", scanID, "chunks", len(chunks))
	return scanID, nil
}

// Wait polls the scan's jobs until the scan reaches a terminal status and
// returns the final record together with the aggregated findings (chunk
// order). Transient backend errors are retried with capped backoff.
func (o *Orchestrator) Wait(ctx context.Context, scanID string) (*models.ScanRecord, []models.Finding, error) {
	backoff := o.cfg.PollInterval
	failures := 0

	for {
		rec, findings, done, err := o.step(ctx, scanID)
		if err != nil {
			if errors.Is(err, queue.ErrBackend) {
				failures++
				if failures >= maxBackendRetries {
					return nil, nil, fmt.Errorf("queue backend unavailable: %w", err)
				}
				if serr := sleep(ctx, backoff); serr != nil {
					return nil, nil, serr
				}
				backoff *= 2
				if backoff > maxBackendBackoff {
					backoff = maxBackendBackoff
				}
				continue
			}
			return nil, nil, err
		}
		failures = 0
		backoff = o.cfg.PollInterval

		if done {
			if o.notifier != nil {
				o.notifier.Notify(ctx, rec)
			}
			return rec, findings, nil
		}
		if err := sleep(ctx, o.cfg.PollInterval); err != nil {
			return nil, nil, err
		}
	}
}

// step inspects the scan's jobs once and advances the scan record. It
// returns done=true with the final record once the scan is terminal.
func (o *Orchestrator) step(ctx context.Context, scanID string) (*models.ScanRecord, []models.Finding, bool, error) {
	rec, err := o.queue.Scan(ctx, scanID)
	if err != nil {
		return nil, nil, false, err
	}
	if rec.Status.Terminal() {
		var findings []models.Finding
		if rec.Status == models.ScanStatusCompleted {
			findings, err = o.collect(ctx, rec)
			if err != nil {
				return nil, nil, false, err
			}
		}
		return rec, findings, true, nil
	}

	var (
		progressSum   int
		completed     int
		findingsCount int
		failureMsg    string
		anyCancelled  bool
		allTerminal   = true
	)
	now := time.Now().UTC()
	clampHit := false
	for _, id := range rec.JobIDs {
		job, err := o.queue.Job(ctx, id)
		if err != nil {
			return nil, nil, false, err
		}
		progressSum += job.Progress
		switch job.Status {
		case models.JobStatusCompleted:
			completed++
			findingsCount += job.FindingsCount
		case models.JobStatusFailed:
			if failureMsg == "" {
				failureMsg = job.Error
			}
		case models.JobStatusCancelled:
			anyCancelled = true
		case models.JobStatusRunning:
			if job.StartedAt != nil && now.Sub(*job.StartedAt) > o.cfg.JobClamp {
				clampHit = true
			}
		}
		if !job.Status.Terminal() {
			allTerminal = false
		}
	}

	switch {
	case failureMsg != "" || clampHit:
		// a failed or stuck job sinks the scan; never re-enqueue
		if _, cerr := o.queue.CancelScan(ctx, scanID); cerr != nil {
			return nil, nil, false, cerr
		}
		msg := failureMsg
		if msg == "" {
			msg = fmt.Sprintf("job exceeded the %s wall-clock limit", o.cfg.JobClamp)
		}
		rec.Status = models.ScanStatusFailed
		rec.Error = msg
		rec.CompletedChunks = completed
		rec.CompletedAt = &now
		if err := o.queue.PutScan(ctx, rec); err != nil {
			return nil, nil, false, err
		}
		o.logger.Warn("scan failed", "scan_id", scanID, "error", msg)
		return rec, nil, true, nil

	case allTerminal && anyCancelled:
		rec.Status = models.ScanStatusCancelled
		rec.CompletedChunks = completed
		rec.CompletedAt = &now
		if err := o.queue.PutScan(ctx, rec); err != nil {
			return nil, nil, false, err
		}
		o.logger.Info("scan cancelled", "scan_id", scanID)
		return rec, nil, true, nil

	case allTerminal:
		findings, err := o.collect(ctx, rec)
		if err != nil {
			return nil, nil, false, err
		}
		rec.Status = models.ScanStatusCompleted
		rec.Progress = 100
		rec.CompletedChunks = completed
		rec.FindingsCount = len(findings)
		rec.CompletedAt = &now
		if err := o.queue.PutScan(ctx, rec); err != nil {
			return nil, nil, false, err
		}
		o.exportResults(ctx, rec, findings)
		o.logger.Info("scan completed", "scan_id", scanID, "findings", len(findings))
		return rec, findings, true, nil

	default:
		progress := progressSum / len(rec.JobIDs)
		if progress > 95 {
			progress = 95
		}
		rec.Progress = progress
		rec.CompletedChunks = completed
		rec.FindingsCount = findingsCount
		if err := o.queue.PutScan(ctx, rec); err != nil {
			return nil, nil, false, err
		}
		return rec, nil, false, nil
	}
}

// collect concatenates per-job findings in chunk order.
func (o *Orchestrator) collect(ctx context.Context, rec *models.ScanRecord) ([]models.Finding, error) {
	var findings []models.Finding
	for _, id := range rec.JobIDs {
		part, err := o.queue.Result(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return nil, err
		}
		findings = append(findings, part...)
	}
	return findings, nil
}

// exportResults writes the aggregate findings blob next to the chunk
// documents. Best effort.
func (o *Orchestrator) exportResults(ctx context.Context, rec *models.ScanRecord, findings []models.Finding) {
	data, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		o.logger.Warn("failed to marshal findings export", "scan_id", rec.ID, "error", err)
		return
	}
	if err := o.store.Put(ctx, storage.ResultKey(rec.ID), data); err != nil {
		o.logger.Warn("failed to write findings export", "scan_id", rec.ID, "error", err)
	}
}

// Cancel flips the scan's pending jobs to cancelled and marks the record.
// It returns how many jobs were flipped.
func (o *Orchestrator) Cancel(ctx context.Context, scanID string) (int, error) {
	flipped, err := o.queue.CancelScan(ctx, scanID)
	if err != nil {
		return 0, err
	}
	rec, err := o.queue.Scan(ctx, scanID)
	if err != nil {
		return flipped, err
	}
	if !rec.Status.Terminal() {
		now := time.Now().UTC()
		rec.Status = models.ScanStatusCancelled
		rec.CompletedAt = &now
		if err := o.queue.PutScan(ctx, rec); err != nil {
			return flipped, err
		}
	}
	o.logger.Info("scan cancel requested", "scan_id", scanID, "jobs_flipped", flipped)
	return flipped, nil
}

// Status returns the current scan record.
func (o *Orchestrator) Status(ctx context.Context, scanID string) (*models.ScanRecord, error) {
	return o.queue.Scan(ctx, scanID)
}

// Findings returns the aggregated findings for a scan, chunk order.
func (o *Orchestrator) Findings(ctx context.Context, scanID string) ([]models.Finding, error) {
	rec, err := o.queue.Scan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return o.collect(ctx, rec)
}

// Cleanup removes expired jobs, scan records and stale worker entries, then
// garbage-collects the blob store prefixes of the expired scans.
func (o *Orchestrator) Cleanup(ctx context.Context, jobTTL, workerTTL time.Duration) (int, error) {
	cutoff := time.Now().Add(-jobTTL)
	recs, err := o.queue.Scans(ctx)
	if err != nil {
		return 0, err
	}
	var expired []string
	for _, rec := range recs {
		if rec.CreatedAt.Before(cutoff) {
			expired = append(expired, rec.ID)
		}
	}

	removed, err := o.queue.Cleanup(ctx, jobTTL, workerTTL)
	if err != nil {
		return removed, err
	}

	for _, id := range expired {
		if _, derr := o.store.DeletePrefix(ctx, storage.ScanPrefix(id)); derr != nil {
			o.logger.Warn("failed to delete chunk blobs", "scan_id", id, "error", derr)
		}
		if derr := o.store.Delete(ctx, storage.ResultKey(id)); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
			o.logger.Warn("failed to delete results export", "scan_id", id, "error", derr)
		}
	}
	return removed, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
