// Package worker implements the stateless job loop: reserve a chunk job
// from the queue, load its chunk document, run the probe suite against the
// target, and write findings and status back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/specprobe/internal/httpclient"
	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/openapi"
	"github.com/jmylchreest/specprobe/internal/probes"
	"github.com/jmylchreest/specprobe/internal/queue"
	"github.com/jmylchreest/specprobe/internal/storage"
)

// Config holds worker configuration.
type Config struct {
	ReserveTimeout     time.Duration // blocking reserve timeout
	Heartbeat          time.Duration // registry refresh interval
	CancelPoll         time.Duration // external-cancellation check interval
	HTTPTimeout        time.Duration // per-probe-request timeout
	InsecureSkipVerify bool
}

// Worker drains the queue one job at a time. Each job gets its own HTTP
// client, rate limiter and auth injector; workers share no in-memory state.
type Worker struct {
	id     string
	queue  queue.Queue
	store  storage.Store
	cfg    Config
	stop   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu         sync.Mutex
	currentJob string
}

// New creates a worker with a fresh ULID identity.
func New(q queue.Queue, store storage.Store, cfg Config, logger *slog.Logger) *Worker {
	if cfg.ReserveTimeout == 0 {
		cfg.ReserveTimeout = 30 * time.Second
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.CancelPoll == 0 {
		cfg.CancelPoll = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := ulid.Make().String()
	return &Worker{
		id:     id,
		queue:  q,
		store:  store,
		cfg:    cfg,
		stop:   make(chan struct{}),
		logger: logger.With("component", "worker", "worker_id", id),
	}
}

// ID returns the worker's registry identity.
func (w *Worker) ID() string { return w.id }

// Busy reports whether the worker is processing a job.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJob != ""
}

// Start registers the worker and begins the reserve loop.
func (w *Worker) Start(ctx context.Context) error {
	err := w.queue.RegisterWorker(ctx, models.WorkerInfo{
		ID:         w.id,
		StartedAt:  time.Now().UTC(),
		Status:     models.WorkerStatusReady,
		LastUpdate: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	w.logger.Info("starting")

	w.wg.Add(2)
	go w.heartbeatLoop(ctx)
	go w.runLoop(ctx)
	return nil
}

// Stop drains the loops and deregisters the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping")
	close(w.stop)
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.DeregisterWorker(ctx, w.id); err != nil {
		w.logger.Warn("failed to deregister", "error", err)
	}
	w.logger.Info("stopped")
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := models.WorkerStatusReady
			w.mu.Lock()
			current := w.currentJob
			w.mu.Unlock()
			if current != "" {
				status = models.WorkerStatusBusy
			}
			if err := w.queue.Heartbeat(ctx, w.id, status, current); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Reserve(ctx, w.id, w.cfg.ReserveTimeout)
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to reserve job", "error", err)
			select {
			case <-w.stop:
				return
			case <-time.After(w.cfg.ReserveTimeout):
			}
			continue
		}

		w.setCurrentJob(job.ID)
		w.process(ctx, job)
		w.setCurrentJob("")
	}
}

func (w *Worker) setCurrentJob(id string) {
	w.mu.Lock()
	w.currentJob = id
	w.mu.Unlock()
}

// process runs the probe suite for one chunk job and writes the outcome
// back. Every failure mode ends in a terminal job status: completed (also
// on budget exhaustion), cancelled, or failed with a message.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	logger := w.logger.With("job_id", job.ID, "scan_id", job.ScanID, "chunk", job.ChunkID)
	logger.Info("processing job")

	chunkData, err := w.store.Get(ctx, job.SpecLocation)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("failed to load chunk document: %v", err))
		return
	}
	doc, err := openapi.LoadData(ctx, chunkData)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("failed to parse chunk document: %v", err))
		return
	}

	base := doc.Snapshot.BaseURL(job.ServerURL)
	if base == "" {
		w.failJob(ctx, job, "no server URL: neither the job nor the spec names one")
		return
	}

	client := httpclient.New(base, httpclient.Options{
		Rate:               job.Rate,
		Budget:             job.RequestBudget,
		Timeout:            w.cfg.HTTPTimeout,
		InsecureSkipVerify: w.cfg.InsecureSkipVerify,
	}, logger)

	// watch for external cancellation while the sweep runs
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watcherDone := make(chan struct{})
	go w.watchCancel(jobCtx, cancel, job.ID, watcherDone)

	target := &probes.Target{
		Snapshot: doc.Snapshot,
		Client:   client,
		Injector: httpclient.NewInjector(job.Flags),
		Flags:    job.Flags,
		Logger:   logger,
	}
	suite := probes.DefaultSuite()
	result, err := probes.RunSuite(jobCtx, target, suite, func(i int, p probes.Probe) {
		progress := (i + 1) * 100 / len(suite)
		if uerr := w.queue.UpdateProgress(ctx, job.ID, progress, p.Name()); uerr != nil {
			logger.Warn("failed to update progress", "error", uerr)
		}
	})
	cancel()
	<-watcherDone

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info("job cancelled", "findings", len(result.Findings))
			if qerr := w.queue.MarkCancelled(ctx, job.ID); qerr != nil {
				logger.Error("failed to mark cancelled", "error", qerr)
			}
			return
		}
		w.failJob(ctx, job, err.Error())
		return
	}

	if err := w.queue.SetResult(ctx, job.ID, result.Findings); err != nil {
		w.failJob(ctx, job, fmt.Sprintf("failed to write result: %v", err))
		return
	}
	if err := w.queue.Complete(ctx, job.ID, len(result.Findings)); err != nil {
		logger.Error("failed to mark completed", "error", err)
		return
	}
	logger.Info("completed job",
		"findings", len(result.Findings),
		"requests", client.Issued(),
		"budget_exhausted", result.BudgetExhausted,
	)
}

// watchCancel cancels the job context when the job record flips to
// cancelled. Probes notice at their next checkpoint or HTTP call.
func (w *Worker) watchCancel(ctx context.Context, cancel context.CancelFunc, jobID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.queue.Job(ctx, jobID)
			if err != nil {
				continue
			}
			if job.Status == models.JobStatusCancelled {
				cancel()
				return
			}
			if job.Status.Terminal() {
				return
			}
		}
	}
}

func (w *Worker) failJob(ctx context.Context, job *models.Job, msg string) {
	w.logger.Error("job failed", "job_id", job.ID, "error", msg)
	if err := w.queue.Fail(ctx, job.ID, msg); err != nil {
		w.logger.Error("failed to mark failed", "job_id", job.ID, "error", err)
	}
}
