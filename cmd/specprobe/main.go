// Package main is the specprobe CLI: run a one-shot scan with embedded
// workers, or submit and track scans on a shared Redis queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmylchreest/specprobe/internal/config"
	"github.com/jmylchreest/specprobe/internal/logging"
	"github.com/jmylchreest/specprobe/internal/models"
	"github.com/jmylchreest/specprobe/internal/orchestrator"
	"github.com/jmylchreest/specprobe/internal/queue"
	"github.com/jmylchreest/specprobe/internal/storage"
	"github.com/jmylchreest/specprobe/internal/version"
	"github.com/jmylchreest/specprobe/internal/worker"
)

const usageText = `Usage: specprobe <command> [flags]

Commands:
  scan      run a one-shot scan with embedded workers, print findings JSON
  submit    enqueue a scan onto the shared queue, print the scan id
  status    show a scan record
  cancel    cancel a scan's pending and running jobs
  workers   list the live worker registry
  cleanup   remove expired jobs, scan records, blobs and stale workers
  version   print build information

Run "specprobe <command> -h" for command flags.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := logging.SetDefault()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
	command, rest := args[0], args[1:]

	switch command {
	case "version":
		v := version.Get()
		fmt.Printf("specprobe %s (%s) built %s %s %s\n", v.Version, v.Commit, v.Date, v.GoVersion, v.Platform)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usageText)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "scan":
		return runScan(ctx, rest, cfg, logger)
	case "submit":
		return runSubmit(ctx, rest, cfg, logger)
	case "status":
		return runStatus(ctx, rest, cfg, logger)
	case "cancel":
		return runCancel(ctx, rest, cfg, logger)
	case "workers":
		return runWorkers(ctx, rest, cfg, logger)
	case "cleanup":
		return runCleanup(ctx, rest, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usageText)
		return 2
	}
}

// scanArgs are the flags shared by scan and submit.
type scanArgs struct {
	spec      string
	server    string
	rate      float64
	budget    int
	chunkSize int
	dangerous bool
	fuzzAuth  bool
}

func scanFlagSet(name string, cfg *config.Config, a *scanArgs) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&a.spec, "spec", "", "OpenAPI document path or URL, or - for stdin (required)")
	fs.StringVar(&a.server, "server", "", "target server URL, overrides the spec's servers entry")
	fs.Float64Var(&a.rate, "rate", cfg.ScanRate, "outbound requests per second (0.1-10)")
	fs.IntVar(&a.budget, "budget", cfg.RequestBudget, "max outbound requests per chunk (1-500)")
	fs.IntVar(&a.chunkSize, "chunk-size", cfg.ChunkSize, "endpoints per chunk job")
	fs.BoolVar(&a.dangerous, "dangerous", false, "allow mutating probe requests (POST/PUT/PATCH/DELETE)")
	fs.BoolVar(&a.fuzzAuth, "fuzz-auth", false, "try default credentials against protected endpoints")
	return fs
}

func (a *scanArgs) request() (*models.ScanRequest, error) {
	req := &models.ScanRequest{
		ServerURL:     a.server,
		Rate:          a.rate,
		RequestBudget: a.budget,
		Flags: models.ScanFlags{
			Dangerous: a.dangerous,
			FuzzAuth:  a.fuzzAuth,
		},
	}
	if a.spec == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read spec from stdin: %w", err)
		}
		req.SpecData = data
	} else {
		req.SpecRef = a.spec
	}
	return req, nil
}

// runScan performs a complete scan in-process: in-memory queue, temporary
// chunk directory, embedded workers.
func runScan(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	var a scanArgs
	fs := scanFlagSet("scan", cfg, &a)
	out := fs.String("out", "", "write findings JSON to a file instead of stdout")
	workers := fs.Int("workers", 2, "embedded worker count")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if a.spec == "" {
		fmt.Fprintln(os.Stderr, "scan: -spec is required")
		fs.Usage()
		return 2
	}
	req, err := a.request()
	if err != nil {
		logger.Error("invalid scan input", "error", err)
		return 2
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", fs.Name(), err)
		return 2
	}

	q := queue.NewMemory()
	defer q.Close()

	dir, err := os.MkdirTemp("", "specprobe-scan-")
	if err != nil {
		logger.Error("failed to create chunk directory", "error", err)
		return 1
	}
	defer os.RemoveAll(dir)
	store, err := storage.NewLocal(dir, logger)
	if err != nil {
		logger.Error("failed to open chunk directory", "error", err)
		return 1
	}

	orch := orchestrator.New(q, store, orchestrator.Config{
		ChunkSize:    a.chunkSize,
		PollInterval: 100 * time.Millisecond,
		JobClamp:     cfg.JobTimeout,
	}, logger)

	if *workers < 1 {
		*workers = 1
	}
	pool := make([]*worker.Worker, 0, *workers)
	for i := 0; i < *workers; i++ {
		w := worker.New(q, store, worker.Config{
			ReserveTimeout:     500 * time.Millisecond,
			Heartbeat:          cfg.WorkerHeartbeat,
			HTTPTimeout:        cfg.HTTPTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, logger)
		if err := w.Start(ctx); err != nil {
			logger.Error("failed to start worker", "error", err)
			return 1
		}
		pool = append(pool, w)
	}
	defer func() {
		for _, w := range pool {
			w.Stop()
		}
	}()

	scanID, err := orch.StartScan(ctx, req)
	if err != nil {
		logger.Error("failed to start scan", "error", err)
		return 1
	}

	rec, findings, err := orch.Wait(ctx, scanID)
	if err != nil {
		if ctx.Err() != nil {
			// interrupted; flip remaining jobs so the workers stop promptly
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = orch.Cancel(cctx, scanID)
			logger.Warn("scan interrupted", "scan_id", scanID)
			return 1
		}
		logger.Error("scan did not finish", "scan_id", scanID, "error", err)
		return 1
	}

	switch rec.Status {
	case models.ScanStatusCompleted:
		return emitFindings(findings, *out, logger)
	case models.ScanStatusFailed:
		logger.Error("scan failed", "scan_id", rec.ID, "error", rec.Error)
		return 1
	default:
		logger.Warn("scan cancelled", "scan_id", rec.ID)
		return 1
	}
}

func runSubmit(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	var a scanArgs
	fs := scanFlagSet("submit", cfg, &a)
	wait := fs.Bool("wait", false, "poll until the scan is terminal and print findings")
	out := fs.String("out", "", "with -wait, write findings JSON to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if a.spec == "" {
		fmt.Fprintln(os.Stderr, "submit: -spec is required")
		fs.Usage()
		return 2
	}
	req, err := a.request()
	if err != nil {
		logger.Error("invalid scan input", "error", err)
		return 2
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", fs.Name(), err)
		return 2
	}

	orch, cleanup, code := sharedOrchestrator(cfg, logger, orchestrator.Config{
		ChunkSize:    a.chunkSize,
		PollInterval: cfg.ScanPollInterval,
		JobClamp:     cfg.JobTimeout,
		WebhookURL:   cfg.WebhookURL,
	})
	if code != 0 {
		return code
	}
	defer cleanup()

	scanID, err := orch.StartScan(ctx, req)
	if err != nil {
		logger.Error("failed to submit scan", "error", err)
		return 1
	}
	fmt.Println(scanID)

	if !*wait {
		return 0
	}
	rec, findings, err := orch.Wait(ctx, scanID)
	if err != nil {
		logger.Error("failed while waiting for scan", "scan_id", scanID, "error", err)
		return 1
	}
	switch rec.Status {
	case models.ScanStatusCompleted:
		return emitFindings(findings, *out, logger)
	case models.ScanStatusFailed:
		logger.Error("scan failed", "scan_id", rec.ID, "error", rec.Error)
		return 1
	default:
		logger.Warn("scan cancelled", "scan_id", rec.ID)
		return 1
	}
}

func runStatus(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: specprobe status <scan-id>")
		return 2
	}

	q, err := queue.NewRedis(cfg.RedisURL, logger)
	if err != nil {
		logger.Error("failed to connect to queue", "error", err)
		return 1
	}
	defer q.Close()

	rec, err := q.Scan(ctx, fs.Arg(0))
	if err != nil {
		logger.Error("failed to read scan record", "scan_id", fs.Arg(0), "error", err)
		return 1
	}
	return emitJSON(rec, logger)
}

func runCancel(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: specprobe cancel <scan-id>")
		return 2
	}

	orch, cleanup, code := sharedOrchestrator(cfg, logger, orchestrator.Config{})
	if code != 0 {
		return code
	}
	defer cleanup()

	flipped, err := orch.Cancel(ctx, fs.Arg(0))
	if err != nil {
		logger.Error("failed to cancel scan", "scan_id", fs.Arg(0), "error", err)
		return 1
	}
	logger.Info("scan cancelled", "scan_id", fs.Arg(0), "jobs_flipped", flipped)
	return 0
}

func runWorkers(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("workers", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	q, err := queue.NewRedis(cfg.RedisURL, logger)
	if err != nil {
		logger.Error("failed to connect to queue", "error", err)
		return 1
	}
	defer q.Close()

	workers, err := q.Workers(ctx)
	if err != nil {
		logger.Error("failed to list workers", "error", err)
		return 1
	}
	return emitJSON(workers, logger)
}

func runCleanup(ctx context.Context, args []string, cfg *config.Config, logger *slog.Logger) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	jobTTL := fs.Duration("job-ttl", cfg.JobTTL, "remove jobs and scan records older than this")
	workerTTL := fs.Duration("worker-ttl", 3*cfg.WorkerHeartbeat, "prune workers whose last heartbeat is older than this")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	orch, cleanup, code := sharedOrchestrator(cfg, logger, orchestrator.Config{})
	if code != 0 {
		return code
	}
	defer cleanup()

	removed, err := orch.Cleanup(ctx, *jobTTL, *workerTTL)
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		return 1
	}
	logger.Info("cleanup done", "removed", removed)
	return 0
}

// sharedOrchestrator wires the Redis queue and the configured blob store.
// The returned cleanup closes the queue connection.
func sharedOrchestrator(cfg *config.Config, logger *slog.Logger, ocfg orchestrator.Config) (*orchestrator.Orchestrator, func(), int) {
	q, err := queue.NewRedis(cfg.RedisURL, logger)
	if err != nil {
		logger.Error("failed to connect to queue", "error", err)
		return nil, nil, 1
	}
	store, err := storage.FromConfig(cfg, logger)
	if err != nil {
		q.Close()
		logger.Error("failed to open blob store", "error", err)
		return nil, nil, 1
	}
	if ocfg.ChunkSize == 0 {
		ocfg.ChunkSize = cfg.ChunkSize
	}
	if ocfg.PollInterval == 0 {
		ocfg.PollInterval = cfg.ScanPollInterval
	}
	if ocfg.JobClamp == 0 {
		ocfg.JobClamp = cfg.JobTimeout
	}
	orch := orchestrator.New(q, store, ocfg, logger)
	return orch, func() { q.Close() }, 0
}

func emitFindings(findings []models.Finding, out string, logger *slog.Logger) int {
	if findings == nil {
		findings = []models.Finding{}
	}
	data, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		logger.Error("failed to marshal findings", "error", err)
		return 1
	}
	data = append(data, '\n')
	if out != "" {
		if err := os.WriteFile(out, data, 0o644); err != nil {
			logger.Error("failed to write findings", "path", out, "error", err)
			return 1
		}
		logger.Info("findings written", "path", out, "count", len(findings))
		return 0
	}
	_, _ = os.Stdout.Write(data)
	return 0
}

func emitJSON(v any, logger *slog.Logger) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error("failed to marshal output", "error", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
