package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/specprobe/internal/models"
)

// Redis key shapes shared with any other actor on the queue.
const (
	keyQueue      = "scan_queue"
	keyProcessing = "scan_queue:processing"
	keyJobPrefix  = "scan_job:"
	keyResPrefix  = "scan_results:"
	keyScanPrefix = "scan_record:"
	keyWorkers    = "scanner_workers"
)

// reserveScript transitions a popped job queued -> running. Returns 1 on
// success, -1 when the job was cancelled while queued, 0 otherwise.
var reserveScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'queued' then
  redis.call('HSET', KEYS[1], 'status', 'running', 'worker_id', ARGV[1], 'started_at', ARGV[2])
  return 1
end
if status == 'cancelled' then
  return -1
end
return 0
`)

// progressScript keeps progress monotonic and only touches running jobs.
var progressScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'running' then
  return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
local new = tonumber(ARGV[1])
if new > cur then
  redis.call('HSET', KEYS[1], 'progress', new)
end
redis.call('HSET', KEYS[1], 'phase', ARGV[2])
return 1
`)

// terminalScript applies a terminal status unless the job already reached
// one. ARGV: status, completed_at, error, findings_count, progress.
var terminalScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'failed' or status == 'cancelled' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'completed_at', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'error', ARGV[3])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'findings_count', ARGV[4])
end
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'progress', ARGV[5])
end
return 1
`)

// RedisQueue implements Queue on a Redis backend using the reliable-queue
// pattern: Reserve moves the payload onto a processing list, so a worker
// crash cannot silently lose a job; terminal updates remove the entry.
type RedisQueue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the Redis URL (redis://host:port/db).
func NewRedis(url string, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		rdb:    redis.NewClient(opts),
		logger: logger.With("component", "queue"),
	}, nil
}

// NewRedisClient wraps an existing client, used by tests.
func NewRedisClient(rdb *redis.Client, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{rdb: rdb, logger: logger.With("component", "queue")}
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }

func backendErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrBackend, err)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	job.Status = models.JobStatusQueued
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyJobPrefix+job.ID, map[string]any{
		"payload":        string(payload),
		"status":         string(models.JobStatusQueued),
		"progress":       0,
		"phase":          "",
		"findings_count": 0,
		"created_at":     job.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, keyQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return backendErr("enqueue", err)
	}
	return nil
}

func (q *RedisQueue) Reserve(ctx context.Context, workerID string, timeout time.Duration) (*models.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrNoJob
		}
		payload, err := q.rdb.BLMove(ctx, keyQueue, keyProcessing, "LEFT", "RIGHT", wait).Result()
		if err == redis.Nil {
			return nil, ErrNoJob
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, backendErr("reserve", err)
		}

		var job models.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Error("dropping undecodable job payload", "error", err)
			q.rdb.LRem(ctx, keyProcessing, 1, payload)
			continue
		}

		started := time.Now().UTC()
		res, err := reserveScript.Run(ctx, q.rdb, []string{keyJobPrefix + job.ID},
			workerID, started.Format(time.RFC3339Nano)).Int()
		if err != nil {
			return nil, backendErr("reserve", err)
		}
		if res != 1 {
			// cancelled while queued, or the record expired underneath us
			q.rdb.LRem(ctx, keyProcessing, 1, payload)
			continue
		}

		job.Status = models.JobStatusRunning
		job.WorkerID = workerID
		job.StartedAt = &started
		return &job, nil
	}
}

func (q *RedisQueue) Job(ctx context.Context, jobID string) (*models.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, keyJobPrefix+jobID).Result()
	if err != nil {
		return nil, backendErr("get job", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return jobFromHash(fields)
}

// jobFromHash rebuilds a job from its enqueue payload overlaid with the
// mutable hash fields.
func jobFromHash(fields map[string]string) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(fields["payload"]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	job.Status = models.JobStatus(fields["status"])
	job.Phase = fields["phase"]
	job.WorkerID = fields["worker_id"]
	job.Error = fields["error"]
	if n, err := strconv.Atoi(fields["progress"]); err == nil {
		job.Progress = n
	}
	if n, err := strconv.Atoi(fields["findings_count"]); err == nil {
		job.FindingsCount = n
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil {
		job.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["completed_at"]); err == nil {
		job.CompletedAt = &t
	}
	return &job, nil
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress int, phase string) error {
	if _, err := progressScript.Run(ctx, q.rdb, []string{keyJobPrefix + jobID}, progress, phase).Result(); err != nil {
		return backendErr("update progress", err)
	}
	return nil
}

func (q *RedisQueue) SetResult(ctx context.Context, jobID string, findings []models.Finding) error {
	blob, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}
	if err := q.rdb.Set(ctx, keyResPrefix+jobID, blob, 0).Err(); err != nil {
		return backendErr("set result", err)
	}
	return nil
}

func (q *RedisQueue) Result(ctx context.Context, jobID string) ([]models.Finding, error) {
	blob, err := q.rdb.Get(ctx, keyResPrefix+jobID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("get result", err)
	}
	var findings []models.Finding
	if err := json.Unmarshal(blob, &findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	return findings, nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string, findingsCount int) error {
	return q.terminal(ctx, jobID, models.JobStatusCompleted, "", fmt.Sprint(findingsCount), "100")
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, msg string) error {
	return q.terminal(ctx, jobID, models.JobStatusFailed, msg, "", "")
}

func (q *RedisQueue) MarkCancelled(ctx context.Context, jobID string) error {
	return q.terminal(ctx, jobID, models.JobStatusCancelled, "", "", "")
}

func (q *RedisQueue) terminal(ctx context.Context, jobID string, status models.JobStatus, msg, count, progress string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := terminalScript.Run(ctx, q.rdb, []string{keyJobPrefix + jobID},
		string(status), now, msg, count, progress).Result(); err != nil {
		return backendErr("set status", err)
	}
	q.removeFromProcessing(ctx, jobID)
	return nil
}

// removeFromProcessing drops the job's reserved payload so a terminal job
// cannot be redelivered.
func (q *RedisQueue) removeFromProcessing(ctx context.Context, jobID string) {
	payload, err := q.rdb.HGet(ctx, keyJobPrefix+jobID, "payload").Result()
	if err != nil {
		return
	}
	q.rdb.LRem(ctx, keyProcessing, 0, payload)
}

func (q *RedisQueue) CancelScan(ctx context.Context, scanID string) (int, error) {
	rec, err := q.Scan(ctx, scanID)
	if err != nil {
		return 0, err
	}
	flipped := 0
	for _, jobID := range rec.JobIDs {
		job, err := q.Job(ctx, jobID)
		if err != nil {
			continue
		}
		if job.Status.Terminal() {
			continue
		}
		if err := q.MarkCancelled(ctx, jobID); err != nil {
			return flipped, err
		}
		flipped++
	}
	return flipped, nil
}

func (q *RedisQueue) Cleanup(ctx context.Context, jobTTL, workerTTL time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-jobTTL)

	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, keyJobPrefix+"*", 100).Result()
		if err != nil {
			return removed, backendErr("cleanup scan", err)
		}
		for _, key := range keys {
			fields, err := q.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
			if err != nil || created.After(cutoff) {
				continue
			}
			jobID := key[len(keyJobPrefix):]
			if payload := fields["payload"]; payload != "" {
				q.rdb.LRem(ctx, keyQueue, 0, payload)
				q.rdb.LRem(ctx, keyProcessing, 0, payload)
			}
			q.rdb.Del(ctx, key, keyResPrefix+jobID)
			removed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// expired scan records
	cursor = 0
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, keyScanPrefix+"*", 100).Result()
		if err != nil {
			return removed, backendErr("cleanup scan records", err)
		}
		for _, key := range keys {
			blob, err := q.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var rec models.ScanRecord
			if json.Unmarshal(blob, &rec) != nil || rec.CreatedAt.After(cutoff) {
				continue
			}
			q.rdb.Del(ctx, key)
			removed++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// stale workers
	entries, err := q.rdb.HGetAll(ctx, keyWorkers).Result()
	if err != nil {
		return removed, backendErr("cleanup workers", err)
	}
	staleCutoff := time.Now().Add(-workerTTL)
	for id, blob := range entries {
		var info models.WorkerInfo
		if json.Unmarshal([]byte(blob), &info) != nil || info.LastUpdate.Before(staleCutoff) {
			q.rdb.HDel(ctx, keyWorkers, id)
			removed++
		}
	}
	return removed, nil
}

func (q *RedisQueue) RegisterWorker(ctx context.Context, info models.WorkerInfo) error {
	blob, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}
	if err := q.rdb.HSet(ctx, keyWorkers, info.ID, blob).Err(); err != nil {
		return backendErr("register worker", err)
	}
	return nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, workerID, status, currentJob string) error {
	blob, err := q.rdb.HGet(ctx, keyWorkers, workerID).Result()
	if err == redis.Nil {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return backendErr("heartbeat", err)
	}
	var info models.WorkerInfo
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		return fmt.Errorf("failed to decode worker info: %w", err)
	}
	info.Status = status
	info.CurrentJob = currentJob
	info.LastUpdate = time.Now().UTC()
	return q.RegisterWorker(ctx, info)
}

func (q *RedisQueue) DeregisterWorker(ctx context.Context, workerID string) error {
	if err := q.rdb.HDel(ctx, keyWorkers, workerID).Err(); err != nil {
		return backendErr("deregister worker", err)
	}
	return nil
}

func (q *RedisQueue) Workers(ctx context.Context) ([]models.WorkerInfo, error) {
	entries, err := q.rdb.HGetAll(ctx, keyWorkers).Result()
	if err != nil {
		return nil, backendErr("list workers", err)
	}
	workers := make([]models.WorkerInfo, 0, len(entries))
	for _, blob := range entries {
		var info models.WorkerInfo
		if err := json.Unmarshal([]byte(blob), &info); err != nil {
			continue
		}
		workers = append(workers, info)
	}
	return workers, nil
}

func (q *RedisQueue) PutScan(ctx context.Context, rec *models.ScanRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal scan record: %w", err)
	}
	if err := q.rdb.Set(ctx, keyScanPrefix+rec.ID, blob, 0).Err(); err != nil {
		return backendErr("put scan", err)
	}
	return nil
}

func (q *RedisQueue) Scan(ctx context.Context, scanID string) (*models.ScanRecord, error) {
	blob, err := q.rdb.Get(ctx, keyScanPrefix+scanID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("scan %s: %w", scanID, ErrNotFound)
	}
	if err != nil {
		return nil, backendErr("get scan", err)
	}
	var rec models.ScanRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode scan record: %w", err)
	}
	return &rec, nil
}

func (q *RedisQueue) Scans(ctx context.Context) ([]*models.ScanRecord, error) {
	var recs []*models.ScanRecord
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, keyScanPrefix+"*", 100).Result()
		if err != nil {
			return nil, backendErr("list scans", err)
		}
		for _, key := range keys {
			blob, err := q.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var rec models.ScanRecord
			if err := json.Unmarshal(blob, &rec); err != nil {
				continue
			}
			recs = append(recs, &rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}
