// Package queue implements the durable task queue substrate on Redis:
// score-ordered sorted sets per stage, a deadletter list, a dedup set, a
// short-lived per-article status cache and advisory counters.
package queue

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"genesis-connector/internal/task"
)

// Queue names. StorageTasks is declared for parity with the wire layout but
// nothing populates it yet.
const (
	DownloadTasks = "download_tasks"
	ParseTasks    = "parse_tasks"
	StorageTasks  = "storage_tasks"
	FailedTasks   = "failed_tasks"

	dedupSet     = "duplicate_check"
	statusPrefix = "processing_status"
	statsPrefix  = "stats:"
)

const (
	dedupTTL   = 30 * 24 * time.Hour
	statusTTL  = 24 * time.Hour
	counterTTL = 7 * 24 * time.Hour

	// Poll granularity for blocking pops. BZPOPMIN would hand out tasks
	// scheduled in the future, so eligibility is checked server-side.
	popPollInterval = 200 * time.Millisecond
)

// popEligible atomically claims the earliest member whose score is due.
var popEligible = redis.NewScript(`
local res = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #res == 0 then return false end
redis.call('ZREM', KEYS[1], res[1])
return res[1]`)

// Queue is the shared handle to the substrate. Construct once at startup,
// close at shutdown.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(url string, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, task.Wrap(task.KindDependency, "queue.connect", err)
	}

	logger.Info("Queue substrate connected", "url", url)
	return &Queue{rdb: rdb, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

func (q *Queue) Close() error { return q.rdb.Close() }

// Health pings the substrate.
func (q *Queue) Health(ctx context.Context) error {
	return task.Wrap(task.KindDependency, "queue.ping", q.rdb.Ping(ctx).Err())
}

// Push adds an envelope with an explicit score.
func (q *Queue) Push(ctx context.Context, queue string, t *task.Task, score float64) error {
	raw, err := t.Marshal()
	if err != nil {
		return task.Wrap(task.KindInvalid, "queue.push", err)
	}
	if err := q.rdb.ZAdd(ctx, queue, redis.Z{Score: score, Member: raw}).Err(); err != nil {
		return task.Wrap(task.KindDependency, "queue.push", err)
	}
	q.IncrCounter(ctx, queue, "added")
	return nil
}

// PushNew enqueues a fresh task: higher priority sorts earlier.
func (q *Queue) PushNew(ctx context.Context, queue string, t *task.Task) error {
	return q.Push(ctx, queue, t, task.Score(time.Now(), t.Priority))
}

// PushRetry re-enqueues a failed task with a future eligibility score
// derived from its retry count.
func (q *Queue) PushRetry(ctx context.Context, queue string, t *task.Task) error {
	t.LastRetryAt = time.Now().UTC().Format(time.RFC3339)
	delay := task.Backoff(t.RetryCount - 1)
	if err := q.Push(ctx, queue, t, task.RetryScore(time.Now(), t.RetryCount-1)); err != nil {
		return err
	}
	q.logger.Info("Task scheduled for retry", "id", t.ID, "queue", queue,
		"retry", t.RetryCount, "delay", delay)
	return nil
}

// PopMin blocks up to timeout for the earliest eligible envelope. Tasks
// with future scores stay queued until due. Returns nil when nothing is
// eligible within the window.
func (q *Queue) PopMin(ctx context.Context, queue string, timeout time.Duration) (*task.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		res, err := popEligible.Run(ctx, q.rdb, []string{queue}, time.Now().Unix()).Result()
		if err != nil && err != redis.Nil {
			return nil, task.Wrap(task.KindDependency, "queue.pop", err)
		}
		if err == nil {
			raw, ok := res.(string)
			if !ok {
				return nil, task.Errorf(task.KindDependency, "queue.pop", "unexpected reply %T", res)
			}
			t, err := task.Unmarshal(raw)
			if err != nil {
				// Poisoned member, already removed from the set.
				q.logger.Warn("Dropping malformed queue member", "queue", queue, "error", err)
				continue
			}
			q.IncrCounter(ctx, queue, "processed")
			return t, nil
		}

		if timeout <= 0 || !time.Now().Add(popPollInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(popPollInterval):
		}
	}
}

// Remove deletes a specific raw member from a sorted-set queue.
func (q *Queue) Remove(ctx context.Context, queue, raw string) error {
	return task.Wrap(task.KindDependency, "queue.remove", q.rdb.ZRem(ctx, queue, raw).Err())
}

// RemoveWhere drops every member matching pred. Unparsable members are
// dropped too. Returns the number removed.
func (q *Queue) RemoveWhere(ctx context.Context, queue string, pred func(*task.Task) bool) (int, error) {
	members, err := q.rdb.ZRange(ctx, queue, 0, -1).Result()
	if err != nil {
		return 0, task.Wrap(task.KindDependency, "queue.scan", err)
	}
	removed := 0
	for _, raw := range members {
		t, err := task.Unmarshal(raw)
		if err != nil || pred(t) {
			if err := q.rdb.ZRem(ctx, queue, raw).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Size returns the queue depth. The deadletter is a list, everything else
// a sorted set.
func (q *Queue) Size(ctx context.Context, queue string) (int64, error) {
	var n int64
	var err error
	if queue == FailedTasks {
		n, err = q.rdb.LLen(ctx, queue).Result()
	} else {
		n, err = q.rdb.ZCard(ctx, queue).Result()
	}
	return n, task.Wrap(task.KindDependency, "queue.size", err)
}

// Sample returns up to n decoded envelopes for inspection, skipping
// malformed members.
func (q *Queue) Sample(ctx context.Context, queue string, n int64) ([]*task.Task, error) {
	var members []string
	var err error
	if queue == FailedTasks {
		members, err = q.rdb.LRange(ctx, queue, 0, n-1).Result()
	} else {
		members, err = q.rdb.ZRange(ctx, queue, 0, n-1).Result()
	}
	if err != nil {
		return nil, task.Wrap(task.KindDependency, "queue.sample", err)
	}

	out := make([]*task.Task, 0, len(members))
	for _, raw := range members {
		if t, err := task.Unmarshal(raw); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// DedupKey hashes the article identity used for duplicate suppression.
func DedupKey(articleID, url string) string {
	sum := md5.Sum([]byte(articleID + ":" + url))
	return hex.EncodeToString(sum[:])
}

// DedupCheckAndAdd reports whether the article identity is new. A new
// identity is recorded with a 30-day TTL; repeats return false until the
// TTL lapses.
func (q *Queue) DedupCheckAndAdd(ctx context.Context, articleID, url string) (bool, error) {
	key := DedupKey(articleID, url)
	added, err := q.rdb.SAdd(ctx, dedupSet, key).Result()
	if err != nil {
		return false, task.Wrap(task.KindDependency, "queue.dedup", err)
	}
	q.rdb.Expire(ctx, dedupSet, dedupTTL)
	return added == 1, nil
}

// Status is the short-lived processing marker kept per article.
type Status struct {
	Status    string         `json:"status"`
	UpdatedAt string         `json:"updated_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// SetStatus stores the processing marker with a 24-hour TTL.
func (q *Queue) SetStatus(ctx context.Context, articleID, status string, details map[string]any) error {
	payload, err := json.Marshal(Status{
		Status:    status,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	})
	if err != nil {
		return task.Wrap(task.KindInvalid, "queue.status", err)
	}
	key := statusPrefix + ":" + articleID
	return task.Wrap(task.KindDependency, "queue.status",
		q.rdb.Set(ctx, key, payload, statusTTL).Err())
}

// GetStatus fetches the processing marker, nil when absent or expired.
func (q *Queue) GetStatus(ctx context.Context, articleID string) (*Status, error) {
	raw, err := q.rdb.Get(ctx, statusPrefix+":"+articleID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, task.Wrap(task.KindDependency, "queue.status", err)
	}
	var s Status
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, task.Wrap(task.KindParse, "queue.status", err)
	}
	return &s, nil
}

// IncrCounter bumps the advisory per-queue counter. Counters are never
// consulted for correctness, so failures only log.
func (q *Queue) IncrCounter(ctx context.Context, queue, action string) {
	key := statsPrefix + queue + ":" + action
	if err := q.rdb.Incr(ctx, key).Err(); err != nil {
		q.logger.Debug("Counter increment failed", "key", key, "error", err)
		return
	}
	q.rdb.Expire(ctx, key, counterTTL)
}

// Stats gathers queue depths, counters and the live status count.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	queues := []string{DownloadTasks, ParseTasks, StorageTasks, FailedTasks}

	for _, queue := range queues {
		n, err := q.Size(ctx, queue)
		if err != nil {
			return nil, err
		}
		stats[queue+"_length"] = n
	}

	for _, action := range []string{"added", "processed", "failed"} {
		for _, queue := range queues {
			raw, err := q.rdb.Get(ctx, statsPrefix+queue+":"+action).Result()
			if err == redis.Nil {
				stats[queue+"_"+action] = 0
				continue
			}
			if err != nil {
				return nil, task.Wrap(task.KindDependency, "queue.stats", err)
			}
			var n int64
			fmt.Sscanf(raw, "%d", &n)
			stats[queue+"_"+action] = n
		}
	}

	keys, err := q.rdb.Keys(ctx, statusPrefix+":*").Result()
	if err != nil {
		return nil, task.Wrap(task.KindDependency, "queue.stats", err)
	}
	stats["current_processing"] = int64(len(keys))

	return stats, nil
}

// PushFailed moves an envelope to the deadletter list with its final error.
func (q *Queue) PushFailed(ctx context.Context, t *task.Task, errMsg string) error {
	t.ErrorMessage = errMsg
	t.FailedAt = time.Now().UTC().Format(time.RFC3339)

	raw, err := t.Marshal()
	if err != nil {
		return task.Wrap(task.KindInvalid, "queue.deadletter", err)
	}
	if err := q.rdb.LPush(ctx, FailedTasks, raw).Err(); err != nil {
		return task.Wrap(task.KindDependency, "queue.deadletter", err)
	}
	q.IncrCounter(ctx, FailedTasks, "added")
	q.logger.Warn("Task moved to deadletter", "id", t.ID, "error", errMsg)
	return nil
}

// TrimFailed drops deadletter entries older than maxAge. Entries without a
// parsable failed_at stamp are dropped too.
func (q *Queue) TrimFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	members, err := q.rdb.LRange(ctx, FailedTasks, 0, -1).Result()
	if err != nil {
		return 0, task.Wrap(task.KindDependency, "queue.trim", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, raw := range members {
		t, err := task.Unmarshal(raw)
		drop := err != nil
		if !drop {
			failedAt, perr := time.Parse(time.RFC3339, t.FailedAt)
			drop = perr != nil || failedAt.Before(cutoff)
		}
		if drop {
			if err := q.rdb.LRem(ctx, FailedTasks, 1, raw).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ExpireStale deadletters sorted-set members whose score fell more than
// maxAge behind, meaning they sat unclaimed past any retry horizon.
func (q *Queue) ExpireStale(ctx context.Context, queue string, maxAge time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-maxAge).Unix())
	members, err := q.rdb.ZRangeByScore(ctx, queue, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", cutoff),
	}).Result()
	if err != nil {
		return 0, task.Wrap(task.KindDependency, "queue.expire", err)
	}

	moved := 0
	for _, raw := range members {
		if err := q.rdb.ZRem(ctx, queue, raw).Err(); err != nil {
			continue
		}
		if t, err := task.Unmarshal(raw); err == nil {
			q.PushFailed(ctx, t, fmt.Sprintf("task expired (>%s in queue)", maxAge))
		}
		moved++
	}
	return moved, nil
}
