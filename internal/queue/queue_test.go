package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"genesis-connector/internal/task"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithClient(rdb, logger), mr
}

func TestPushPopOrdersByPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low := task.New("low", "http://h/low", "", "", "", 0, task.SourceDiscovery)
	high := task.New("high", "http://h/high", "", "", "", 3, task.SourceDiscovery)

	if err := q.PushNew(ctx, DownloadTasks, low); err != nil {
		t.Fatalf("PushNew failed: %v", err)
	}
	if err := q.PushNew(ctx, DownloadTasks, high); err != nil {
		t.Fatalf("PushNew failed: %v", err)
	}

	got, err := q.PopMin(ctx, DownloadTasks, 0)
	if err != nil {
		t.Fatalf("PopMin failed: %v", err)
	}
	if got == nil || got.ID != "high" {
		t.Errorf("Expected high-priority task first, got %+v", got)
	}

	got, err = q.PopMin(ctx, DownloadTasks, 0)
	if err != nil {
		t.Fatalf("PopMin failed: %v", err)
	}
	if got == nil || got.ID != "low" {
		t.Errorf("Expected low-priority task second, got %+v", got)
	}
}

func TestPopSkipsFutureScores(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	retry := task.New("retry", "http://h/retry", "", "", "", 0, task.SourceDiscovery)
	retry.RetryCount = 1
	if err := q.PushRetry(ctx, DownloadTasks, retry); err != nil {
		t.Fatalf("PushRetry failed: %v", err)
	}

	got, err := q.PopMin(ctx, DownloadTasks, 0)
	if err != nil {
		t.Fatalf("PopMin failed: %v", err)
	}
	if got != nil {
		t.Errorf("Future-scheduled task must not pop, got %+v", got)
	}

	n, err := q.Size(ctx, DownloadTasks)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected task to stay queued, depth %d", n)
	}
}

func TestPopEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	got, err := q.PopMin(context.Background(), ParseTasks, 0)
	if err != nil {
		t.Fatalf("PopMin failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil from empty queue, got %+v", got)
	}
}

func TestDedupCheckAndAdd(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.DedupCheckAndAdd(ctx, "A1", "http://h/a")
	if err != nil {
		t.Fatalf("DedupCheckAndAdd failed: %v", err)
	}
	if !first {
		t.Error("First sighting must report new")
	}

	second, err := q.DedupCheckAndAdd(ctx, "A1", "http://h/a")
	if err != nil {
		t.Fatalf("DedupCheckAndAdd failed: %v", err)
	}
	if second {
		t.Error("Repeat sighting must report duplicate")
	}

	other, err := q.DedupCheckAndAdd(ctx, "A1", "http://h/other")
	if err != nil {
		t.Fatalf("DedupCheckAndAdd failed: %v", err)
	}
	if !other {
		t.Error("Same id with different url is a distinct identity")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.SetStatus(ctx, "A1", "downloading", map[string]any{"attempt": 1}); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	s, err := q.GetStatus(ctx, "A1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if s == nil || s.Status != "downloading" {
		t.Errorf("Unexpected status: %+v", s)
	}

	missing, err := q.GetStatus(ctx, "nope")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown article, got %+v", missing)
	}
}

func TestStatusExpires(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.SetStatus(ctx, "A1", "downloading", nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	mr.FastForward(25 * time.Hour)

	s, err := q.GetStatus(ctx, "A1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if s != nil {
		t.Errorf("Expected status to expire after 24h, got %+v", s)
	}
}

func TestDeadletterAndTrim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	old := task.New("old", "http://h/old", "", "", "", 0, task.SourceDiscovery)
	if err := q.PushFailed(ctx, old, "gave up"); err != nil {
		t.Fatalf("PushFailed failed: %v", err)
	}
	// Backdate past the retention window.
	old.FailedAt = time.Now().Add(-25 * time.Hour).UTC().Format(time.RFC3339)

	fresh := task.New("fresh", "http://h/fresh", "", "", "", 0, task.SourceDiscovery)
	if err := q.PushFailed(ctx, fresh, "gave up"); err != nil {
		t.Fatalf("PushFailed failed: %v", err)
	}

	// Re-push the backdated copy so the list holds one stale entry.
	q.rdb.Del(ctx, FailedTasks)
	rawOld, _ := old.Marshal()
	rawFresh, _ := fresh.Marshal()
	q.rdb.LPush(ctx, FailedTasks, rawOld, rawFresh)

	removed, err := q.TrimFailed(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("TrimFailed failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 stale entry trimmed, got %d", removed)
	}

	n, _ := q.Size(ctx, FailedTasks)
	if n != 1 {
		t.Errorf("Expected 1 entry left, got %d", n)
	}

	tasks, err := q.Sample(ctx, FailedTasks, 10)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "fresh" {
		t.Errorf("Wrong survivor: %+v", tasks)
	}
	if tasks[0].ErrorMessage != "gave up" {
		t.Errorf("Deadletter must carry the final error, got %q", tasks[0].ErrorMessage)
	}
}

func TestRemoveWhere(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"keep", "drop1", "drop2"} {
		tk := task.New(id, "http://h/"+id, "", "", "", 0, task.SourceDiscovery)
		if err := q.PushNew(ctx, DownloadTasks, tk); err != nil {
			t.Fatalf("PushNew failed: %v", err)
		}
	}

	removed, err := q.RemoveWhere(ctx, DownloadTasks, func(tk *task.Task) bool {
		return tk.ID != "keep"
	})
	if err != nil {
		t.Fatalf("RemoveWhere failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}

	n, _ := q.Size(ctx, DownloadTasks)
	if n != 1 {
		t.Errorf("Expected 1 remaining, got %d", n)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk := task.New("A1", "http://h/a", "", "", "", 0, task.SourceDiscovery)
	if err := q.PushNew(ctx, DownloadTasks, tk); err != nil {
		t.Fatalf("PushNew failed: %v", err)
	}
	if err := q.SetStatus(ctx, "A1", "queued", nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["download_tasks_length"] != 1 {
		t.Errorf("Expected depth 1, got %d", stats["download_tasks_length"])
	}
	if stats["download_tasks_added"] != 1 {
		t.Errorf("Expected added counter 1, got %d", stats["download_tasks_added"])
	}
	if stats["current_processing"] != 1 {
		t.Errorf("Expected 1 live status, got %d", stats["current_processing"])
	}
}

func TestExpireStale(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk := task.New("stale", "http://h/stale", "", "", "", 0, task.SourceDiscovery)
	stale := float64(time.Now().Add(-25 * time.Hour).Unix())
	if err := q.Push(ctx, DownloadTasks, tk, stale); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	moved, err := q.ExpireStale(ctx, DownloadTasks, 24*time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if moved != 1 {
		t.Errorf("Expected 1 task expired, got %d", moved)
	}

	n, _ := q.Size(ctx, FailedTasks)
	if n != 1 {
		t.Errorf("Expired task must land in deadletter, depth %d", n)
	}
}
