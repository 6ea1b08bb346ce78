package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"genesis-connector/internal/config"
	"genesis-connector/internal/discovery"
	"genesis-connector/internal/download"
	"genesis-connector/internal/extract"
	"genesis-connector/internal/feed"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
	"genesis-connector/internal/task"
)

func TestStageWorkerStartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var passes atomic.Int32

	w := newStageWorker("test", 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		passes.Add(1)
		return true, nil
	}, logger)

	ctx := context.Background()
	if !w.Start(ctx) {
		t.Fatal("First start must change state")
	}
	if w.Start(ctx) {
		t.Error("Second start must be a no-op")
	}
	if !w.Running() {
		t.Error("Worker must report running")
	}

	deadline := time.After(2 * time.Second)
	for passes.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("Worker never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !w.Stop() {
		t.Error("First stop must change state")
	}
	if w.Stop() {
		t.Error("Second stop must be a no-op")
	}
	if w.Running() {
		t.Error("Worker must report stopped")
	}

	n := passes.Load()
	time.Sleep(50 * time.Millisecond)
	if passes.Load() != n {
		t.Error("Worker kept running after stop")
	}
}

func TestStageWorkerStopBoundsWait(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	block := make(chan struct{})
	defer close(block)

	w := newStageWorker("stuck", time.Millisecond, func(ctx context.Context) (bool, error) {
		<-block
		return true, nil
	}, logger)
	w.stopWait = 50 * time.Millisecond

	w.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	if !w.Stop() {
		t.Error("Stop must report a state change")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop must give up after the wait bound, took %v", elapsed)
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *queue.Queue, *config.Config) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewWithClient(rdb, logger)

	st, err := store.New(filepath.Join(t.TempDir(), "state.db"), logger)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.FromEnv()
	cfg.StorageBasePath = t.TempDir()

	fc := feed.NewClient("http://127.0.0.1:1", time.Second, logger)
	d := discovery.New(cfg, fc, q, st, logger)
	dl, err := download.New(cfg, q, st, logger)
	if err != nil {
		t.Fatalf("download.New failed: %v", err)
	}
	ex, err := extract.New(cfg, q, st, logger)
	if err != nil {
		t.Fatalf("extract.New failed: %v", err)
	}

	return New(cfg, d, dl, ex, q, st, logger), q, cfg
}

func TestRunCleanupReconcilesDownloadedTasks(t *testing.T) {
	s, q, cfg := newTestSupervisor(t)
	ctx := context.Background()

	// Task whose HTML artifact already exists should be dropped.
	done := task.New("done", "http://h/done", "", "", "", 0, task.SourceDiscovery)
	q.PushNew(ctx, queue.DownloadTasks, done)
	htmlPath := filepath.Join(cfg.StorageBasePath, "html", "done.html")
	if err := os.WriteFile(htmlPath, []byte("<html></html>"), 0644); err != nil {
		t.Fatal(err)
	}

	pending := task.New("pending", "http://h/pending", "", "", "", 0, task.SourceDiscovery)
	q.PushNew(ctx, queue.DownloadTasks, pending)

	s.runCleanup(ctx)

	tasks, err := q.Sample(ctx, queue.DownloadTasks, 10)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "pending" {
		t.Errorf("Expected only pending task to survive, got %+v", tasks)
	}
}

func TestRunCleanupExpiresStaleTasks(t *testing.T) {
	s, q, _ := newTestSupervisor(t)
	ctx := context.Background()

	stale := task.New("stale", "http://h/stale", "", "", "", 0, task.SourceDiscovery)
	score := float64(time.Now().Add(-25 * time.Hour).Unix())
	if err := q.Push(ctx, queue.ParseTasks, stale, score); err != nil {
		t.Fatal(err)
	}

	s.runCleanup(ctx)

	n, _ := q.Size(ctx, queue.ParseTasks)
	if n != 0 {
		t.Errorf("Stale task must be swept, depth %d", n)
	}
	n, _ = q.Size(ctx, queue.FailedTasks)
	if n != 1 {
		t.Errorf("Swept task must land in deadletter, depth %d", n)
	}
}

func TestHooksControlWorkers(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	s.runCtx = context.Background()

	hooks := s.downloadHooks()
	if hooks.Service != "download" {
		t.Fatalf("Wrong service: %s", hooks.Service)
	}

	if !hooks.StartWorker() {
		t.Error("Start must change state")
	}
	if hooks.StartWorker() {
		t.Error("Repeat start must be a no-op")
	}
	if !hooks.StopWorker() {
		t.Error("Stop must change state")
	}
}
