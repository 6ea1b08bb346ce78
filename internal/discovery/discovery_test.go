package discovery

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"genesis-connector/internal/config"
	"genesis-connector/internal/feed"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
)

func newTestEngine(t *testing.T, feedHandler http.HandlerFunc) *Engine {
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

	srv := httptest.NewServer(feedHandler)
	t.Cleanup(srv.Close)

	cfg := config.FromEnv()
	cfg.FeedURL = srv.URL
	fc := feed.NewClient(srv.URL, 5*time.Second, logger)

	return New(cfg, fc, q, st, logger)
}

func feedWithArticles(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/articles/recent.json":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, body)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestRunOnceQueuesNewArticles(t *testing.T) {
	e := newTestEngine(t, feedWithArticles(`[
		{"id": "A1", "link": "http://h/posts/A1", "title": "one", "mp_id": "mp1",
		 "mp_name": "Pub", "publish_time": 1700000000},
		{"id": "A2", "link": "http://h/posts/A2", "title": "two", "mp_id": "mp1", "mp_name": "Pub"}
	]`))
	ctx := context.Background()

	stats, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Discovered != 2 || stats.NewArticles != 2 || stats.Errors != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	n, _ := e.queue.Size(ctx, queue.DownloadTasks)
	if n != 2 {
		t.Errorf("Expected 2 queued downloads, got %d", n)
	}

	a, err := e.store.GetArticle("A1")
	if err != nil {
		t.Fatalf("Article not registered: %v", err)
	}
	if a.DiscoveryStatus != store.StatusCompleted {
		t.Errorf("Expected discovery completed, got %q", a.DiscoveryStatus)
	}
	if a.DiscoveredAt == "" {
		t.Error("Completion must stamp discovered_at")
	}
	if a.PublishTime != 1700000000 {
		t.Errorf("Publish time not recorded on row: %d", a.PublishTime)
	}

	tasks, _ := e.queue.Sample(ctx, queue.DownloadTasks, 10)
	found := false
	for _, tk := range tasks {
		if tk.ID == "A1" {
			found = true
			if tk.PublishTime != 1700000000 {
				t.Errorf("Publish time not carried on task: %+v", tk)
			}
		}
	}
	if !found {
		t.Error("A1 missing from download queue")
	}

	s, _ := e.queue.GetStatus(ctx, "A1")
	if s == nil || s.Status != "queued_for_download" {
		t.Errorf("Expected processing marker, got %+v", s)
	}

	pubs, _ := e.store.GetPublishers(10)
	if len(pubs) != 1 || pubs[0].ArticlesCount != 2 {
		t.Errorf("Publisher not recorded: %+v", pubs)
	}
}

func TestRunOnceSuppressesDuplicates(t *testing.T) {
	e := newTestEngine(t, feedWithArticles(`[
		{"id": "A1", "link": "http://h/posts/A1", "title": "one"}
	]`))
	ctx := context.Background()

	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	stats, err := e.RunOnce(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	if stats.NewArticles != 0 || stats.Duplicates != 1 {
		t.Errorf("Expected pure duplicate run, got %+v", stats)
	}

	n, _ := e.queue.Size(ctx, queue.DownloadTasks)
	if n != 1 {
		t.Errorf("Duplicate must not enqueue again, depth %d", n)
	}
}

func TestRunOnceCountsInvalidArticles(t *testing.T) {
	e := newTestEngine(t, feedWithArticles(`[
		{"id": "A1", "link": "http://h/posts/A1", "title": "good"},
		{"title": "no url"}
	]`))

	stats, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	// The linkless entry is dropped during normalization upstream.
	if stats.Discovered != 1 || stats.NewArticles != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRunOnceFallsBackToCorpus(t *testing.T) {
	recent := time.Now().Unix() - 60
	stale := time.Now().Add(-48 * time.Hour).Unix()

	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/articles/recent.json":
			io.WriteString(w, `[]`)
		case "/feeds/all.atom":
			w.Header().Set("Content-Type", "application/atom+xml")
			io.WriteString(w, `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry><id>new</id><title>n</title><link href="http://h/posts/new"/>
    <published>`+time.Unix(recent, 0).UTC().Format(time.RFC3339)+`</published></entry>
  <entry><id>old</id><title>o</title><link href="http://h/posts/old"/>
    <published>`+time.Unix(stale, 0).UTC().Format(time.RFC3339)+`</published></entry>
</feed>`)
		default:
			http.NotFound(w, r)
		}
	})

	stats, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if stats.Discovered != 1 || stats.NewArticles != 1 {
		t.Errorf("Expected only the in-window article, got %+v", stats)
	}
}

func TestRunOnceFailsWhenFeedDown(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := e.RunOnce(context.Background()); err == nil {
		t.Error("Expected health check failure")
	}
}

func TestForceClampsWindow(t *testing.T) {
	e := newTestEngine(t, feedWithArticles(`[]`))

	if _, err := e.Force(context.Background(), 9999); err != nil {
		t.Fatalf("Force failed: %v", err)
	}
	if _, err := e.Force(context.Background(), -1); err != nil {
		t.Fatalf("Force failed: %v", err)
	}
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t, feedWithArticles(`[
		{"id": "A1", "link": "http://h/posts/A1", "title": "one"}
	]`))
	ctx := context.Background()

	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	status := e.Status(ctx)
	if status["service"] != "discovery" {
		t.Errorf("Wrong service name: %v", status["service"])
	}
	if status["healthy"] != true {
		t.Errorf("Expected healthy, got %v", status["healthy"])
	}
	totals, ok := status["totals"].(RunStats)
	if !ok || totals.NewArticles != 1 {
		t.Errorf("Unexpected totals: %+v", status["totals"])
	}
	if _, ok := status["queue_stats"]; !ok {
		t.Error("Expected queue stats in status")
	}
}
