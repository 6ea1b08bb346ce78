// Package discovery pulls new articles from the feed aggregator,
// suppresses duplicates and seeds the download queue.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"genesis-connector/internal/config"
	"genesis-connector/internal/feed"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
	"genesis-connector/internal/task"
)

const (
	discoveryWindow = 24 * time.Hour
	recentLimit     = 1000
	forceLimit      = 2000
)

// RunStats summarizes one discovery pass.
type RunStats struct {
	BatchID     string  `json:"batch_id"`
	Discovered  int     `json:"discovered"`
	NewArticles int     `json:"new_articles"`
	Duplicates  int     `json:"duplicates"`
	Errors      int     `json:"errors"`
	StartTime   string  `json:"start_time"`
	Duration    float64 `json:"duration_seconds"`
}

// Engine is the discovery stage.
type Engine struct {
	cfg    *config.Config
	feed   *feed.Client
	queue  *queue.Queue
	store  *store.Store
	logger *slog.Logger

	mu        sync.Mutex
	totals    RunStats
	lastRun   *RunStats
	startedAt time.Time
}

// New builds the discovery engine on shared pipeline handles.
func New(cfg *config.Config, fc *feed.Client, q *queue.Queue, st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		feed:      fc,
		queue:     q,
		store:     st,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// RunOnce performs a discovery pass over the default window.
func (e *Engine) RunOnce(ctx context.Context) (RunStats, error) {
	return e.run(ctx, discoveryWindow, recentLimit)
}

// Force discovers over an explicit window, for operator-triggered
// backfills. hours is clamped to [1, 168].
func (e *Engine) Force(ctx context.Context, hours int) (RunStats, error) {
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}
	e.logger.Info("Force discovery requested", "hours", hours)
	return e.run(ctx, time.Duration(hours)*time.Hour, forceLimit)
}

func (e *Engine) run(ctx context.Context, window time.Duration, limit int) (RunStats, error) {
	start := time.Now()
	stats := RunStats{
		BatchID:   uuid.NewString(),
		StartTime: start.UTC().Format(time.RFC3339),
	}

	e.logger.Info("Starting content discovery", "batch_id", stats.BatchID, "window", window)

	if err := e.healthCheck(ctx); err != nil {
		stats.Errors++
		stats.Duration = time.Since(start).Seconds()
		e.recordRun(stats)
		return stats, err
	}

	articles, err := e.fetchArticles(ctx, window, limit)
	if err != nil {
		stats.Errors++
		stats.Duration = time.Since(start).Seconds()
		e.recordRun(stats)
		return stats, err
	}
	stats.Discovered = len(articles)

	for i := range articles {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start).Seconds()
			e.recordRun(stats)
			return stats, ctx.Err()
		default:
		}

		switch e.processArticle(ctx, &articles[i]) {
		case resultNew:
			stats.NewArticles++
		case resultDuplicate:
			stats.Duplicates++
		case resultError:
			stats.Errors++
		}
	}

	stats.Duration = time.Since(start).Seconds()
	e.recordRun(stats)

	if stats.NewArticles > 0 {
		e.store.IncrementStat("articles_discovered", int64(stats.NewArticles))
	}
	if stats.Duplicates > 0 {
		e.store.IncrementStat("duplicates_suppressed", int64(stats.Duplicates))
	}

	e.logger.Info("Discovery completed",
		"new", stats.NewArticles, "duplicates", stats.Duplicates,
		"errors", stats.Errors, "duration", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// Healthy reports whether every dependency answers.
func (e *Engine) Healthy(ctx context.Context) bool {
	return e.healthCheck(ctx) == nil
}

// HealthDetails reports each dependency's health check.
func (e *Engine) HealthDetails(ctx context.Context) map[string]bool {
	return map[string]bool{
		"feed":  e.feed.Health(ctx),
		"queue": e.queue.Health(ctx) == nil,
		"store": e.store.Health() == nil,
	}
}

func (e *Engine) healthCheck(ctx context.Context) error {
	if !e.feed.Health(ctx) {
		return task.Errorf(task.KindDependency, "discovery.health", "feed aggregator unreachable")
	}
	if err := e.queue.Health(ctx); err != nil {
		return err
	}
	return e.store.Health()
}

// fetchArticles prefers the recent-articles endpoint and falls back to the
// full corpus filtered by publish time.
func (e *Engine) fetchArticles(ctx context.Context, window time.Duration, limit int) ([]feed.Article, error) {
	articles, err := e.feed.RecentArticles(ctx, window, limit)
	if err != nil {
		return nil, err
	}
	if len(articles) > 0 {
		return articles, nil
	}

	e.logger.Info("Recent endpoint empty, falling back to full corpus")
	all, err := e.feed.AllArticles(ctx, limit)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-window).Unix()
	recent := all[:0]
	for _, a := range all {
		if a.PublishTime > cutoff {
			recent = append(recent, a)
		}
	}
	e.logger.Info("Filtered corpus to window", "total", len(all), "recent", len(recent))
	return recent, nil
}

type processResult int

const (
	resultNew processResult = iota
	resultDuplicate
	resultError
)

func (e *Engine) processArticle(ctx context.Context, a *feed.Article) processResult {
	if a.ID == "" || a.URL == "" {
		e.logger.Warn("Invalid article data", "id", a.ID, "url", a.URL)
		return resultError
	}

	fresh, err := e.queue.DedupCheckAndAdd(ctx, a.ID, a.URL)
	if err != nil {
		e.logger.Error("Dedup check failed", "id", a.ID, "error", err)
		return resultError
	}
	if !fresh {
		return resultDuplicate
	}

	created, err := e.store.RegisterArticle(&store.Article{
		ArticleID:       a.ID,
		URL:             a.URL,
		Title:           truncate(a.Title, 512),
		MPName:          truncate(a.MPName, 256),
		MPID:            truncate(a.MPID, 255),
		PublishTime:     a.PublishTime,
		DiscoveryStatus: store.StatusProcessing,
	})
	if err != nil {
		e.logger.Error("Failed to register article", "id", a.ID, "error", err)
		return resultError
	}
	if !created {
		return resultDuplicate
	}

	t := task.New(a.ID, a.URL, a.Title, a.MPName, a.MPID, a.Priority, task.SourceDiscovery)
	t.PublishTime = a.PublishTime
	if err := e.queue.PushNew(ctx, queue.DownloadTasks, t); err != nil {
		e.logger.Error("Failed to queue article for download", "id", a.ID, "error", err)
		e.store.SetStageStatus(a.ID, store.StageDiscovery, store.StatusFailed,
			"failed to add to download queue")
		return resultError
	}

	e.store.SetStageStatus(a.ID, store.StageDiscovery, store.StatusCompleted, "")
	e.store.RecordPublisher(a.MPID, a.MPName)
	e.queue.SetStatus(ctx, a.ID, "queued_for_download", map[string]any{
		"discovered_at": time.Now().UTC().Format(time.RFC3339),
	})

	e.logger.Debug("New article queued", "id", a.ID, "publisher", a.MPName)
	return resultNew
}

func (e *Engine) recordRun(stats RunStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totals.Discovered += stats.Discovered
	e.totals.NewArticles += stats.NewArticles
	e.totals.Duplicates += stats.Duplicates
	e.totals.Errors += stats.Errors
	e.lastRun = &stats
}

// Status reports service state for the HTTP surface.
func (e *Engine) Status(ctx context.Context) map[string]any {
	e.mu.Lock()
	totals := e.totals
	lastRun := e.lastRun
	e.mu.Unlock()

	health := map[string]bool{
		"feed":  e.feed.Health(ctx),
		"queue": e.queue.Health(ctx) == nil,
		"store": e.store.Health() == nil,
	}
	healthy := true
	for _, ok := range health {
		healthy = healthy && ok
	}

	status := map[string]any{
		"service":        "discovery",
		"status":         "running",
		"uptime_seconds": time.Since(e.startedAt).Seconds(),
		"totals":         totals,
		"health":         health,
		"healthy":        healthy,
		"config": map[string]any{
			"interval_seconds": e.cfg.DiscoveryInterval.Seconds(),
			"batch_size":       e.cfg.BatchSize,
			"feed_url":         e.cfg.FeedURL,
		},
	}
	if lastRun != nil {
		status["last_run"] = *lastRun
	}

	if qs, err := e.queue.Stats(ctx); err == nil {
		status["queue_stats"] = qs
	}
	return status
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
