// Package extract turns downloaded article HTML into clean text files,
// consuming the parse queue with a filesystem fallback for orphaned
// downloads.
package extract

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"genesis-connector/internal/config"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
	"genesis-connector/internal/task"
)

const popTimeout = 5 * time.Second

// RunStats summarizes one extraction batch.
type RunStats struct {
	BatchID    string  `json:"batch_id"`
	Processed  int     `json:"processed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	StartTime  string  `json:"start_time"`
	Duration   float64 `json:"duration_seconds"`
}

// Engine is the text extraction stage.
type Engine struct {
	cfg     *config.Config
	queue   *queue.Queue
	store   *store.Store
	logger  *slog.Logger
	htmlDir string
	textDir string

	mu        sync.Mutex
	totals    RunStats
	lastRun   *RunStats
	startedAt time.Time
}

// New builds the extraction engine and creates the text output directory.
func New(cfg *config.Config, q *queue.Queue, st *store.Store, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		queue:     q,
		store:     st,
		logger:    logger,
		htmlDir:   filepath.Join(cfg.StorageBasePath, "html"),
		textDir:   filepath.Join(cfg.StorageBasePath, "text"),
		startedAt: time.Now(),
	}
	if err := os.MkdirAll(e.textDir, 0755); err != nil {
		return nil, err
	}
	return e, nil
}

// RunBatch processes up to maxTasks extractions: queued parse tasks
// first, then orphaned HTML files that never got a text counterpart.
func (e *Engine) RunBatch(ctx context.Context, maxTasks int) (RunStats, error) {
	start := time.Now()
	stats := RunStats{
		BatchID:   uuid.NewString(),
		StartTime: start.UTC().Format(time.RFC3339),
	}

	e.logger.Info("Starting extraction batch", "batch_id", stats.BatchID, "max_tasks", maxTasks)

	var orphans []string
	scannedOrphans := false

	for i := 0; i < maxTasks; i++ {
		t, err := e.queue.PopMin(ctx, queue.ParseTasks, popTimeout)
		if err != nil {
			stats.Duration = time.Since(start).Seconds()
			e.recordRun(stats)
			return stats, err
		}

		if t == nil {
			if !scannedOrphans {
				orphans = e.findOrphanedHTML()
				scannedOrphans = true
			}
			if len(orphans) == 0 {
				e.logger.Debug("No more extraction tasks available")
				break
			}
			id := orphans[0]
			orphans = orphans[1:]
			t = task.New(id, "", "", "", "", 0, task.SourceFileScan)
		}
		stats.Processed++

		if err := e.process(ctx, t); err != nil {
			stats.Failed++
			e.handleFailure(ctx, t, err)
		} else {
			stats.Successful++
		}
	}

	stats.Duration = time.Since(start).Seconds()
	e.recordRun(stats)

	if stats.Successful > 0 {
		e.store.IncrementStat("articles_parsed", int64(stats.Successful))
	}

	e.logger.Info("Extraction batch completed",
		"successful", stats.Successful, "failed", stats.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

func (e *Engine) process(ctx context.Context, t *task.Task) error {
	if t.ID == "" {
		return task.Errorf(task.KindInvalid, "extract.process", "task missing article id")
	}

	htmlPath := t.HTMLFilePath
	if htmlPath == "" {
		htmlPath = filepath.Join(e.htmlDir, t.ID+".html")
	}

	raw, err := os.ReadFile(htmlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return task.Errorf(task.KindInvalid, "extract.read", "html file not found: %s", htmlPath)
		}
		return task.Wrap(task.KindResource, "extract.read", err)
	}

	text, err := ExtractText(string(raw))
	if err != nil {
		return err
	}

	textPath := filepath.Join(e.textDir, t.ID+".txt")
	if err := writeFileAtomic(textPath, []byte(text)); err != nil {
		return task.Wrap(task.KindResource, "extract.write", err)
	}
	extractedAt := time.Now().UTC().Format(time.RFC3339)

	// File-scan tasks may predate the state store; a missing row is fine.
	if err := e.store.SetArtifacts(t.ID, store.Artifacts{
		ContentFilePath: textPath,
		WordCount:       len(strings.Fields(text)),
	}); err != nil {
		e.logger.Debug("Could not record text artifact", "id", t.ID, "error", err)
	}
	if err := e.store.SetMetadata(t.ID, "text_extraction", map[string]any{
		"text_length":  len(text),
		"extracted_at": extractedAt,
		"output_file":  textPath,
	}); err != nil {
		e.logger.Debug("Could not record extraction metadata", "id", t.ID, "error", err)
	}
	if err := e.store.SetStageStatus(t.ID, store.StageParse, store.StatusCompleted, ""); err != nil {
		if t.Source != task.SourceFileScan {
			return err
		}
	}

	e.queue.SetStatus(ctx, t.ID, "parsed", map[string]any{
		"text_file":    textPath,
		"text_length":  len(text),
		"extracted_at": extractedAt,
	})
	e.logger.Debug("Extracted text", "id", t.ID, "bytes", len(text))
	return nil
}

// findOrphanedHTML lists article ids with a stored HTML file but no text
// output yet.
func (e *Engine) findOrphanedHTML() []string {
	entries, err := os.ReadDir(e.htmlDir)
	if err != nil {
		return nil
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".html") {
			continue
		}
		id := strings.TrimSuffix(name, ".html")
		if _, err := os.Stat(filepath.Join(e.textDir, id+".txt")); os.IsNotExist(err) {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		e.logger.Info("Found orphaned HTML files", "count", len(ids))
	}
	return ids
}

func (e *Engine) handleFailure(ctx context.Context, t *task.Task, cause error) {
	if task.Retryable(cause) && t.Source != task.SourceFileScan &&
		t.RetryCount < e.cfg.MaxExtractionRetries {
		t.RetryCount++
		t.ErrorMessage = cause.Error()
		if err := e.queue.PushRetry(ctx, queue.ParseTasks, t); err == nil {
			return
		}
	}

	// Row may not exist for file-scan tasks.
	e.store.SetStageStatus(t.ID, store.StageParse, store.StatusFailed, cause.Error())
	e.store.IncrementStat("articles_failed", 1)
	if t.Source != task.SourceFileScan {
		e.queue.PushFailed(ctx, t, cause.Error())
	}
	e.queue.SetStatus(ctx, t.ID, "parse_failed", map[string]any{"error": cause.Error()})
	e.logger.Error("Extraction failed", "id", t.ID, "error", cause)
}

func (e *Engine) recordRun(stats RunStats) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totals.Processed += stats.Processed
	e.totals.Successful += stats.Successful
	e.totals.Failed += stats.Failed
	e.totals.Skipped += stats.Skipped
	e.lastRun = &stats
}

// CleanupOldFiles removes extracted text older than the retention window.
func (e *Engine) CleanupOldFiles(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0

	entries, err := os.ReadDir(e.textDir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(e.textDir, entry.Name())
			if err := os.Remove(path); err != nil {
				e.logger.Warn("Failed to remove old text file", "path", path, "error", err)
				continue
			}
			removed++
		}
	}

	e.logger.Info("Text cleanup completed", "removed", removed, "days", days)
	return removed, nil
}

// Healthy reports whether the queue and state store answer.
func (e *Engine) Healthy(ctx context.Context) bool {
	return e.queue.Health(ctx) == nil && e.store.Health() == nil
}

// HealthDetails reports each dependency's health check.
func (e *Engine) HealthDetails(ctx context.Context) map[string]bool {
	return map[string]bool{
		"queue": e.queue.Health(ctx) == nil,
		"store": e.store.Health() == nil,
	}
}

// Status reports service state for the HTTP surface.
func (e *Engine) Status(ctx context.Context) map[string]any {
	e.mu.Lock()
	totals := e.totals
	lastRun := e.lastRun
	e.mu.Unlock()

	htmlCount := countFiles(e.htmlDir, ".html")
	textCount := countFiles(e.textDir, ".txt")

	health := map[string]bool{
		"queue": e.queue.Health(ctx) == nil,
		"store": e.store.Health() == nil,
	}
	healthy := true
	for _, ok := range health {
		healthy = healthy && ok
	}

	status := map[string]any{
		"service":              "extraction",
		"status":               "running",
		"uptime_seconds":       time.Since(e.startedAt).Seconds(),
		"totals":               totals,
		"health":               health,
		"healthy":              healthy,
		"html_files_count":     htmlCount,
		"text_files_count":     textCount,
		"remaining_to_process": htmlCount - textCount,
		"html_dir":             e.htmlDir,
		"output_dir":           e.textDir,
	}
	if lastRun != nil {
		status["last_run"] = *lastRun
	}
	if qs, err := e.queue.Stats(ctx); err == nil {
		status["queue_stats"] = qs
	}
	return status
}

func countFiles(dir, ext string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ext) {
			n++
		}
	}
	return n
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), path)
	}
	if err != nil {
		os.Remove(f.Name())
	}
	return err
}
