// Package download fetches article HTML and embedded images to local
// storage and hands completed articles to the parse queue.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"genesis-connector/internal/config"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
	"genesis-connector/internal/task"
)

const (
	popTimeout   = 5 * time.Second
	imageTimeout = 15 * time.Second
	maxImages    = 10

	// Requests per host. Article hosts throttle aggressively.
	perHostRate  = rate.Limit(2)
	perHostBurst = 1
)

var browserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language":           "zh-CN,zh;q=0.9,en;q=0.8",
	"Connection":                "keep-alive",
	"Upgrade-Insecure-Requests": "1",
}

var imgSrcPattern = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)

// RunStats summarizes one download batch.
type RunStats struct {
	BatchID    string  `json:"batch_id"`
	Processed  int     `json:"processed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	StartTime  string  `json:"start_time"`
	Duration   float64 `json:"duration_seconds"`
}

// ImageInfo describes one fetched image.
type ImageInfo struct {
	URL      string `json:"url"`
	FilePath string `json:"file_path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// FailedImage records an image that could not be fetched.
type FailedImage struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Metadata is the per-article sidecar written next to the HTML.
type Metadata struct {
	ArticleID    string        `json:"article_id"`
	Title        string        `json:"title"`
	URL          string        `json:"url"`
	MPName       string        `json:"mp_name"`
	MPID         string        `json:"mp_id"`
	PublishTime  int64         `json:"publish_time"`
	DownloadInfo DownloadInfo  `json:"download_info"`
	Images       []ImageInfo   `json:"images"`
	FailedImages []FailedImage `json:"failed_images"`
}

// DownloadInfo captures how the HTML was obtained.
type DownloadInfo struct {
	DownloadedAt     string  `json:"downloaded_at"`
	HTMLFile         string  `json:"html_file"`
	HTMLSize         int     `json:"html_size"`
	HTMLEncoding     string  `json:"html_encoding"`
	ImagesDir        string  `json:"images_dir"`
	ImageCount       int     `json:"image_count"`
	ImagesFailed     int     `json:"images_failed"`
	DownloadDuration float64 `json:"download_duration"`
}

// Engine is the download stage.
type Engine struct {
	cfg    *config.Config
	queue  *queue.Queue
	store  *store.Store
	logger *slog.Logger
	hc     *http.Client

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	mu        sync.Mutex
	totals    RunStats
	lastRun   *RunStats
	startedAt time.Time
}

// New builds the download engine and creates the storage layout.
func New(cfg *config.Config, q *queue.Queue, st *store.Store, logger *slog.Logger) (*Engine, error) {
	for _, dir := range []string{"html", "images", "metadata"} {
		if err := os.MkdirAll(filepath.Join(cfg.StorageBasePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	return &Engine{
		cfg:       cfg,
		queue:     q,
		store:     st,
		logger:    logger,
		hc:        &http.Client{Timeout: cfg.DownloadTimeout},
		limiters:  make(map[string]*rate.Limiter),
		startedAt: time.Now(),
	}, nil
}

func (e *Engine) limiter(host string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	l, ok := e.limiters[host]
	if !ok {
		l = rate.NewLimiter(perHostRate, perHostBurst)
		e.limiters[host] = l
	}
	return l
}

// RunBatch drains up to maxTasks download tasks from the queue.
func (e *Engine) RunBatch(ctx context.Context, maxTasks int) (RunStats, error) {
	start := time.Now()
	stats := RunStats{
		BatchID:   uuid.NewString(),
		StartTime: start.UTC().Format(time.RFC3339),
	}

	e.logger.Info("Starting download batch", "batch_id", stats.BatchID, "max_tasks", maxTasks)

	for i := 0; i < maxTasks; i++ {
		t, err := e.queue.PopMin(ctx, queue.DownloadTasks, popTimeout)
		if err != nil {
			stats.Duration = time.Since(start).Seconds()
			e.recordRun(stats)
			return stats, err
		}
		if t == nil {
			e.logger.Debug("No more download tasks available")
			break
		}
		stats.Processed++

		e.queue.SetStatus(ctx, t.ID, "downloading", nil)
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
		e.store.IncrementStat("articles_downloaded", int64(stats.Successful))
	}

	e.logger.Info("Download batch completed",
		"successful", stats.Successful, "failed", stats.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

func (e *Engine) process(ctx context.Context, t *task.Task) error {
	if t.ID == "" || t.URL == "" {
		return task.Errorf(task.KindInvalid, "download.process", "task missing id or url")
	}

	start := time.Now()
	e.logger.Info("Downloading article", "id", t.ID, "title", truncate(t.Title, 50))

	html, encoding, err := e.downloadHTML(ctx, t.URL)
	if err != nil {
		return err
	}

	htmlPath := filepath.Join(e.cfg.StorageBasePath, "html", t.ID+".html")
	if err := writeFileAtomic(htmlPath, []byte(html)); err != nil {
		return task.Wrap(task.KindResource, "download.html", err)
	}

	images, failedImages, imagesDir := e.downloadImages(ctx, html, t.ID)

	meta := Metadata{
		ArticleID:   t.ID,
		Title:       t.Title,
		URL:         t.URL,
		MPName:      t.MPName,
		MPID:        t.MPID,
		PublishTime: t.PublishTime,
		DownloadInfo: DownloadInfo{
			DownloadedAt:     time.Now().UTC().Format(time.RFC3339),
			HTMLFile:         htmlPath,
			HTMLSize:         len(html),
			HTMLEncoding:     encoding,
			ImagesDir:        imagesDir,
			ImageCount:       len(images),
			ImagesFailed:     len(failedImages),
			DownloadDuration: time.Since(start).Seconds(),
		},
		Images:       images,
		FailedImages: failedImages,
	}
	metaPath := filepath.Join(e.cfg.StorageBasePath, "metadata", t.ID+".json")
	if err := writeMetadata(metaPath, &meta); err != nil {
		return task.Wrap(task.KindResource, "download.metadata", err)
	}

	if err := e.store.SetArtifacts(t.ID, store.Artifacts{
		HTMLFilePath:     htmlPath,
		MetadataFilePath: metaPath,
		ImagesDirPath:    imagesDir,
		ContentLength:    len(html),
		ImageCount:       len(images),
	}); err != nil {
		return err
	}
	if err := e.store.SetStageStatus(t.ID, store.StageDownload, store.StatusCompleted, ""); err != nil {
		return err
	}

	next := task.New(t.ID, t.URL, t.Title, t.MPName, t.MPID, t.Priority, task.SourceDownload)
	next.HTMLFilePath = htmlPath
	next.PublishTime = t.PublishTime
	if err := e.queue.PushNew(ctx, queue.ParseTasks, next); err != nil {
		return err
	}
	e.queue.SetStatus(ctx, t.ID, "queued_for_parse", map[string]any{
		"html_file": htmlPath,
		"images":    len(images),
	})

	return nil
}

// downloadHTML fetches the article under the per-host rate limit and
// returns decoded UTF-8 plus the source encoding name.
func (e *Engine) downloadHTML(ctx context.Context, rawURL string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", task.Wrap(task.KindInvalid, "download.url", err)
	}
	if err := e.limiter(u.Host).Wait(ctx); err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", task.Wrap(task.KindInvalid, "download.request", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.hc.Do(req)
	if err != nil {
		return "", "", task.Wrap(task.KindTransient, "download.fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", task.Errorf(task.ClassifyStatus(resp.StatusCode),
			"download.fetch", "status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", task.Wrap(task.KindTransient, "download.fetch", err)
	}

	html, encoding := decodeBody(body, resp.Header.Get("Content-Type"))
	return html, encoding, nil
}

// decodeBody converts the response to UTF-8. A missing or iso-8859-1
// declaration is treated as UTF-8, since servers default to it without
// meaning it. Undecodable bytes become U+FFFD.
func decodeBody(body []byte, contentType string) (string, string) {
	name := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		name = strings.ToLower(params["charset"])
	}
	if name == "" || name == "iso-8859-1" {
		name = "utf-8"
	}

	if name != "utf-8" {
		if enc, err := htmlindex.Get(name); err == nil {
			if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
				if canonical, err := htmlindex.Name(enc); err == nil {
					return string(decoded), canonical
				}
				return string(decoded), name
			}
		}
	}
	return strings.ToValidUTF8(string(body), "�"), "utf-8"
}

// downloadImages pulls up to maxImages referenced images into the
// article's image directory. Image failures never fail the article.
func (e *Engine) downloadImages(ctx context.Context, html, articleID string) ([]ImageInfo, []FailedImage, string) {
	imagesDir := filepath.Join(e.cfg.StorageBasePath, "images", articleID)
	if err := os.MkdirAll(imagesDir, 0755); err != nil {
		e.logger.Warn("Cannot create images dir", "id", articleID, "error", err)
		return nil, nil, imagesDir
	}

	matches := imgSrcPattern.FindAllStringSubmatch(html, -1)
	var images []ImageInfo
	var failed []FailedImage

	for i, m := range matches {
		if len(images)+len(failed) >= maxImages {
			break
		}
		imgURL := m[1]

		switch {
		case strings.HasPrefix(imgURL, "//"):
			imgURL = "https:" + imgURL
		case strings.HasPrefix(imgURL, "/"):
			// Root-relative, no base to resolve against.
			continue
		case !strings.HasPrefix(imgURL, "http://") && !strings.HasPrefix(imgURL, "https://"):
			continue
		}

		info, err := e.fetchImage(ctx, imgURL, imagesDir, i)
		if err != nil {
			e.logger.Warn("Failed to download image", "url", imgURL, "error", err)
			failed = append(failed, FailedImage{URL: imgURL, Error: err.Error()})
			continue
		}
		images = append(images, *info)
	}

	return images, failed, imagesDir
}

func (e *Engine) fetchImage(ctx context.Context, imgURL, dir string, idx int) (*ImageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imgURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserHeaders["User-Agent"])

	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	ext := path.Ext(strings.Split(imgURL, "?")[0])
	if ext == "" {
		ext = ".jpg"
	}
	filename := fmt.Sprintf("image_%02d%s", idx, ext)
	filePath := filepath.Join(dir, filename)

	f, err := os.CreateTemp(dir, ".image-*")
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), filePath)
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	return &ImageInfo{URL: imgURL, FilePath: filePath, Filename: filename, Size: size}, nil
}

func writeMetadata(path string, meta *Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, raw)
}

// writeFileAtomic writes via a temp file and rename so readers never see
// partial artifacts.
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

// maxAttempts bounds retries by failure class.
func (e *Engine) maxAttempts(err error) int {
	switch task.KindOf(err) {
	case task.KindPermanent:
		return 1
	default:
		return e.cfg.MaxDownloadRetries
	}
}

func (e *Engine) handleFailure(ctx context.Context, t *task.Task, cause error) {
	if task.Retryable(cause) && t.RetryCount < e.maxAttempts(cause) {
		t.RetryCount++
		t.ErrorMessage = cause.Error()
		if err := e.queue.PushRetry(ctx, queue.DownloadTasks, t); err != nil {
			e.logger.Error("Failed to re-queue download", "id", t.ID, "error", err)
			return
		}
		e.logger.Info("Re-queued failed download", "id", t.ID,
			"retry", t.RetryCount, "max", e.maxAttempts(cause))
		return
	}

	e.store.SetStageStatus(t.ID, store.StageDownload, store.StatusFailed, cause.Error())
	e.store.IncrementStat("articles_failed", 1)
	e.queue.PushFailed(ctx, t, cause.Error())
	e.queue.SetStatus(ctx, t.ID, "download_failed", map[string]any{"error": cause.Error()})
	e.logger.Error("Download permanently failed", "id", t.ID, "error", cause)
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

// CleanupOldFiles removes stored artifacts older than the retention
// window. Returns the number of files removed.
func (e *Engine) CleanupOldFiles(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	cleaned := 0

	err := filepath.WalkDir(e.cfg.StorageBasePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				e.logger.Warn("Failed to remove old file", "path", path, "error", err)
				return nil
			}
			cleaned++
		}
		return nil
	})

	e.logger.Info("Storage cleanup completed", "cleaned_files", cleaned, "days", days)
	return cleaned, err
}

// Healthy reports whether the queue and state store answer.
func (e *Engine) Healthy(ctx context.Context) bool {
	return e.queue.Health(ctx) == nil && e.store.Health() == nil
}

// HealthDetails reports each dependency's health check, including disk
// headroom on the storage volume.
func (e *Engine) HealthDetails(ctx context.Context) map[string]bool {
	storageOK := false
	if usage, err := disk.Usage(e.cfg.StorageBasePath); err == nil {
		storageOK = usage.UsedPercent < 95
	}
	return map[string]bool{
		"queue":   e.queue.Health(ctx) == nil,
		"store":   e.store.Health() == nil,
		"storage": storageOK,
	}
}

// Status reports service state for the HTTP surface, including disk
// headroom for the storage volume.
func (e *Engine) Status(ctx context.Context) map[string]any {
	e.mu.Lock()
	totals := e.totals
	lastRun := e.lastRun
	e.mu.Unlock()

	health := map[string]bool{
		"queue": e.queue.Health(ctx) == nil,
		"store": e.store.Health() == nil,
	}

	storageOK := false
	storage := map[string]any{}
	if usage, err := disk.Usage(e.cfg.StorageBasePath); err == nil {
		storageOK = usage.UsedPercent < 95
		storage = map[string]any{
			"path":         e.cfg.StorageBasePath,
			"free_bytes":   usage.Free,
			"used_percent": usage.UsedPercent,
		}
	}
	health["storage"] = storageOK

	healthy := true
	for _, ok := range health {
		healthy = healthy && ok
	}

	status := map[string]any{
		"service":        "download",
		"status":         "running",
		"uptime_seconds": time.Since(e.startedAt).Seconds(),
		"totals":         totals,
		"health":         health,
		"healthy":        healthy,
		"storage":        storage,
		"config": map[string]any{
			"timeout_seconds": e.cfg.DownloadTimeout.Seconds(),
			"max_retries":     e.cfg.MaxDownloadRetries,
			"storage_base":    e.cfg.StorageBasePath,
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
