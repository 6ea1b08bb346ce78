// Package supervisor runs the pipeline: stage worker loops, periodic
// queue reconciliation and the per-stage HTTP endpoints, with graceful
// shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"genesis-connector/internal/api"
	"genesis-connector/internal/config"
	"genesis-connector/internal/discovery"
	"genesis-connector/internal/download"
	"genesis-connector/internal/extract"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
	"genesis-connector/internal/task"
)

const (
	stageInterval   = 10 * time.Second
	cleanupInterval = 30 * time.Minute
	staleTaskAge    = 24 * time.Hour
	deadletterAge   = 24 * time.Hour
	shutdownTimeout = 5 * time.Second
)

// Supervisor owns the pipeline's long-running pieces.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	discovery *discovery.Engine
	download  *download.Engine
	extract   *extract.Engine
	queue     *queue.Queue
	store     *store.Store

	discoveryWorker *StageWorker
	downloadWorker  *StageWorker
	extractWorker   *StageWorker

	runCtx context.Context
}

// New assembles the supervisor over the shared engines.
func New(cfg *config.Config, d *discovery.Engine, dl *download.Engine,
	ex *extract.Engine, q *queue.Queue, st *store.Store, logger *slog.Logger) *Supervisor {

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		discovery: d,
		download:  dl,
		extract:   ex,
		queue:     q,
		store:     st,
	}

	s.discoveryWorker = newStageWorker("discovery", cfg.DiscoveryInterval,
		func(ctx context.Context) (bool, error) {
			_, err := d.RunOnce(ctx)
			// Discovery keeps a fixed cadence regardless of yield.
			return true, err
		}, logger)

	s.downloadWorker = newStageWorker("download", stageInterval,
		func(ctx context.Context) (bool, error) {
			stats, err := dl.RunBatch(ctx, cfg.BatchSize)
			return stats.Processed > 0, err
		}, logger)

	s.extractWorker = newStageWorker("extraction", stageInterval,
		func(ctx context.Context) (bool, error) {
			stats, err := ex.RunBatch(ctx, cfg.BatchSize)
			return stats.Processed > 0, err
		}, logger)

	return s
}

// Run starts workers, HTTP endpoints and the cleanup loop, then blocks
// until ctx is cancelled and everything has drained.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runCtx = ctx
	s.logger.Info("Pipeline starting",
		"discovery_interval", s.cfg.DiscoveryInterval, "batch_size", s.cfg.BatchSize)

	s.discoveryWorker.Start(ctx)
	s.downloadWorker.Start(ctx)
	s.extractWorker.Start(ctx)

	servers := []*api.Server{
		api.New(s.discoveryHooks(), s.logger),
		api.New(s.downloadHooks(), s.logger),
		api.New(s.extractHooks(), s.logger),
	}
	ports := []int{s.cfg.DiscoveryPort, s.cfg.DownloadPort, s.cfg.ExtractionPort}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		srv, port := srv, ports[i]
		g.Go(func() error {
			return srv.Start(s.cfg.HTTPHost, port)
		})
	}
	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}

		s.discoveryWorker.Stop()
		s.downloadWorker.Stop()
		s.extractWorker.Stop()
		return nil
	})

	err := g.Wait()
	s.logger.Info("Pipeline stopped")
	return err
}

// cleanupLoop periodically reconciles queues with on-disk artifacts and
// prunes stale entries.
func (s *Supervisor) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

// runCleanup drops download tasks whose HTML already exists, expires
// tasks stuck past the retry horizon and trims the deadletter.
func (s *Supervisor) runCleanup(ctx context.Context) {
	htmlDir := filepath.Join(s.cfg.StorageBasePath, "html")
	reconciled, err := s.queue.RemoveWhere(ctx, queue.DownloadTasks, func(t *task.Task) bool {
		_, statErr := os.Stat(filepath.Join(htmlDir, t.ID+".html"))
		return statErr == nil
	})
	if err != nil {
		s.logger.Error("Queue reconciliation failed", "error", err)
	}

	expired := 0
	for _, q := range []string{queue.DownloadTasks, queue.ParseTasks} {
		n, err := s.queue.ExpireStale(ctx, q, staleTaskAge)
		if err != nil {
			s.logger.Error("Stale task sweep failed", "queue", q, "error", err)
			continue
		}
		expired += n
	}

	trimmed, err := s.queue.TrimFailed(ctx, deadletterAge)
	if err != nil {
		s.logger.Error("Deadletter trim failed", "error", err)
	}

	s.logger.Info("Cleanup pass completed",
		"reconciled", reconciled, "expired", expired, "deadletter_trimmed", trimmed)
}

// ============= HTTP hooks =============

func (s *Supervisor) discoveryHooks() api.Hooks {
	return api.Hooks{
		Service:       "discovery",
		Status:        s.discovery.Status,
		Healthy:       s.discovery.Healthy,
		HealthDetails: s.discovery.HealthDetails,
		QueueStats:  s.queue.Stats,
		StartWorker: func() bool { return s.discoveryWorker.Start(s.runCtx) },
		StopWorker:  func() bool { return s.discoveryWorker.Stop() },
		Triggers: map[string]api.TriggerFunc{
			"discover": func(ctx context.Context, params url.Values) (any, error) {
				hours := api.QueryInt(params, "hours", 24)
				return s.discovery.Force(ctx, hours)
			},
		},
		Cleanup: func(ctx context.Context, days int) (any, error) {
			s.runCleanup(ctx)
			return map[string]any{"status": "completed"}, nil
		},
	}
}

func (s *Supervisor) downloadHooks() api.Hooks {
	return api.Hooks{
		Service:       "download",
		Status:        s.download.Status,
		Healthy:       s.download.Healthy,
		HealthDetails: s.download.HealthDetails,
		QueueStats:  s.queue.Stats,
		StartWorker: func() bool { return s.downloadWorker.Start(s.runCtx) },
		StopWorker:  func() bool { return s.downloadWorker.Stop() },
		Triggers: map[string]api.TriggerFunc{
			"download-batch": func(ctx context.Context, params url.Values) (any, error) {
				maxTasks := api.QueryInt(params, "max_tasks", s.cfg.BatchSize)
				return s.download.RunBatch(ctx, maxTasks)
			},
		},
		Cleanup: func(ctx context.Context, days int) (any, error) {
			cleaned, err := s.download.CleanupOldFiles(days)
			if err != nil {
				return nil, err
			}
			return map[string]any{"cleaned_files": cleaned}, nil
		},
	}
}

func (s *Supervisor) extractHooks() api.Hooks {
	return api.Hooks{
		Service:       "extraction",
		Status:        s.extract.Status,
		Healthy:       s.extract.Healthy,
		HealthDetails: s.extract.HealthDetails,
		QueueStats:  s.queue.Stats,
		StartWorker: func() bool { return s.extractWorker.Start(s.runCtx) },
		StopWorker:  func() bool { return s.extractWorker.Stop() },
		Triggers: map[string]api.TriggerFunc{
			"extract-batch": func(ctx context.Context, params url.Values) (any, error) {
				maxTasks := api.QueryInt(params, "max_tasks", s.cfg.BatchSize)
				return s.extract.RunBatch(ctx, maxTasks)
			},
		},
		Cleanup: func(ctx context.Context, days int) (any, error) {
			removed, err := s.extract.CleanupOldFiles(days)
			if err != nil {
				return nil, err
			}
			return map[string]any{"removed_count": removed}, nil
		},
	}
}
