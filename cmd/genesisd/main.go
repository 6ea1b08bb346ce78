package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"genesis-connector/internal/config"
	"genesis-connector/internal/discovery"
	"genesis-connector/internal/download"
	"genesis-connector/internal/extract"
	"genesis-connector/internal/feed"
	"genesis-connector/internal/logger"
	"genesis-connector/internal/queue"
	"genesis-connector/internal/store"
	"genesis-connector/internal/supervisor"
)

func main() {
	cfg := config.FromEnv()

	log, err := logger.New(os.Stderr, cfg.LogFile, logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		println("Error initializing logger:", err.Error())
		os.Exit(1)
	}

	q, err := queue.New(cfg.QueueURL, log)
	if err != nil {
		log.Error("Cannot connect to queue substrate", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	st, err := store.New(cfg.StateURL, log)
	if err != nil {
		log.Error("Cannot open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	fc := feed.NewClient(cfg.FeedURL, cfg.FeedTimeout, log)

	disc := discovery.New(cfg, fc, q, st, log)
	dl, err := download.New(cfg, q, st, log)
	if err != nil {
		log.Error("Cannot initialize download engine", "error", err)
		os.Exit(1)
	}
	ex, err := extract.New(cfg, q, st, log)
	if err != nil {
		log.Error("Cannot initialize extraction engine", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(cfg, disc, dl, ex, q, st, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("Pipeline failed", "error", err)
		os.Exit(1)
	}
}
