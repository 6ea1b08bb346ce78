package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// passFunc runs one worker pass and reports whether it found work.
type passFunc func(ctx context.Context) (worked bool, err error)

const stopWaitDefault = 5 * time.Second

// StageWorker runs a stage's batch loop with start/stop control. After an
// empty pass it backs off to twice the interval.
type StageWorker struct {
	name     string
	interval time.Duration
	stopWait time.Duration
	pass     passFunc
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newStageWorker(name string, interval time.Duration, pass passFunc, logger *slog.Logger) *StageWorker {
	return &StageWorker{
		name:     name,
		interval: interval,
		stopWait: stopWaitDefault,
		pass:     pass,
		logger:   logger,
	}
}

// Start launches the worker loop. Reports whether the state changed.
func (w *StageWorker) Start(parent context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx)
	w.logger.Info("Worker started", "worker", w.name)
	return true
}

// Stop cancels the loop and waits up to stopWait for the current pass to
// finish. Reports whether the state changed.
func (w *StageWorker) Stop() bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false
	}
	cancel := w.cancel
	done := w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.logger.Info("Worker stopped", "worker", w.name)
	case <-time.After(w.stopWait):
		w.logger.Warn("Worker did not drain in time", "worker", w.name, "wait", w.stopWait)
	}
	return true
}

// Running reports whether the loop is live.
func (w *StageWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *StageWorker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		worked, err := w.pass(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("Worker pass failed", "worker", w.name, "error", err)
		}

		sleep := w.interval
		if !worked {
			sleep = 2 * w.interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
