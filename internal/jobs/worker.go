package jobs

import (
	"context"
	"log/slog"
	"time"
)

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// Worker runs a JobProcessor on a fixed interval until stopped.
type Worker struct {
	name         string
	processor    JobProcessor
	pollInterval time.Duration
	runOnStart   bool
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// NewWorker creates a new Worker instance
func NewWorker(name string, processor JobProcessor, pollInterval time.Duration) *Worker {
	return &Worker{
		name:         name,
		processor:    processor,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// RunOnStart makes the worker process once immediately instead of waiting a
// full interval.
func (w *Worker) RunOnStart() *Worker {
	w.runOnStart = true
	return w
}

// Start begins the worker's polling loop
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	defer close(w.doneChan)

	logger := slog.With("worker", w.name)
	logger.Info("worker started", "interval", w.pollInterval.String())

	if w.runOnStart {
		w.run(ctx, logger)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped: context cancelled")
			return
		case <-w.stopChan:
			logger.Info("worker stopped: stop signal received")
			return
		case <-ticker.C:
			w.run(ctx, logger)
		}
	}
}

func (w *Worker) run(ctx context.Context, logger *slog.Logger) {
	if err := w.processor.ProcessJobs(ctx); err != nil {
		logger.Error("job run failed", "error", err)
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}
