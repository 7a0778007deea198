package outgoing

import (
	"context"
	"log/slog"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
)

// Worker periodically sweeps the retry queue.
type Worker struct {
	notifier *Notifier
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates the sweep worker. The interval comes from
// federation.retry_sweep_seconds.
func NewWorker(notifier *Notifier, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		notifier: notifier,
		interval: interval,
		logger:   logutil.NoopIfNil(logger),
	}
}

// Run sweeps until the context is canceled. It is meant to run as a single
// background goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("notification retry worker started",
		slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notification retry worker stopped")
			return
		case now := <-ticker.C:
			w.notifier.RetrySendingFailedNotifications(ctx, now)
		}
	}
}
