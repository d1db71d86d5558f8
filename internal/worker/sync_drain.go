package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/sync"
)

// SyncQueue is the part of the sync manager the drain worker drives.
type SyncQueue interface {
	Queued(ctx context.Context) (bool, error)
	StartSync(ctx context.Context, force bool) (sync.Result, error)
}

// SyncDrainWorker starts a queued sync once connectivity returns.
type SyncDrainWorker struct {
	queue    SyncQueue
	monitor  network.Monitor
	interval time.Duration
}

// NewSyncDrainWorker creates a worker polling every interval.
func NewSyncDrainWorker(queue SyncQueue, monitor network.Monitor, interval time.Duration) *SyncDrainWorker {
	return &SyncDrainWorker{
		queue:    queue,
		monitor:  monitor,
		interval: interval,
	}
}

// Run polls until ctx is cancelled.
func (w *SyncDrainWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-drain",
		"action", "worker_started",
		"interval", w.interval,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-drain",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain starts a sync when one is queued and the remote is reachable.
// Reports whether a sync was started.
func (w *SyncDrainWorker) drain(ctx context.Context) bool {
	queued, err := w.queue.Queued(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("failed to read sync queue",
				"component", "worker",
				"worker", "sync-drain",
				"action", "queue_read_failed",
				"error", err,
			)
		}
		return false
	}
	if !queued || !w.monitor.IsOnline(ctx) {
		return false
	}

	// A queued sync was already requested by the user, so it bypasses the
	// throttle.
	res, err := w.queue.StartSync(ctx, true)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("queued sync failed",
				"component", "worker",
				"worker", "sync-drain",
				"action", "sync_failed",
				"error", err,
			)
		}
		return true
	}

	slog.Info("queued sync drained",
		"component", "worker",
		"worker", "sync-drain",
		"action", "sync_drained",
		"run_id", res.RunID,
		"status", res.Status,
		"uploaded", res.Uploaded,
		"failed", res.Failed,
	)
	return true
}
