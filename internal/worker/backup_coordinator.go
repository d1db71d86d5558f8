package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/fieldkit/internal/backup"
)

// Snapshotter writes a consistent copy of the local database.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// BackupCoordinator periodically snapshots the database and uploads the
// snapshot.
type BackupCoordinator struct {
	store    Snapshotter
	uploader backup.Uploader
	device   string
	path     string
	interval time.Duration
}

// NewBackupCoordinator creates a coordinator writing snapshots to path.
// The uploader is optional; if nil, only the local snapshot is kept.
func NewBackupCoordinator(
	store Snapshotter,
	uploader backup.Uploader,
	device string,
	path string,
	interval time.Duration,
) *BackupCoordinator {
	return &BackupCoordinator{
		store:    store,
		uploader: uploader,
		device:   device,
		path:     path,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *BackupCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Backup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Backup(ctx)
		}
	}
}

// Backup snapshots the database and uploads it. Returns true when the local
// snapshot was written; upload failures are logged but not fatal.
func (c *BackupCoordinator) Backup(ctx context.Context) bool {
	slog.Info("backup started",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "backup_start",
		"path", c.path,
	)

	if err := c.store.Snapshot(ctx, c.path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("backup snapshot failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_failed",
			"error", err,
		)
		return false
	}

	if c.uploader != nil {
		c.upload(ctx)
	}
	return true
}

func (c *BackupCoordinator) upload(ctx context.Context) {
	if err := c.uploader.Upload(ctx, c.device, c.path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("backup upload failed",
			"component", "worker",
			"worker", "backup-coordinator",
			"action", "backup_upload_failed",
			"device", c.device,
			"error", err,
		)
		return
	}

	slog.Info("backup uploaded",
		"component", "worker",
		"worker", "backup-coordinator",
		"action", "backup_uploaded",
		"device", c.device,
	)
}
