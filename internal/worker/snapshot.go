package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/reliefsync/internal/snapshot"
)

// SnapshotStore defines the store operations needed by the snapshot worker.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context, destPath string) error
}

// SnapshotWorker periodically writes a snapshot of the database to a local
// path and publishes it through the uploader.
type SnapshotWorker struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	path     string
	interval time.Duration
}

// NewSnapshotWorker creates a snapshot worker. A nil uploader keeps
// snapshots local.
func NewSnapshotWorker(store SnapshotStore, uploader snapshot.Uploader, path string, interval time.Duration) *SnapshotWorker {
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	return &SnapshotWorker{
		store:    store,
		uploader: uploader,
		path:     path,
		interval: interval,
	}
}

// Run generates a snapshot immediately, then on each interval, until ctx is
// cancelled.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.publish(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.publish(ctx)
		}
	}
}

func (w *SnapshotWorker) publish(ctx context.Context) {
	start := time.Now()
	if err := w.store.GenerateSnapshot(ctx, w.path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, w.path); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot published",
		"component", "worker",
		"action", "snapshot_published",
		"path", w.path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
