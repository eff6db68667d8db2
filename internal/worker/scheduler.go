package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

// ConnectivityChecker probes connectivity.
type ConnectivityChecker interface {
	Check(ctx context.Context) bool
}

// EmergencyQueue is the part of the emergency queue the scheduler drives.
type EmergencyQueue interface {
	Len(ctx context.Context) (int, error)
	Process(ctx context.Context) (types.ProcessResult, error)
}

// SyncScheduler retries queued emergency calls on a fixed interval whenever
// the service is online. General log drains stay client-triggered.
type SyncScheduler struct {
	monitor  ConnectivityChecker
	queue    EmergencyQueue
	interval time.Duration
}

// NewSyncScheduler creates a scheduler ticking every interval.
func NewSyncScheduler(monitor ConnectivityChecker, queue EmergencyQueue, interval time.Duration) *SyncScheduler {
	return &SyncScheduler{
		monitor:  monitor,
		queue:    queue,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled. The first tick fires after one interval.
func (s *SyncScheduler) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-scheduler",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SyncScheduler) tick(ctx context.Context) {
	if !s.monitor.Check(ctx) {
		slog.Debug("offline, skipping emergency queue",
			"component", "worker",
			"worker", "sync-scheduler",
		)
		return
	}

	n, err := s.queue.Len(ctx)
	if err != nil {
		slog.Warn("emergency queue length unavailable",
			"component", "worker",
			"worker", "sync-scheduler",
			"error", err,
		)
		return
	}
	if n == 0 {
		return
	}

	result, err := s.queue.Process(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("emergency queue processing failed",
			"component", "worker",
			"worker", "sync-scheduler",
			"error", err,
		)
		return
	}
	slog.Info("emergency queue retried",
		"component", "worker",
		"worker", "sync-scheduler",
		"attempted", result.Attempted,
		"dispatched", result.Dispatched,
		"failed", result.Failed,
	)
}
