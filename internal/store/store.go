package store

import (
	"context"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

// Store defines the interface contract for all durable sync state:
// the operation log, the authoritative records and the emergency queue.
type Store interface {
	// Operation log
	InsertEntry(ctx context.Context, entry *types.SyncLogEntry) error
	InsertEntries(ctx context.Context, entries []*types.SyncLogEntry) error
	GetEntry(ctx context.Context, id string) (*types.SyncLogEntry, error)
	PendingEntries(ctx context.Context, ownerID string) ([]types.SyncLogEntry, error)
	ConflictedEntries(ctx context.Context, ownerID string) ([]types.SyncLogEntry, error)
	CountReplayable(ctx context.Context, ownerID string) (int, error)
	RecordOutcome(ctx context.Context, entryID string, outcome types.EntryOutcome) error

	// Authoritative records
	GetRecord(ctx context.Context, entityType types.EntityType, entityID string) (*types.AuthoritativeRecord, error)
	PutRecord(ctx context.Context, rec *types.AuthoritativeRecord) error
	CommitApply(ctx context.Context, rec *types.AuthoritativeRecord, expectedVersion int64, entryID string, syncedAt time.Time) error
	RecordsChangedSince(ctx context.Context, since time.Time, entityType types.EntityType, limit int) ([]types.AuthoritativeRecord, error)

	// Emergency queue
	InsertQueueItem(ctx context.Context, item *types.EmergencyQueueItem) error
	ListQueueItems(ctx context.Context) ([]types.EmergencyQueueItem, error)
	DispatchableQueueItems(ctx context.Context) ([]types.EmergencyQueueItem, error)
	CountQueueItems(ctx context.Context, dispatchableOnly bool) (int, error)
	DeleteQueueItem(ctx context.Context, id string) error
	RecordQueueFailure(ctx context.Context, id string, lastErr string, attemptedAt time.Time) (int, error)

	GenerateSnapshot(ctx context.Context, destPath string) error
	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
