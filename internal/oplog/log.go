// Package oplog is the durable, append-only log of client mutations that
// are waiting to be replayed against the authoritative store.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// ErrLogFull is returned when an owner already has the maximum number of
// replayable entries queued.
var ErrLogFull = errors.New("operation log full")

// Log appends and reads sync log entries. Appends are serialized so the
// per-owner cap cannot be raced past.
type Log struct {
	store       store.Store
	maxPerOwner int
	now         func() time.Time

	mu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for origin and received timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log over s. maxPerOwner <= 0 disables the cap.
func New(s store.Store, maxPerOwner int, opts ...Option) *Log {
	l := &Log{
		store:       s,
		maxPerOwner: maxPerOwner,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append persists a single entry. ID and OriginTimestamp are filled in when
// the caller leaves them empty.
func (l *Log) Append(ctx context.Context, entry *types.SyncLogEntry) (*types.SyncLogEntry, error) {
	if err := l.AppendBatch(ctx, []*types.SyncLogEntry{entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendBatch persists entries atomically in submission order. Either every
// entry is appended or none is.
func (l *Log) AppendBatch(ctx context.Context, entries []*types.SyncLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	perOwner := make(map[string]int)
	for _, e := range entries {
		if e.OwnerID == "" {
			return fmt.Errorf("append entry: owner_id is required")
		}
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		if e.OriginTimestamp.IsZero() {
			e.OriginTimestamp = now
		}
		e.OriginTimestamp = e.OriginTimestamp.UTC()
		e.ReceivedAt = now
		e.Status = types.StatusPending
		e.Synced = false
		e.Attempts = 0
		perOwner[e.OwnerID]++
	}

	if l.maxPerOwner > 0 {
		for owner, adding := range perOwner {
			queued, err := l.store.CountReplayable(ctx, owner)
			if err != nil {
				return fmt.Errorf("check log capacity: %w", err)
			}
			if queued+adding > l.maxPerOwner {
				slog.Warn("operation log full",
					"component", "oplog",
					"owner_id", owner,
					"queued", queued,
					"adding", adding,
					"max", l.maxPerOwner,
				)
				return fmt.Errorf("%w: owner %q has %d of %d entries queued", ErrLogFull, owner, queued, l.maxPerOwner)
			}
		}
	}

	if err := l.store.InsertEntries(ctx, entries); err != nil {
		return err
	}

	slog.Debug("entries appended",
		"component", "oplog",
		"count", len(entries),
	)
	return nil
}

// Pending returns the owner's replayable entries, oldest origin first.
func (l *Log) Pending(ctx context.Context, ownerID string) ([]types.SyncLogEntry, error) {
	return l.store.PendingEntries(ctx, ownerID)
}

// Conflicts returns the owner's entries that carry conflict data.
func (l *Log) Conflicts(ctx context.Context, ownerID string) ([]types.SyncLogEntry, error) {
	return l.store.ConflictedEntries(ctx, ownerID)
}

// Get returns a single entry by ID.
func (l *Log) Get(ctx context.Context, id string) (*types.SyncLogEntry, error) {
	return l.store.GetEntry(ctx, id)
}

// RecordOutcome writes a non-synced replay outcome back to an entry.
func (l *Log) RecordOutcome(ctx context.Context, entryID string, outcome types.EntryOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.RecordOutcome(ctx, entryID, outcome)
}
