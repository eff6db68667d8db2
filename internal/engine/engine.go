// Package engine replays queued client mutations against the authoritative
// record store.
//
// A drain walks an owner's replayable entries in origin order, in batches.
// Each entry either syncs (record saved with a version check and the entry
// marked synced in one transaction), conflicts (the record changed after the
// client made its edit), or errors. Failures are isolated per entry; only a
// failure to load the pending entries aborts a drain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/reliefsync/internal/conflict"
	"github.com/hyperengineering/reliefsync/internal/entity"
	"github.com/hyperengineering/reliefsync/internal/oplog"
	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/types"
)

var (
	// ErrRecordDeleted is returned when an update or delete targets a
	// soft-deleted record.
	ErrRecordDeleted = errors.New("record is deleted")

	// ErrNotResolvable is returned when an operator tries to resolve an entry
	// that is neither conflicted nor waiting on intervention.
	ErrNotResolvable = errors.New("entry is not awaiting resolution")

	// ErrUnknownDecision is returned for a resolution decision other than
	// accept_client or keep_server.
	ErrUnknownDecision = errors.New("unknown resolution decision")
)

// Decision is an operator's ruling on a conflicted entry.
type Decision string

const (
	DecisionAcceptClient Decision = "accept_client"
	DecisionKeepServer   Decision = "keep_server"
)

// Config holds the replay limits.
type Config struct {
	BatchSize        int
	MaxEntryAttempts int
}

// Engine drains operation logs. Drains for one owner never overlap.
type Engine struct {
	log      *oplog.Log
	records  store.Store
	registry *entity.Registry
	resolver conflict.Resolver
	cfg      Config
	now      func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerLock
}

// ownerLock is dropped from Engine.owners once nobody holds or waits on it.
type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used to stamp synced records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. A BatchSize <= 0 defaults to 50. A
// MaxEntryAttempts <= 0 disables the attempt cap.
func New(log *oplog.Log, records store.Store, registry *entity.Registry, resolver conflict.Resolver, cfg Config, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	e := &Engine{
		log:      log,
		records:  records,
		registry: registry,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		owners:   make(map[string]*ownerLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Strategy returns the configured conflict resolution strategy.
func (e *Engine) Strategy() types.Strategy {
	return e.resolver.Strategy()
}

// lockOwner blocks until ownerID's lock is held and returns its release.
func (e *Engine) lockOwner(ownerID string) (unlock func()) {
	e.mu.Lock()
	l, ok := e.owners[ownerID]
	if !ok {
		l = &ownerLock{}
		e.owners[ownerID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.owners, ownerID)
		}
		e.mu.Unlock()
	}
}

// Drain replays every replayable entry for ownerID. The returned error is
// non-nil only when the pending entries could not be loaded, in which case no
// entry was touched.
func (e *Engine) Drain(ctx context.Context, ownerID string) (*types.DrainResult, error) {
	defer e.lockOwner(ownerID)()

	start := time.Now()
	pending, err := e.log.Pending(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load pending entries: %w", err)
	}

	// A started drain runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	result := &types.DrainResult{}
	for begin := 0; begin < len(pending); begin += e.cfg.BatchSize {
		end := min(begin+e.cfg.BatchSize, len(pending))
		result.Batches++
		for i := begin; i < end; i++ {
			e.replay(ctx, &pending[i], result)
		}
	}

	slog.Info("drain completed",
		"component", "engine",
		"action", "drain",
		"owner_id", ownerID,
		"synced", result.Synced,
		"conflicts", result.Conflicts,
		"errors", result.Errors,
		"skipped", result.Skipped,
		"batches", result.Batches,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (e *Engine) replay(ctx context.Context, entry *types.SyncLogEntry, result *types.DrainResult) {
	logger := slog.With("component", "engine", "owner_id", entry.OwnerID, "entry_id", entry.ID)

	if e.cfg.MaxEntryAttempts > 0 && entry.Attempts >= e.cfg.MaxEntryAttempts {
		lastErr := entry.LastError
		if lastErr == "" {
			lastErr = fmt.Sprintf("gave up after %d attempts", entry.Attempts)
		}
		if err := e.log.RecordOutcome(ctx, entry.ID, types.EntryOutcome{
			Status:    types.StatusNeedsIntervention,
			Attempts:  entry.Attempts,
			LastError: lastErr,
		}); err != nil {
			logger.Error("failed to park entry", "error", err)
			result.Errors++
			return
		}
		logger.Warn("entry needs intervention", "attempts", entry.Attempts)
		result.Skipped++
		return
	}

	c, err := e.apply(ctx, entry, false)
	switch {
	case errors.Is(err, store.ErrEntryImmutable):
		logger.Warn("entry already synced, skipping")
	case err != nil:
		result.Errors++
		logger.Warn("entry failed to apply", "error", err)
		if rerr := e.log.RecordOutcome(ctx, entry.ID, types.EntryOutcome{
			Status:    types.StatusErrored,
			Attempts:  entry.Attempts + 1,
			LastError: err.Error(),
		}); rerr != nil {
			logger.Error("failed to record apply error", "error", rerr)
		}
	case c != nil:
		result.Conflicts++
		logger.Info("entry conflicted", "strategy", c.Strategy, "message", c.Message)
		if rerr := e.log.RecordOutcome(ctx, entry.ID, types.EntryOutcome{
			Status:   types.StatusConflicted,
			Attempts: entry.Attempts + 1,
			Conflict: c,
		}); rerr != nil {
			logger.Error("failed to record conflict", "error", rerr)
		}
	default:
		result.Synced++
	}
}

// apply loads the target record, checks the conflict clock unless force is
// set, and commits the new record together with the entry's synced mark.
// A non-nil ConflictRecord means nothing was written.
func (e *Engine) apply(ctx context.Context, entry *types.SyncLogEntry, force bool) (*types.ConflictRecord, error) {
	applier, err := e.registry.Get(entry.EntityType)
	if err != nil {
		return nil, err
	}

	current, err := e.records.GetRecord(ctx, entry.EntityType, entry.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		current = nil
	} else if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	now := e.now().UTC()
	if !force && current != nil && current.LastSyncTimestamp.After(entry.OriginTimestamp) {
		return e.resolver.Resolve(current, entry, now), nil
	}

	next, expected, err := build(applier, current, entry, now)
	if err != nil {
		return nil, err
	}

	err = e.records.CommitApply(ctx, next, expected, entry.ID, now)
	if errors.Is(err, store.ErrVersionConflict) {
		// Another writer saved between our load and commit.
		latest, lerr := e.records.GetRecord(ctx, entry.EntityType, entry.EntityID)
		if lerr != nil {
			latest = current
		}
		return e.resolver.Resolve(latest, entry, now), nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// build returns the record to save and the version it must replace
// (0 when the record does not exist yet).
func build(applier entity.Applier, current *types.AuthoritativeRecord, entry *types.SyncLogEntry, now time.Time) (*types.AuthoritativeRecord, int64, error) {
	live := current != nil && current.DeletedAt == nil

	next := &types.AuthoritativeRecord{
		EntityType:        entry.EntityType,
		EntityID:          entry.EntityID,
		LastSyncTimestamp: now,
		UpdatedAt:         now,
		CreatedAt:         now,
		SyncVersion:       1,
	}
	var expected int64
	if current != nil {
		next.CreatedAt = current.CreatedAt
		next.SyncVersion = current.SyncVersion + 1
		expected = current.SyncVersion
	}

	var err error
	switch entry.Action {
	case types.ActionCreate:
		if live {
			return nil, 0, fmt.Errorf("create %s %q: %w", entry.EntityType, entry.EntityID, store.ErrAlreadyExists)
		}
		next.Data, err = applier.Create(entry, now)
	case types.ActionUpdate, types.ActionDelete:
		if current == nil {
			return nil, 0, fmt.Errorf("%s %s %q: %w", entry.Action, entry.EntityType, entry.EntityID, store.ErrNotFound)
		}
		if !live {
			return nil, 0, fmt.Errorf("%s %s %q: %w", entry.Action, entry.EntityType, entry.EntityID, ErrRecordDeleted)
		}
		if entry.Action == types.ActionDelete {
			next.Data = current.Data
			deletedAt := now
			next.DeletedAt = &deletedAt
		} else {
			next.Data, err = applier.Update(current.Data, entry, now)
		}
	default:
		return nil, 0, fmt.Errorf("%w: %q", entity.ErrUnsupportedAction, entry.Action)
	}
	if err != nil {
		return nil, 0, err
	}
	return next, expected, nil
}

// Resolve applies an operator decision to a conflicted or parked entry and
// returns the entry's new state.
func (e *Engine) Resolve(ctx context.Context, entryID string, decision Decision) (*types.SyncLogEntry, error) {
	if decision != DecisionAcceptClient && decision != DecisionKeepServer {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}

	entry, err := e.log.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	defer e.lockOwner(entry.OwnerID)()

	// Re-read under the owner lock; a drain may have moved it.
	entry, err = e.log.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Synced {
		return nil, fmt.Errorf("sync log entry %q: %w", entryID, store.ErrEntryImmutable)
	}
	if entry.Status != types.StatusConflicted && entry.Status != types.StatusNeedsIntervention {
		return nil, fmt.Errorf("sync log entry %q is %s: %w", entryID, entry.Status, ErrNotResolvable)
	}

	logger := slog.With("component", "engine", "action", "resolve",
		"owner_id", entry.OwnerID, "entry_id", entryID, "decision", decision)

	switch decision {
	case DecisionAcceptClient:
		c, err := e.apply(ctx, entry, true)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return nil, fmt.Errorf("sync log entry %q: %w", entryID, store.ErrVersionConflict)
		}
	case DecisionKeepServer:
		if err := e.log.RecordOutcome(ctx, entryID, types.EntryOutcome{
			Status:    types.StatusDiscarded,
			Attempts:  entry.Attempts,
			LastError: entry.LastError,
		}); err != nil {
			return nil, err
		}
	}
	logger.Info("entry resolved")

	return e.log.Get(ctx, entryID)
}
