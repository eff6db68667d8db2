package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/reliefsync/internal/types"
)

const insertEntrySQL = `
	INSERT INTO sync_log (id, owner_id, entity_type, entity_id, action, changes,
		origin_timestamp, received_at, synced, status, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, '')`

const selectEntrySQL = `
	SELECT seq, id, owner_id, entity_type, entity_id, action, changes,
		origin_timestamp, received_at, synced, synced_at, status, attempts,
		last_error, conflict_data
	FROM sync_log`

// replayableStatuses must match types.EntryStatus.Replayable.
const replayableStatuses = `('pending', 'conflicted', 'errored')`

func insertEntry(ctx context.Context, execer execContext, e *types.SyncLogEntry) (int64, error) {
	status := e.Status
	if status == "" {
		status = types.StatusPending
	}
	result, err := execer.ExecContext(ctx, insertEntrySQL,
		e.ID, e.OwnerID, string(e.EntityType), e.EntityID, string(e.Action),
		nullableJSON(e.Changes), formatTime(e.OriginTimestamp), formatTime(e.ReceivedAt),
		string(status),
	)
	if err != nil {
		return 0, err
	}
	e.Status = status
	return result.LastInsertId()
}

// InsertEntry appends a single entry to the sync log and assigns its sequence.
func (s *SQLiteStore) InsertEntry(ctx context.Context, entry *types.SyncLogEntry) error {
	seq, err := insertEntry(ctx, s.db, entry)
	if err != nil {
		return fmt.Errorf("insert sync log entry: %w", err)
	}
	entry.Sequence = seq
	return nil
}

// InsertEntries appends entries atomically, in slice order.
func (s *SQLiteStore) InsertEntries(ctx context.Context, entries []*types.SyncLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	seqs := make([]int64, len(entries))
	for i, e := range entries {
		seqs[i], err = insertEntry(ctx, tx, e)
		if err != nil {
			return fmt.Errorf("insert sync log entry %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for i, e := range entries {
		e.Sequence = seqs[i]
	}
	return nil
}

// GetEntry retrieves a sync log entry by ID.
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*types.SyncLogEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntrySQL+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync log entry %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync log entry: %w", err)
	}
	return e, nil
}

// PendingEntries returns the owner's replayable entries, oldest origin first.
// Entries with equal origin timestamps keep submission order.
func (s *SQLiteStore) PendingEntries(ctx context.Context, ownerID string) ([]types.SyncLogEntry, error) {
	return s.queryEntries(ctx, selectEntrySQL+`
		WHERE owner_id = ? AND synced = 0 AND status IN `+replayableStatuses+`
		ORDER BY origin_timestamp ASC, seq ASC`, ownerID)
}

// ConflictedEntries returns the owner's unsynced entries that carry conflict
// data, including those waiting on manual intervention.
func (s *SQLiteStore) ConflictedEntries(ctx context.Context, ownerID string) ([]types.SyncLogEntry, error) {
	return s.queryEntries(ctx, selectEntrySQL+`
		WHERE owner_id = ? AND synced = 0 AND conflict_data IS NOT NULL AND status != 'discarded'
		ORDER BY origin_timestamp ASC, seq ASC`, ownerID)
}

// CountReplayable returns how many entries a drain would pick up for owner.
func (s *SQLiteStore) CountReplayable(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_log
		WHERE owner_id = ? AND synced = 0 AND status IN `+replayableStatuses, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count replayable entries: %w", err)
	}
	return n, nil
}

// RecordOutcome stores a non-synced outcome on an entry. Conflict data is
// replaced only when the outcome carries a new conflict.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, entryID string, outcome types.EntryOutcome) error {
	if outcome.Status == types.StatusSynced {
		return fmt.Errorf("record outcome: synced entries must go through CommitApply")
	}

	var conflictJSON any
	if outcome.Conflict != nil {
		b, err := json.Marshal(outcome.Conflict)
		if err != nil {
			return fmt.Errorf("marshal conflict data: %w", err)
		}
		conflictJSON = string(b)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_log
		SET status = ?, attempts = ?, last_error = ?, conflict_data = COALESCE(?, conflict_data)
		WHERE id = ? AND synced = 0
	`, string(outcome.Status), outcome.Attempts, outcome.LastError, conflictJSON, entryID)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return s.checkEntryUpdated(ctx, result, entryID)
}

// checkEntryUpdated maps a zero-row entry update to ErrNotFound or
// ErrEntryImmutable.
func (s *SQLiteStore) checkEntryUpdated(ctx context.Context, result sql.Result, entryID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetEntry(ctx, entryID); err != nil {
		return err
	}
	return fmt.Errorf("sync log entry %q: %w", entryID, ErrEntryImmutable)
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]types.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	entries := make([]types.SyncLogEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync log entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

func scanEntry(scanner interface{ Scan(...any) error }) (*types.SyncLogEntry, error) {
	var e types.SyncLogEntry
	var entityType, action, status string
	var changes, syncedAt, conflictData sql.NullString
	var originTimestamp, receivedAt string
	var synced int

	err := scanner.Scan(
		&e.Sequence, &e.ID, &e.OwnerID, &entityType, &e.EntityID, &action,
		&changes, &originTimestamp, &receivedAt, &synced, &syncedAt, &status,
		&e.Attempts, &e.LastError, &conflictData,
	)
	if err != nil {
		return nil, err
	}

	e.EntityType = types.EntityType(entityType)
	e.Action = types.Action(action)
	e.Status = types.EntryStatus(status)
	e.Synced = synced != 0
	if changes.Valid {
		e.Changes = json.RawMessage(changes.String)
	}
	e.OriginTimestamp = parseTime("origin_timestamp", originTimestamp)
	e.ReceivedAt = parseTime("received_at", receivedAt)
	e.SyncedAt = parseNullableTime("synced_at", syncedAt)

	if conflictData.Valid && conflictData.String != "" {
		var c types.ConflictRecord
		if err := json.Unmarshal([]byte(conflictData.String), &c); err != nil {
			slog.Warn("sync_log: failed to parse conflict_data", "entry_id", e.ID, "error", err)
		} else {
			e.ConflictData = &c
		}
	}
	return &e, nil
}
