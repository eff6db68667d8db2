package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

const selectRecordSQL = `
	SELECT entity_type, entity_id, data, last_sync_timestamp, sync_version,
		created_at, updated_at, deleted_at
	FROM authoritative_records`

// GetRecord loads an authoritative record, including soft-deleted ones.
// Callers check DeletedAt.
func (s *SQLiteStore) GetRecord(ctx context.Context, entityType types.EntityType, entityID string) (*types.AuthoritativeRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecordSQL+` WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %q: %w", entityType, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// PutRecord inserts or replaces a record outside of sync replay, e.g. when an
// operator seeds relief centers. It does not touch the sync log.
func (s *SQLiteStore) PutRecord(ctx context.Context, rec *types.AuthoritativeRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastSyncTimestamp.IsZero() {
		rec.LastSyncTimestamp = now
	}
	if rec.SyncVersion == 0 {
		rec.SyncVersion = 1
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authoritative_records (entity_type, entity_id, data, last_sync_timestamp,
			sync_version, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			last_sync_timestamp = excluded.last_sync_timestamp,
			sync_version = excluded.sync_version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, string(rec.EntityType), rec.EntityID, recordData(rec), formatTime(rec.LastSyncTimestamp),
		rec.SyncVersion, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		formatNullableTime(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// CommitApply saves an applied record and marks the originating log entry
// synced in one transaction.
//
// expectedVersion is the SyncVersion the caller loaded; 0 means the record
// did not exist. If another writer saved in between, ErrVersionConflict is
// returned and nothing is written. If the entry is already synced,
// ErrEntryImmutable is returned and nothing is written.
func (s *SQLiteStore) CommitApply(ctx context.Context, rec *types.AuthoritativeRecord, expectedVersion int64, entryID string, syncedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if expectedVersion == 0 {
		if err := insertRecordTx(ctx, tx, rec); err != nil {
			return err
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE authoritative_records
			SET data = ?, last_sync_timestamp = ?, sync_version = ?, updated_at = ?, deleted_at = ?
			WHERE entity_type = ? AND entity_id = ? AND sync_version = ?
		`, recordData(rec), formatTime(rec.LastSyncTimestamp), rec.SyncVersion,
			formatTime(rec.UpdatedAt), formatNullableTime(rec.DeletedAt),
			string(rec.EntityType), rec.EntityID, expectedVersion)
		if err != nil {
			return fmt.Errorf("save record: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%s %q at version %d: %w", rec.EntityType, rec.EntityID, expectedVersion, ErrVersionConflict)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sync_log
		SET synced = 1, synced_at = ?, status = 'synced', attempts = attempts + 1, last_error = ''
		WHERE id = ? AND synced = 0
	`, formatTime(syncedAt), entryID)
	if err != nil {
		return fmt.Errorf("mark entry synced: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sync log entry %q: %w", entryID, ErrEntryImmutable)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertRecordTx(ctx context.Context, tx *sql.Tx, rec *types.AuthoritativeRecord) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM authoritative_records WHERE entity_type = ? AND entity_id = ?)
	`, string(rec.EntityType), rec.EntityID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check record exists: %w", err)
	}
	if exists {
		// Someone created it between our load and save.
		return fmt.Errorf("%s %q: %w", rec.EntityType, rec.EntityID, ErrVersionConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO authoritative_records (entity_type, entity_id, data, last_sync_timestamp,
			sync_version, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(rec.EntityType), rec.EntityID, recordData(rec), formatTime(rec.LastSyncTimestamp),
		rec.SyncVersion, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		formatNullableTime(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// RecordsChangedSince returns records updated after since, oldest first.
// An empty entityType matches every type; limit <= 0 means no limit.
func (s *SQLiteStore) RecordsChangedSince(ctx context.Context, since time.Time, entityType types.EntityType, limit int) ([]types.AuthoritativeRecord, error) {
	query := selectRecordSQL + ` WHERE updated_at > ?`
	args := []any{formatTime(since)}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(entityType))
	}
	query += ` ORDER BY updated_at ASC, entity_type ASC, entity_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changed records: %w", err)
	}
	defer rows.Close()

	records := make([]types.AuthoritativeRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

func recordData(rec *types.AuthoritativeRecord) string {
	if len(rec.Data) == 0 {
		return "{}"
	}
	return string(rec.Data)
}

func scanRecord(scanner interface{ Scan(...any) error }) (*types.AuthoritativeRecord, error) {
	var rec types.AuthoritativeRecord
	var entityType, data, lastSync, createdAt, updatedAt string
	var deletedAt sql.NullString

	err := scanner.Scan(&entityType, &rec.EntityID, &data, &lastSync, &rec.SyncVersion,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	rec.EntityType = types.EntityType(entityType)
	rec.Data = []byte(data)
	rec.LastSyncTimestamp = parseTime("last_sync_timestamp", lastSync)
	rec.CreatedAt = parseTime("created_at", createdAt)
	rec.UpdatedAt = parseTime("updated_at", updatedAt)
	rec.DeletedAt = parseNullableTime("deleted_at", deletedAt)
	return &rec, nil
}
