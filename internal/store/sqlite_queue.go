package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

const selectQueueItemSQL = `
	SELECT id, type, payload, priority, enqueued_at, retries, max_retries,
		last_error, last_attempt_at
	FROM emergency_queue`

// queueOrder is FIFO; ULIDs break ties between items enqueued in the same instant.
const queueOrder = ` ORDER BY enqueued_at ASC, id ASC`

// InsertQueueItem persists a new emergency queue item.
func (s *SQLiteStore) InsertQueueItem(ctx context.Context, item *types.EmergencyQueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emergency_queue (id, type, payload, priority, enqueued_at, retries,
			max_retries, last_error, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, string(item.Type), string(payload), item.Priority, formatTime(item.EnqueuedAt),
		item.Retries, item.MaxRetries, item.LastError, formatNullableTime(item.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// ListQueueItems returns every queued item, failed ones included.
func (s *SQLiteStore) ListQueueItems(ctx context.Context) ([]types.EmergencyQueueItem, error) {
	return s.queryQueueItems(ctx, selectQueueItemSQL+queueOrder)
}

// DispatchableQueueItems returns items that still have retries left.
func (s *SQLiteStore) DispatchableQueueItems(ctx context.Context) ([]types.EmergencyQueueItem, error) {
	return s.queryQueueItems(ctx, selectQueueItemSQL+` WHERE retries < max_retries`+queueOrder)
}

// CountQueueItems counts queued items, optionally only dispatchable ones.
func (s *SQLiteStore) CountQueueItems(ctx context.Context, dispatchableOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM emergency_queue`
	if dispatchableOnly {
		query += ` WHERE retries < max_retries`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

// DeleteQueueItem removes a dispatched item.
func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM emergency_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue item %q: %w", id, ErrNotFound)
	}
	return nil
}

// RecordQueueFailure increments an item's retry count and records the error.
// Items already at their cap are left untouched and reported as ErrNotFound.
// Returns the new retry count.
func (s *SQLiteStore) RecordQueueFailure(ctx context.Context, id string, lastErr string, attemptedAt time.Time) (int, error) {
	var retries int
	err := s.db.QueryRowContext(ctx, `
		UPDATE emergency_queue
		SET retries = retries + 1, last_error = ?, last_attempt_at = ?
		WHERE id = ? AND retries < max_retries
		RETURNING retries
	`, lastErr, formatTime(attemptedAt), id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("dispatchable queue item %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record queue failure: %w", err)
	}
	return retries, nil
}

func (s *SQLiteStore) queryQueueItems(ctx context.Context, query string, args ...any) ([]types.EmergencyQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query emergency queue: %w", err)
	}
	defer rows.Close()

	items := make([]types.EmergencyQueueItem, 0)
	for rows.Next() {
		var item types.EmergencyQueueItem
		var itemType, payload, enqueuedAt string
		var lastAttempt sql.NullString

		if err := rows.Scan(&item.ID, &itemType, &payload, &item.Priority, &enqueuedAt,
			&item.Retries, &item.MaxRetries, &item.LastError, &lastAttempt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("parse queue payload for %q: %w", item.ID, err)
		}
		item.Type = types.QueueItemType(itemType)
		item.EnqueuedAt = parseTime("enqueued_at", enqueuedAt)
		item.LastAttemptAt = parseNullableTime("last_attempt_at", lastAttempt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}
