// Package emergency holds emergency calls that could not be placed and
// retries them, oldest first, until they succeed or run out of retries.
package emergency

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

const (
	// DefaultMaxRetries is how many queued attempts an item gets.
	DefaultMaxRetries = 3

	priorityCritical = "critical"
)

// ErrQueueFull is returned by Enqueue when the queue holds its maximum
// number of dispatchable items.
var ErrQueueFull = errors.New("emergency queue full")

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	IsOnline() bool
}

// Queue is the durable emergency dispatch queue. Process passes never
// overlap, and inserting never waits on a pass.
type Queue struct {
	store      store.Store
	dispatcher Dispatcher
	online     OnlineChecker
	maxRetries int
	maxSize    int
	now        func() time.Time

	insertMu  sync.Mutex // capacity check + insert
	processMu sync.Mutex // one pass at a time
}

// QueueConfig holds queue limits.
type QueueConfig struct {
	MaxRetries int // per item; <= 0 uses DefaultMaxRetries
	MaxSize    int // dispatchable items; <= 0 disables the cap
}

// NewQueue creates a Queue.
func NewQueue(s store.Store, dispatcher Dispatcher, online OnlineChecker, cfg QueueConfig) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Queue{
		store:      s,
		dispatcher: dispatcher,
		online:     online,
		maxRetries: cfg.MaxRetries,
		maxSize:    cfg.MaxSize,
		now:        time.Now,
	}
}

// Enqueue persists an emergency call. If the service is online the queue is
// processed straight away, unless a pass is already running.
func (q *Queue) Enqueue(ctx context.Context, req types.CallRequest) (*types.EmergencyQueueItem, error) {
	item, _, err := q.enqueue(ctx, req)
	return item, err
}

// enqueue reports whether the immediate pass dispatched the new item.
func (q *Queue) enqueue(ctx context.Context, req types.CallRequest) (*types.EmergencyQueueItem, bool, error) {
	item, err := q.insert(ctx, req)
	if err != nil {
		return nil, false, err
	}

	online := q.online.IsOnline()
	slog.Info("emergency call queued",
		"component", "emergency",
		"item_id", item.ID,
		"online", online,
	)
	if !online {
		return item, false, nil
	}

	if !q.processMu.TryLock() {
		slog.Debug("emergency queue pass already running, leaving item for the next pass",
			"component", "emergency",
			"item_id", item.ID,
		)
		return item, false, nil
	}
	defer q.processMu.Unlock()

	_, dispatched, err := q.pass(ctx)
	if err != nil {
		slog.Error("emergency queue processing failed", "component", "emergency", "error", err)
		return item, false, nil
	}
	return item, dispatched[item.ID], nil
}

func (q *Queue) insert(ctx context.Context, req types.CallRequest) (*types.EmergencyQueueItem, error) {
	q.insertMu.Lock()
	defer q.insertMu.Unlock()

	if q.maxSize > 0 {
		n, err := q.store.CountQueueItems(ctx, true)
		if err != nil {
			return nil, err
		}
		if n >= q.maxSize {
			return nil, fmt.Errorf("%w: %d items waiting", ErrQueueFull, n)
		}
	}

	item := &types.EmergencyQueueItem{
		ID:         ulid.Make().String(),
		Type:       types.QueueItemEmergencyCall,
		Payload:    req,
		Priority:   priorityCritical,
		EnqueuedAt: q.now().UTC(),
		MaxRetries: q.maxRetries,
	}
	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Process makes one dispatch attempt for every item that still has retries
// left, oldest first. Dispatched items are removed; failed attempts count
// against the item's retries. The error is non-nil only when the queue could
// not be read.
func (q *Queue) Process(ctx context.Context) (types.ProcessResult, error) {
	q.processMu.Lock()
	defer q.processMu.Unlock()

	result, _, err := q.pass(ctx)
	return result, err
}

// pass must be called with processMu held. It returns the IDs it dispatched.
func (q *Queue) pass(ctx context.Context) (types.ProcessResult, map[string]bool, error) {
	var result types.ProcessResult
	items, err := q.store.DispatchableQueueItems(ctx)
	if err != nil {
		return result, nil, fmt.Errorf("load emergency queue: %w", err)
	}

	dispatched := make(map[string]bool)

	for i := range items {
		item := &items[i]
		logger := slog.With("component", "emergency", "item_id", item.ID)
		result.Attempted++

		if derr := q.dispatcher.Dispatch(ctx, item.Payload); derr != nil {
			result.Failed++
			retries, err := q.store.RecordQueueFailure(ctx, item.ID, derr.Error(), q.now().UTC())
			if err != nil {
				logger.Error("failed to record dispatch failure", "error", err)
				continue
			}
			if retries >= item.MaxRetries {
				logger.Error("emergency call exhausted retries",
					"retries", retries,
					"error", derr,
				)
			} else {
				logger.Warn("emergency call dispatch failed",
					"retries", retries,
					"max_retries", item.MaxRetries,
					"error", derr,
				)
			}
			continue
		}

		result.Dispatched++
		dispatched[item.ID] = true
		if err := q.store.DeleteQueueItem(ctx, item.ID); err != nil {
			logger.Error("failed to remove dispatched item", "error", err)
			continue
		}
		logger.Info("emergency call dispatched")
	}

	if result.Attempted > 0 {
		slog.Info("emergency queue processed",
			"component", "emergency",
			"attempted", result.Attempted,
			"dispatched", result.Dispatched,
			"failed", result.Failed,
		)
	}
	return result, dispatched, nil
}

// Len returns the number of items that will be attempted by the next Process.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountQueueItems(ctx, true)
}

// List returns every item, including those that exhausted their retries.
func (q *Queue) List(ctx context.Context) ([]types.EmergencyQueueItem, error) {
	return q.store.ListQueueItems(ctx)
}

// Call places an emergency call directly when online, and queues it when
// offline or when the direct attempt fails. A failed direct attempt goes
// through Enqueue, so the backlog is retried straight away.
func (q *Queue) Call(ctx context.Context, req types.CallRequest) (*types.EmergencyCallResponse, error) {
	var lastErr string
	if q.online.IsOnline() {
		err := q.dispatcher.Dispatch(ctx, req)
		if err == nil {
			return &types.EmergencyCallResponse{Dispatched: true}, nil
		}
		lastErr = err.Error()
		slog.Warn("direct emergency call failed, queueing",
			"component", "emergency",
			"error", err,
		)
	}

	item, dispatched, err := q.enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	if dispatched {
		return &types.EmergencyCallResponse{Dispatched: true, ItemID: item.ID}, nil
	}
	return &types.EmergencyCallResponse{Queued: true, ItemID: item.ID, Error: lastErr}, nil
}
