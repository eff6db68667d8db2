package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLog(t *testing.T, max int) (*Log, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, max, WithClock(func() time.Time { return t0 })), s
}

func update(owner, id string, origin time.Time) *types.SyncLogEntry {
	return &types.SyncLogEntry{
		OwnerID:         owner,
		EntityType:      types.EntityReliefCenter,
		EntityID:        id,
		Action:          types.ActionUpdate,
		Changes:         json.RawMessage(`{"status":"Full"}`),
		OriginTimestamp: origin,
	}
}

func TestAppend_AssignsIDAndTimestamps(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	// Given an entry with no ID and no origin timestamp
	e := update("owner-1", "rc-1", time.Time{})

	// When appended
	got, err := l.Append(ctx, e)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Then an ID and both timestamps are assigned
	if got.ID == "" {
		t.Error("ID not assigned")
	}
	if !got.OriginTimestamp.Equal(t0) || !got.ReceivedAt.Equal(t0) {
		t.Errorf("timestamps = %v / %v, want %v", got.OriginTimestamp, got.ReceivedAt, t0)
	}
	if got.Status != types.StatusPending || got.Sequence == 0 {
		t.Errorf("status = %q, sequence = %d", got.Status, got.Sequence)
	}

	stored, err := l.Get(ctx, got.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(stored.Changes) != `{"status":"Full"}` {
		t.Errorf("changes = %s", stored.Changes)
	}
}

func TestAppend_KeepsClientOriginTimestamp(t *testing.T) {
	l, _ := newTestLog(t, 0)
	origin := t0.Add(-time.Hour)

	got, err := l.Append(context.Background(), update("owner-1", "rc-1", origin))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !got.OriginTimestamp.Equal(origin) {
		t.Errorf("OriginTimestamp = %v, want %v", got.OriginTimestamp, origin)
	}
}

func TestAppend_DuplicateIDRejected(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	e := update("owner-1", "rc-1", t0)
	if _, err := l.Append(ctx, e); err != nil {
		t.Fatalf("first Append() error = %v", err)
	}

	dup := update("owner-1", "rc-1", t0)
	dup.ID = e.ID
	if _, err := l.Append(ctx, dup); err == nil {
		t.Fatal("expected error appending duplicate ID")
	}
}

func TestAppendBatch_PendingOrder(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	// Given three entries submitted out of origin order, two sharing a timestamp
	late := update("owner-1", "rc-late", t0.Add(2*time.Second))
	tieA := update("owner-1", "rc-tie-a", t0)
	tieB := update("owner-1", "rc-tie-b", t0)
	if err := l.AppendBatch(ctx, []*types.SyncLogEntry{late, tieA, tieB}); err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}

	// When pending is read
	pending, err := l.Pending(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}

	// Then origin order wins and ties keep submission order
	want := []string{"rc-tie-a", "rc-tie-b", "rc-late"}
	if len(pending) != len(want) {
		t.Fatalf("len(pending) = %d, want %d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].EntityID != id {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].EntityID, id)
		}
	}
}

func TestAppendBatch_OwnerCap(t *testing.T) {
	l, _ := newTestLog(t, 2)
	ctx := context.Background()

	if err := l.AppendBatch(ctx, []*types.SyncLogEntry{update("owner-1", "a", t0)}); err != nil {
		t.Fatalf("AppendBatch() error = %v", err)
	}

	// A batch that would exceed the cap is rejected whole
	err := l.AppendBatch(ctx, []*types.SyncLogEntry{update("owner-1", "b", t0), update("owner-1", "c", t0)})
	if !errors.Is(err, ErrLogFull) {
		t.Fatalf("error = %v, want ErrLogFull", err)
	}
	pending, _ := l.Pending(ctx, "owner-1")
	if len(pending) != 1 {
		t.Errorf("len(pending) = %d, want 1 after rejected batch", len(pending))
	}

	// Other owners have their own allowance
	if _, err := l.Append(ctx, update("owner-2", "a", t0)); err != nil {
		t.Errorf("owner-2 Append() error = %v", err)
	}
}

func TestAppendBatch_RequiresOwner(t *testing.T) {
	l, _ := newTestLog(t, 0)
	if _, err := l.Append(context.Background(), update("", "rc-1", t0)); err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestConflicts(t *testing.T) {
	l, _ := newTestLog(t, 0)
	ctx := context.Background()

	e, err := l.Append(ctx, update("owner-1", "rc-1", t0))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := l.Append(ctx, update("owner-1", "rc-2", t0)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	err = l.RecordOutcome(ctx, e.ID, types.EntryOutcome{
		Status:   types.StatusConflicted,
		Attempts: 1,
		Conflict: &types.ConflictRecord{EntryID: e.ID, Strategy: types.StrategyServerWins, Message: "Server data preserved"},
	})
	if err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}

	conflicts, err := l.Conflicts(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ID != e.ID {
		t.Fatalf("conflicts = %+v, want only %s", conflicts, e.ID)
	}
	if conflicts[0].ConflictData == nil || conflicts[0].ConflictData.Message != "Server data preserved" {
		t.Errorf("conflict data = %+v", conflicts[0].ConflictData)
	}
}
