package conflict

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

func fixtures() (*types.AuthoritativeRecord, *types.SyncLogEntry) {
	server := &types.AuthoritativeRecord{
		EntityType: types.EntityReliefCenter,
		EntityID:   "c1",
		Data:       json.RawMessage(`{"resources":{"food":{"available":10}}}`),
	}
	entry := &types.SyncLogEntry{
		ID:      "01J0000000000000000000000A",
		Changes: json.RawMessage(`{"resourceType":"food","newValue":{"available":3}}`),
	}
	return server, entry
}

func TestNew_AllStrategies(t *testing.T) {
	for _, s := range Strategies() {
		r, err := New(s)
		if err != nil {
			t.Fatalf("New(%q) error = %v", s, err)
		}
		if r.Strategy() != s {
			t.Errorf("New(%q).Strategy() = %q", s, r.Strategy())
		}
	}
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("client_wins")
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("error = %v, want ErrUnknownStrategy", err)
	}
}

func TestResolve_CarriesBothSnapshotsAndEntryReference(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		strategy types.Strategy
		message  string
	}{
		{types.StrategyServerWins, "Server data preserved"},
		{types.StrategyLatestWins, "Server data is more recent"},
		{types.StrategyManual, "Manual resolution required"},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			server, entry := fixtures()
			before := string(server.Data)
			r, _ := New(tt.strategy)

			got := r.Resolve(server, entry, now)

			if got.Strategy != tt.strategy {
				t.Errorf("Strategy = %q, want %q", got.Strategy, tt.strategy)
			}
			if got.EntryID != entry.ID {
				t.Errorf("EntryID = %q, want %q", got.EntryID, entry.ID)
			}
			if string(got.ServerData) != before {
				t.Errorf("ServerData = %s, want %s", got.ServerData, before)
			}
			if string(got.ClientData) != string(entry.Changes) {
				t.Errorf("ClientData = %s, want %s", got.ClientData, entry.Changes)
			}
			if !strings.HasPrefix(got.Message, tt.message) {
				t.Errorf("Message = %q, want prefix %q", got.Message, tt.message)
			}
			if !got.DetectedAt.Equal(now) {
				t.Errorf("DetectedAt = %v, want %v", got.DetectedAt, now)
			}
			if string(server.Data) != before {
				t.Error("resolver mutated the server record")
			}
		})
	}
}

func TestResolve_ManualMessageNamesEntry(t *testing.T) {
	server, entry := fixtures()
	r, _ := New(types.StrategyManual)
	got := r.Resolve(server, entry, time.Now())
	if !strings.Contains(got.Message, entry.ID) {
		t.Errorf("manual message %q does not reference entry %s", got.Message, entry.ID)
	}
}
