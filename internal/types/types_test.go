package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEntityType_Valid(t *testing.T) {
	tests := []struct {
		in   EntityType
		want bool
	}{
		{EntityReliefCenter, true},
		{EntityNotification, true},
		{EntityUser, true},
		{"video", false},
		{"", false},
		{"ReliefCenter", false},
	}
	for _, tt := range tests {
		if got := tt.in.Valid(); got != tt.want {
			t.Errorf("EntityType(%q).Valid() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAction_Valid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		if !a.Valid() {
			t.Errorf("Action(%q).Valid() = false, want true", a)
		}
	}
	if Action("upsert").Valid() {
		t.Error("Action(upsert).Valid() = true, want false")
	}
}

func TestEntryStatus_Replayable(t *testing.T) {
	tests := []struct {
		status EntryStatus
		want   bool
	}{
		{StatusPending, true},
		{StatusConflicted, true},
		{StatusErrored, true},
		{StatusSynced, false},
		{StatusNeedsIntervention, false},
		{StatusDiscarded, false},
	}
	for _, tt := range tests {
		if got := tt.status.Replayable(); got != tt.want {
			t.Errorf("%s.Replayable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestEmergencyQueueItem_Failed(t *testing.T) {
	item := &EmergencyQueueItem{MaxRetries: 3}
	for retries := 0; retries < 3; retries++ {
		item.Retries = retries
		if item.Failed() {
			t.Errorf("Failed() = true at retries=%d, want false", retries)
		}
	}
	item.Retries = 3
	if !item.Failed() {
		t.Error("Failed() = false at retries=max, want true")
	}
}

func TestConflictRecord_JSONReferencesEntry(t *testing.T) {
	// Given: A conflict record for a specific entry
	rec := ConflictRecord{
		EntryID:    "01HQXYZ0000000000000000000",
		Strategy:   StrategyManual,
		ServerData: json.RawMessage(`{"a":1}`),
		ClientData: json.RawMessage(`{"a":2}`),
		Message:    "Manual resolution required",
		DetectedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	// When: It is encoded for a client
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Then: The entry reference and resolution survive on the wire
	s := string(b)
	for _, want := range []string{`"sync_log_id":"01HQXYZ0000000000000000000"`, `"resolution":"manual"`, `"server_data":{"a":1}`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded conflict %s missing %s", s, want)
		}
	}
}
