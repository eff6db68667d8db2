package entity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func entryWith(owner, changes string) *types.SyncLogEntry {
	return &types.SyncLogEntry{ID: "e1", OwnerID: owner, Changes: json.RawMessage(changes)}
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return m
}

// --- Registry ---

func TestRegistry_DefaultCoversAllEntityTypes(t *testing.T) {
	r := DefaultRegistry()
	for _, et := range []types.EntityType{types.EntityReliefCenter, types.EntityNotification, types.EntityUser} {
		a, err := r.Get(et)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", et, err)
		}
		if a.Type() != et {
			t.Errorf("Get(%q).Type() = %q", et, a.Type())
		}
	}
	if got := len(r.Types()); got != 3 {
		t.Errorf("Types() = %d, want 3", got)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := DefaultRegistry().Get("video")
	if !errors.Is(err, ErrUnsupportedEntity) {
		t.Errorf("error = %v, want ErrUnsupportedEntity", err)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewRegistry(User{}, User{})
}

// --- Relief centers ---

func TestReliefCenter_UpdateMergesResourceBlock(t *testing.T) {
	current := json.RawMessage(`{"name":"Camp A","resources":{"food":{"available":10,"unit":"kg"},"water":{"available":5}}}`)
	entry := entryWith("user-7", `{"resourceType":"food","newValue":{"available":3}}`)

	out, err := ReliefCenter{}.Update(current, entry, now)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	doc := decode(t, out)
	food := doc["resources"].(map[string]any)["food"].(map[string]any)
	if food["available"] != float64(3) {
		t.Errorf("food.available = %v, want 3", food["available"])
	}
	if food["unit"] != "kg" {
		t.Errorf("food.unit = %v, want kg (merge must keep existing keys)", food["unit"])
	}
	if food["updatedBy"] != "user-7" {
		t.Errorf("food.updatedBy = %v, want user-7", food["updatedBy"])
	}
	if food["lastUpdated"] != now.Format(time.RFC3339Nano) {
		t.Errorf("food.lastUpdated = %v", food["lastUpdated"])
	}
	water := doc["resources"].(map[string]any)["water"].(map[string]any)
	if water["available"] != float64(5) {
		t.Errorf("water block changed: %v", water)
	}
}

func TestReliefCenter_UpdateFieldsAndCapacity(t *testing.T) {
	current := json.RawMessage(`{"name":"Camp A","status":"Active","capacity":{"total":100,"occupied":10,"available":90}}`)
	entry := entryWith("u", `{"status":"Full","capacity":{"occupied":100}}`)

	out, err := ReliefCenter{}.Update(current, entry, now)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	doc := decode(t, out)
	if doc["status"] != "Full" {
		t.Errorf("status = %v", doc["status"])
	}
	capacity := doc["capacity"].(map[string]any)
	if capacity["available"] != float64(0) || capacity["total"] != float64(100) {
		t.Errorf("capacity = %v", capacity)
	}
}

func TestReliefCenter_UpdateRejectsInvalidChanges(t *testing.T) {
	current := json.RawMessage(`{"name":"Camp A","capacity":{"total":10}}`)
	tests := map[string]string{
		"unknown resource": `{"resourceType":"fuel","newValue":{"available":1}}`,
		"newValue scalar":  `{"resourceType":"food","newValue":3}`,
		"unknown field":    `{"syncVersion":9}`,
		"bad status":       `{"status":"Closed"}`,
		"over capacity":    `{"capacity":{"occupied":11}}`,
		"not an object":    `[1,2]`,
	}
	for name, changes := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReliefCenter{}.Update(current, entryWith("u", changes), now)
			if !errors.Is(err, ErrInvalidChanges) {
				t.Errorf("error = %v, want ErrInvalidChanges", err)
			}
		})
	}
}

func TestReliefCenter_Create(t *testing.T) {
	out, err := ReliefCenter{}.Create(entryWith("u", `{"name":"Camp B","capacity":{"total":50,"occupied":5}}`), now)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	doc := decode(t, out)
	if doc["status"] != "Active" {
		t.Errorf("default status = %v, want Active", doc["status"])
	}
	if doc["capacity"].(map[string]any)["available"] != float64(45) {
		t.Errorf("available = %v, want 45", doc["capacity"])
	}

	if _, err := (ReliefCenter{}).Create(entryWith("u", `{"status":"Active"}`), now); !errors.Is(err, ErrInvalidChanges) {
		t.Errorf("create without name error = %v, want ErrInvalidChanges", err)
	}
}

// --- Notifications ---

func TestNotification_CreateAndUpdate(t *testing.T) {
	out, err := Notification{}.Create(entryWith("officer-1", `{"title":"Flood","message":"Move to higher ground","priority":"high"}`), now)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	doc := decode(t, out)
	if doc["createdBy"] != "officer-1" || doc["isActive"] != true {
		t.Errorf("created doc = %v", doc)
	}

	out, err = Notification{}.Update(out, entryWith("officer-1", `{"isActive":false}`), now)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	doc = decode(t, out)
	if doc["isActive"] != false || doc["title"] != "Flood" {
		t.Errorf("updated doc = %v", doc)
	}

	if _, err := (Notification{}).Create(entryWith("u", `{"title":"No body"}`), now); !errors.Is(err, ErrInvalidChanges) {
		t.Errorf("create without message error = %v, want ErrInvalidChanges", err)
	}
}

// --- Users ---

func TestUser_UpdateProfileOnly(t *testing.T) {
	current := json.RawMessage(`{"name":"Asha","role":"Public","emergencyContacts":{"primary":{"name":"Ravi"}}}`)

	out, err := User{}.Update(current, entryWith("u", `{"emergencyContacts":{"secondary":{"name":"Mina"}}}`), now)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	contacts := decode(t, out)["emergencyContacts"].(map[string]any)
	if contacts["primary"] == nil || contacts["secondary"] == nil {
		t.Errorf("contacts = %v, want both primary and secondary", contacts)
	}

	for _, field := range []string{`{"role":"Government"}`, `{"password":"x"}`, `{"permissions":{"canUpdateCamps":true}}`} {
		if _, err := (User{}).Update(current, entryWith("u", field), now); !errors.Is(err, ErrInvalidChanges) {
			t.Errorf("Update(%s) error = %v, want ErrInvalidChanges", field, err)
		}
	}
}

func TestUser_CreateUnsupported(t *testing.T) {
	_, err := User{}.Create(entryWith("u", `{"name":"x"}`), now)
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("error = %v, want ErrUnsupportedAction", err)
	}
}
