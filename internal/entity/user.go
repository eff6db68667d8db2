package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

// Only profile fields sync from devices. Role, password and permissions
// change through the account service.
var userFields = set("name", "middleName", "dateOfBirth", "age", "email", "phone",
	"location", "medicalInfo", "emergencyContacts", "offlineData")

// User applies offline profile edits.
type User struct{}

func (User) Type() types.EntityType { return types.EntityUser }

func (User) Create(entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: users are created by the account service", ErrUnsupportedAction)
}

func (User) Update(current json.RawMessage, entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error) {
	doc, err := decodeDocument(current, "user")
	if err != nil {
		return nil, err
	}
	changes, err := decodeDocument(entry.Changes, "changes")
	if err != nil {
		return nil, err
	}
	if err := doc.mergeFields(changes, userFields); err != nil {
		return nil, err
	}
	return doc.encode()
}
