package entity

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

var notificationFields = set("title", "message", "type", "priority", "location",
	"targetAudience", "buzzer", "expiresAt", "isActive")

// Notification applies edits to broadcast notifications.
type Notification struct{}

func (Notification) Type() types.EntityType { return types.EntityNotification }

func (Notification) Create(entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error) {
	changes, err := decodeDocument(entry.Changes, "changes")
	if err != nil {
		return nil, err
	}
	doc := document{"isActive": true}
	if err := doc.mergeFields(changes, notificationFields); err != nil {
		return nil, err
	}
	for _, f := range []string{"title", "message"} {
		if err := requireString(doc, f); err != nil {
			return nil, err
		}
	}
	doc["createdBy"] = entry.OwnerID
	return doc.encode()
}

func (Notification) Update(current json.RawMessage, entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error) {
	doc, err := decodeDocument(current, "notification")
	if err != nil {
		return nil, err
	}
	changes, err := decodeDocument(entry.Changes, "changes")
	if err != nil {
		return nil, err
	}
	if err := doc.mergeFields(changes, notificationFields); err != nil {
		return nil, err
	}
	return doc.encode()
}
