package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
)

var (
	reliefCenterFields = set("name", "location", "capacity", "contact", "status", "resources")
	resourceTypes      = set("food", "water", "medical", "shelter")
	centerStatuses     = set("Active", "Full", "Inactive", "Emergency")
)

// ReliefCenter applies field updates to relief centers.
//
// An update may carry a resource block change as
// {"resourceType": "food", "newValue": {...}}, which is merged into
// resources[resourceType] and stamped with lastUpdated and updatedBy.
// Any other keys are plain field updates.
type ReliefCenter struct{}

func (ReliefCenter) Type() types.EntityType { return types.EntityReliefCenter }

func (ReliefCenter) Create(entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error) {
	changes, err := decodeDocument(entry.Changes, "changes")
	if err != nil {
		return nil, err
	}
	doc := document{}
	if err := doc.mergeFields(changes, reliefCenterFields); err != nil {
		return nil, err
	}
	if err := requireString(doc, "name"); err != nil {
		return nil, err
	}
	if _, ok := doc["status"]; !ok {
		doc["status"] = "Active"
	}
	if err := finishCenter(doc); err != nil {
		return nil, err
	}
	return doc.encode()
}

func (ReliefCenter) Update(current json.RawMessage, entry *types.SyncLogEntry, now time.Time) (json.RawMessage, error) {
	doc, err := decodeDocument(current, "relief center")
	if err != nil {
		return nil, err
	}
	changes, err := decodeDocument(entry.Changes, "changes")
	if err != nil {
		return nil, err
	}

	if rt, ok := changes["resourceType"]; ok {
		name, _ := rt.(string)
		if !resourceTypes[name] {
			return nil, fmt.Errorf("%w: unknown resource type %v", ErrInvalidChanges, rt)
		}
		newValue, ok := changes["newValue"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: newValue must be an object", ErrInvalidChanges)
		}
		block, _ := doc.object("resources")[name].(map[string]any)
		if block == nil {
			block = map[string]any{}
		}
		for k, v := range newValue {
			block[k] = v
		}
		block["lastUpdated"] = now.UTC().Format(time.RFC3339Nano)
		block["updatedBy"] = entry.OwnerID
		doc.object("resources")[name] = block

		delete(changes, "resourceType")
		delete(changes, "newValue")
	}

	if err := doc.mergeFields(changes, reliefCenterFields); err != nil {
		return nil, err
	}
	if err := finishCenter(doc); err != nil {
		return nil, err
	}
	return doc.encode()
}

// finishCenter validates status and recomputes available capacity.
func finishCenter(doc document) error {
	if s, ok := doc["status"]; ok {
		name, _ := s.(string)
		if !centerStatuses[name] {
			return fmt.Errorf("%w: unknown status %v", ErrInvalidChanges, s)
		}
	}
	capacity, ok := doc["capacity"].(map[string]any)
	if !ok {
		return nil
	}
	total, hasTotal := capacity["total"].(float64)
	if !hasTotal {
		return nil
	}
	occupied, _ := capacity["occupied"].(float64)
	if occupied < 0 || occupied > total {
		return fmt.Errorf("%w: occupied %v outside capacity %v", ErrInvalidChanges, occupied, total)
	}
	capacity["available"] = total - occupied
	return nil
}
