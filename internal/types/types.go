package types

import (
	"encoding/json"
	"time"
)

// EntityType identifies which authoritative collection a mutation targets.
type EntityType string

const (
	EntityReliefCenter EntityType = "reliefCenter"
	EntityNotification EntityType = "notification"
	EntityUser         EntityType = "user"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityReliefCenter, EntityNotification, EntityUser:
		return true
	}
	return false
}

// Action is the kind of mutation a client queued.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// EntryStatus tracks where a SyncLogEntry is in its replay lifecycle.
type EntryStatus string

const (
	StatusPending           EntryStatus = "pending"
	StatusConflicted        EntryStatus = "conflicted"
	StatusErrored           EntryStatus = "errored"
	StatusSynced            EntryStatus = "synced"
	StatusNeedsIntervention EntryStatus = "needs_intervention"
	StatusDiscarded         EntryStatus = "discarded"
)

// Replayable reports whether entries in this status are picked up by a drain.
func (s EntryStatus) Replayable() bool {
	switch s {
	case StatusPending, StatusConflicted, StatusErrored:
		return true
	}
	return false
}

// Strategy names a conflict resolution strategy.
type Strategy string

const (
	StrategyLatestWins Strategy = "latest_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyManual     Strategy = "manual"
)

// SyncLogEntry is one queued client mutation in the operation log.
type SyncLogEntry struct {
	ID              string          `json:"id"`
	Sequence        int64           `json:"sequence"`
	OwnerID         string          `json:"owner_id"`
	EntityType      EntityType      `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Action          Action          `json:"action"`
	Changes         json.RawMessage `json:"changes,omitempty"`
	OriginTimestamp time.Time       `json:"origin_timestamp"`
	ReceivedAt      time.Time       `json:"received_at"`
	Synced          bool            `json:"synced"`
	SyncedAt        *time.Time      `json:"synced_at,omitempty"`
	ConflictData    *ConflictRecord `json:"conflict_data,omitempty"`
	Status          EntryStatus     `json:"status"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error,omitempty"`
}

// ConflictRecord captures both sides of a rejected client mutation.
type ConflictRecord struct {
	EntryID    string          `json:"sync_log_id"`
	Strategy   Strategy        `json:"resolution"`
	ServerData json.RawMessage `json:"server_data,omitempty"`
	ClientData json.RawMessage `json:"client_data,omitempty"`
	Message    string          `json:"message"`
	DetectedAt time.Time       `json:"detected_at"`
}

// EntryOutcome is what the engine writes back to a log entry that did not sync.
type EntryOutcome struct {
	Status    EntryStatus
	Attempts  int
	LastError string
	Conflict  *ConflictRecord
}

// AuthoritativeRecord is the server-side source of truth for one entity.
// LastSyncTimestamp and SyncVersion form the conflict-detection clock.
type AuthoritativeRecord struct {
	EntityType        EntityType      `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	Data              json.RawMessage `json:"data"`
	LastSyncTimestamp time.Time       `json:"last_sync_timestamp"`
	SyncVersion       int64           `json:"sync_version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
}

// DrainResult aggregates the outcome of one drain pass.
type DrainResult struct {
	Synced    int `json:"synced"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
	Batches   int `json:"batches"`
}

// QueueItemType identifies the kind of emergency work queued.
type QueueItemType string

const QueueItemEmergencyCall QueueItemType = "emergency_call"

// Location is where a caller reported being.
type Location struct {
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

// CallRequest is the payload handed to an emergency dispatch collaborator.
type CallRequest struct {
	ContactPhone string    `json:"contact_phone"`
	Message      string    `json:"message"`
	Location     *Location `json:"location,omitempty"`
	CallerID     string    `json:"caller_id,omitempty"`
}

// EmergencyQueueItem is an emergency call attempt awaiting dispatch.
type EmergencyQueueItem struct {
	ID            string        `json:"id"`
	Type          QueueItemType `json:"type"`
	Payload       CallRequest   `json:"payload"`
	Priority      string        `json:"priority"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	Retries       int           `json:"retries"`
	MaxRetries    int           `json:"max_retries"`
	LastError     string        `json:"last_error,omitempty"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
}

// Failed reports whether the item exhausted its retries. Failed items stay
// queued for operators and are never dispatched again.
func (i *EmergencyQueueItem) Failed() bool {
	return i.Retries >= i.MaxRetries
}

// --- HTTP request/response shapes ---

// OfflineUpdate is one client-side mutation in an offline sync submission.
type OfflineUpdate struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     Action          `json:"action"`
	Changes    json.RawMessage `json:"changes"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
}

// OfflineSyncRequest is the body of POST /api/v1/sync.
type OfflineSyncRequest struct {
	OfflineUpdates []OfflineUpdate `json:"offline_updates"`
}

// SyncMetadata is attached to offline sync responses.
type SyncMetadata struct {
	Timestamp  string       `json:"timestamp"`
	IsOnline   bool         `json:"is_online"`
	SyncResult *DrainResult `json:"sync_result"`
}

// OfflineSyncResponse is the response envelope for POST /api/v1/sync.
type OfflineSyncResponse struct {
	Accepted     int          `json:"accepted"`
	SyncMetadata SyncMetadata `json:"sync_metadata"`
}

// EntryListResponse lists sync log entries for an owner.
type EntryListResponse struct {
	Entries []SyncLogEntry `json:"entries"`
	Total   int            `json:"total"`
}

// ResolveRequest is the body of POST /api/v1/sync/entries/{id}/resolve.
type ResolveRequest struct {
	Decision string `json:"decision"`
}

// DeltaResponse lists authoritative records changed since a point in time.
type DeltaResponse struct {
	Records []AuthoritativeRecord `json:"records"`
	AsOf    string                `json:"as_of"`
	HasMore bool                  `json:"has_more"`
}

// EmergencyCallResponse reports what happened to an emergency call request.
type EmergencyCallResponse struct {
	Dispatched bool   `json:"dispatched"`
	Queued     bool   `json:"queued"`
	ItemID     string `json:"item_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// QueueListResponse lists emergency queue items.
type QueueListResponse struct {
	Items  []EmergencyQueueItem `json:"items"`
	Total  int                  `json:"total"`
	Failed int                  `json:"failed"`
}

// ProcessResult reports one pass over the emergency queue.
type ProcessResult struct {
	Attempted  int `json:"attempted"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// SnapshotResponse points a device at the latest published snapshot.
type SnapshotResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	IsOnline   bool   `json:"is_online"`
	QueueDepth int    `json:"queue_depth"`
	Strategy   string `json:"conflict_strategy"`
}
