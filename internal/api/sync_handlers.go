package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/reliefsync/internal/engine"
	"github.com/hyperengineering/reliefsync/internal/oplog"
	"github.com/hyperengineering/reliefsync/internal/types"
	"github.com/hyperengineering/reliefsync/internal/validation"
)

const (
	// DefaultDeltaLimit is the number of records returned when limit is omitted.
	DefaultDeltaLimit = 500

	// MaxDeltaLimit caps the limit query parameter.
	MaxDeltaLimit = 1000
)

// SyncSubmit handles POST /api/v1/sync
//
// Each offline update is appended to the owner's log, then the owner's log is
// drained. Entries that fail or conflict stay in the log and are reported in
// the sync result; the request itself still succeeds.
func (h *Handler) SyncSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	owner := MustOwnerIDFromContext(ctx)

	var req types.OfflineSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if errs := validation.ValidateOfflineSync(&req, h.maxUpdates); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid updates", errs)
		return
	}

	entries := make([]*types.SyncLogEntry, len(req.OfflineUpdates))
	for i, u := range req.OfflineUpdates {
		entries[i] = &types.SyncLogEntry{
			OwnerID:    owner,
			EntityType: u.EntityType,
			EntityID:   u.EntityID,
			Action:     u.Action,
			Changes:    u.Changes,
		}
		if u.Timestamp != nil {
			entries[i].OriginTimestamp = u.Timestamp.UTC()
		}
	}

	if err := h.log.AppendBatch(ctx, entries); err != nil {
		slog.Error("append offline updates failed",
			"component", "api",
			"action", "sync_submit_failed",
			"owner_id", owner,
			"error", err,
		)
		if errors.Is(err, oplog.ErrLogFull) {
			MapStoreError(w, r, err)
			return
		}
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}

	result, err := h.engine.Drain(ctx, owner)
	if err != nil {
		slog.Error("drain failed",
			"component", "api",
			"action", "sync_submit_failed",
			"owner_id", owner,
			"error", err,
		)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.OfflineSyncResponse{
		Accepted: len(entries),
		SyncMetadata: types.SyncMetadata{
			Timestamp:  h.now().Format(time.RFC3339),
			IsOnline:   h.monitor.IsOnline(),
			SyncResult: result,
		},
	})

	slog.Info("offline sync served",
		"component", "api",
		"action", "sync_submit",
		"owner_id", owner,
		"accepted", len(entries),
		"synced", result.Synced,
		"conflicts", result.Conflicts,
		"errors", result.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SyncPending handles GET /api/v1/sync/pending
func (h *Handler) SyncPending(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerIDFromContext(r.Context())
	entries, err := h.log.Pending(r.Context(), owner)
	if err != nil {
		slog.Error("list pending failed", "component", "api", "owner_id", owner, "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, types.EntryListResponse{Entries: entries, Total: len(entries)})
}

// SyncConflicts handles GET /api/v1/sync/conflicts
func (h *Handler) SyncConflicts(w http.ResponseWriter, r *http.Request) {
	owner := MustOwnerIDFromContext(r.Context())
	entries, err := h.log.Conflicts(r.Context(), owner)
	if err != nil {
		slog.Error("list conflicts failed", "component", "api", "owner_id", owner, "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, types.EntryListResponse{Entries: entries, Total: len(entries)})
}

// SyncResolve handles POST /api/v1/sync/entries/{id}/resolve
func (h *Handler) SyncResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := MustOwnerIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	if verr := validation.ValidateULID("id", id); verr != nil {
		WriteProblem(w, r, http.StatusBadRequest, "id "+verr.Message)
		return
	}

	var req types.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	// Entries owned by someone else are reported as missing.
	entry, err := h.log.Get(ctx, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if entry.OwnerID != owner {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}

	resolved, err := h.engine.Resolve(ctx, id, engine.Decision(req.Decision))
	if err != nil {
		slog.Warn("resolve failed",
			"component", "api",
			"action", "sync_resolve_failed",
			"owner_id", owner,
			"entry_id", id,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// SyncDelta handles GET /api/v1/sync/delta
func (h *Handler) SyncDelta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	since, entityType, limit, err := parseDeltaQuery(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	asOf := h.now()
	// Fetch one extra to learn whether more remain.
	records, err := h.store.RecordsChangedSince(ctx, since, entityType, limit+1)
	if err != nil {
		slog.Error("delta query failed",
			"component", "api",
			"action", "sync_delta_failed",
			"since", since,
			"error", err,
		)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	writeJSON(w, http.StatusOK, types.DeltaResponse{
		Records: records,
		AsOf:    asOf.Format(time.RFC3339Nano),
		HasMore: hasMore,
	})
}

// parseDeltaQuery extracts and validates query parameters for GET /sync/delta.
func parseDeltaQuery(r *http.Request) (time.Time, types.EntityType, int, error) {
	q := r.URL.Query()

	sinceStr := q.Get("since")
	if sinceStr == "" {
		return time.Time{}, "", 0, fmt.Errorf("missing required query parameter: since")
	}
	since, err := time.Parse(time.RFC3339Nano, sinceStr)
	if err != nil {
		return time.Time{}, "", 0, fmt.Errorf("invalid since parameter: must be RFC 3339")
	}

	entityType := types.EntityType(q.Get("entity_type"))
	if entityType != "" && !entityType.Valid() {
		return time.Time{}, "", 0, fmt.Errorf("invalid entity_type parameter: %q", entityType)
	}

	limit := DefaultDeltaLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return time.Time{}, "", 0, fmt.Errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return time.Time{}, "", 0, fmt.Errorf("invalid limit parameter: must be >= 1")
		}
		limit = min(limit, MaxDeltaLimit)
	}

	return since, entityType, limit, nil
}
