package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/reliefsync/internal/emergency"
	"github.com/hyperengineering/reliefsync/internal/engine"
	"github.com/hyperengineering/reliefsync/internal/oplog"
	"github.com/hyperengineering/reliefsync/internal/snapshot"
	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/types"
)

// OnlineChecker reports the last observed connectivity state.
type OnlineChecker interface {
	IsOnline() bool
}

// Services bundles the collaborators the handlers call into.
type Services struct {
	Store    store.Store
	Log      *oplog.Log
	Engine   *engine.Engine
	Queue    *emergency.Queue
	Monitor  OnlineChecker
	Uploader snapshot.Uploader
}

// Handler implements the API handlers
type Handler struct {
	store      store.Store
	log        *oplog.Log
	engine     *engine.Engine
	queue      *emergency.Queue
	monitor    OnlineChecker
	uploader   snapshot.Uploader
	apiKey     string
	version    string
	maxUpdates int
	now        func() time.Time
}

// NewHandler creates a new Handler. maxUpdates caps the number of updates in
// a single offline sync submission; <= 0 means unlimited.
func NewHandler(svc Services, apiKey, version string, maxUpdates int) *Handler {
	uploader := svc.Uploader
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	return &Handler{
		store:      svc.Store,
		log:        svc.Log,
		engine:     svc.Engine,
		queue:      svc.Queue,
		monitor:    svc.Monitor,
		uploader:   uploader,
		apiKey:     apiKey,
		version:    version,
		maxUpdates: maxUpdates,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.store.Ping(ctx); err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}

	depth, err := h.queue.Len(ctx)
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		IsOnline:   h.monitor.IsOnline(),
		QueueDepth: depth,
		Strategy:   string(h.engine.Strategy()),
	})
}

// Snapshot handles GET /api/v1/snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	url, expiresAt, err := h.uploader.PresignedURL(r.Context())
	if err != nil {
		slog.Warn("snapshot url unavailable", "component", "api", "action", "snapshot", "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.SnapshotResponse{
		URL:       url,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
