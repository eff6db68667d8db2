package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/reliefsync/internal/types"
	"github.com/hyperengineering/reliefsync/internal/validation"
)

// EmergencyCall handles POST /api/v1/emergency/call
//
// Responds 200 when the call was placed and 202 when it was queued.
func (h *Handler) EmergencyCall(w http.ResponseWriter, r *http.Request) {
	var req types.CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if errs := validation.ValidateCallRequest(&req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}
	if req.CallerID == "" {
		req.CallerID = r.Header.Get(HeaderOwnerID)
	}

	resp, err := h.queue.Call(r.Context(), req)
	if err != nil {
		slog.Error("emergency call failed",
			"component", "api",
			"action", "emergency_call_failed",
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if resp.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// EmergencyQueue handles GET /api/v1/emergency/queue
func (h *Handler) EmergencyQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.List(r.Context())
	if err != nil {
		slog.Error("list emergency queue failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}

	resp := types.QueueListResponse{Items: items, Total: len(items)}
	for i := range items {
		if items[i].Failed() {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// EmergencyProcess handles POST /api/v1/emergency/queue/process
func (h *Handler) EmergencyProcess(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.Process(r.Context())
	if err != nil {
		slog.Error("process emergency queue failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Sync store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
