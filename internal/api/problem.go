package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/reliefsync/internal/emergency"
	"github.com/hyperengineering/reliefsync/internal/engine"
	"github.com/hyperengineering/reliefsync/internal/entity"
	"github.com/hyperengineering/reliefsync/internal/oplog"
	"github.com/hyperengineering/reliefsync/internal/snapshot"
	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/validation"
)

const problemBaseURI = "https://reliefsync.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized:        {problemBaseURI + "unauthorized", "Unauthorized"},
	http.StatusBadRequest:          {problemBaseURI + "bad-request", "Bad Request"},
	http.StatusNotFound:            {problemBaseURI + "not-found", "Not Found"},
	http.StatusInternalServerError: {problemBaseURI + "internal-error", "Internal Server Error"},
	http.StatusUnprocessableEntity: {problemBaseURI + "validation-error", "Validation Error"},
	http.StatusServiceUnavailable:  {problemBaseURI + "service-unavailable", "Service Unavailable"},
	http.StatusConflict:            {problemBaseURI + "conflict", "Conflict"},
	http.StatusTooManyRequests:     {problemBaseURI + "log-full", "Too Many Requests"},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{typeURI: problemBaseURI + "unknown", title: http.StatusText(status)}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrEntryImmutable):
		WriteProblem(w, r, http.StatusConflict, "Entry already synced")
	case errors.Is(err, engine.ErrNotResolvable):
		WriteProblem(w, r, http.StatusConflict, "Entry is not awaiting resolution")
	case errors.Is(err, store.ErrVersionConflict):
		WriteProblem(w, r, http.StatusConflict, "Record changed concurrently")
	case errors.Is(err, store.ErrAlreadyExists):
		WriteProblem(w, r, http.StatusConflict, "Record already exists")
	case errors.Is(err, engine.ErrRecordDeleted):
		WriteProblem(w, r, http.StatusConflict, "Record is deleted")
	case errors.Is(err, engine.ErrUnknownDecision):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Unknown resolution decision")
	case errors.Is(err, entity.ErrUnsupportedEntity), errors.Is(err, entity.ErrInvalidChanges):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, oplog.ErrLogFull):
		WriteProblem(w, r, http.StatusTooManyRequests, "Offline log is full for this owner")
	case errors.Is(err, emergency.ErrQueueFull):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Emergency queue is full")
	case errors.Is(err, snapshot.ErrNotConfigured):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot storage not configured")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
