// Package handlers provides REST API handlers for sync status and operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/sitesync/internal/errors"
	"github.com/kimhsiao/sitesync/internal/logging"
	"github.com/kimhsiao/sitesync/internal/models"
	syncpkg "github.com/kimhsiao/sitesync/internal/sync"
	"github.com/kimhsiao/sitesync/internal/sync/conflict"
	"github.com/kimhsiao/sitesync/internal/sync/scheduler"
)

// Scheduler is the part of the trigger the handlers drive.
type Scheduler interface {
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
	SyncNow(ctx context.Context) (*syncpkg.RunSummary, error)
	SetOnlineStatus(isOnline bool)
}

// Queue is the part of the engine the handlers read and edit.
type Queue interface {
	Conflicts(ctx context.Context) ([]*models.ActionRecord, error)
	Discard(ctx context.Context, id string) error
}

// Records looks up a single action record.
type Records interface {
	GetByID(ctx context.Context, id string) (*models.ActionRecord, error)
}

// ConflictResolver applies a user-chosen strategy to a conflicted record.
type ConflictResolver interface {
	Resolve(ctx context.Context, rec *models.ActionRecord, strategy conflict.Strategy, merge conflict.MergeFunc) (*conflict.Resolution, error)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	scheduler Scheduler
	queue     Queue
	records   Records
	resolver  ConflictResolver
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(sched Scheduler, queue Queue, records Records, resolver ConflictResolver) *SyncHandler {
	return &SyncHandler{
		scheduler: sched,
		queue:     queue,
		records:   records,
		resolver:  resolver,
	}
}

// Routes mounts the sync endpoints on r.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Get("/status", h.GetStatus)
	r.Post("/now", h.SyncNow)
	r.Post("/online", h.SetOnline)
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
	r.Delete("/records/{id}", h.DiscardRecord)
}

// =====================================================
// Status and Triggers
// =====================================================

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SyncNow handles POST /sync/now
// Drains the queue and waits for the summary.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SetOnline handles POST /sync/online
// Body: {"online": true}. Coming back online starts a drain.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "body must be {\"online\": true|false}"))
		return
	}

	h.scheduler.SetOnlineStatus(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{"online": *request.Online})
}

// =====================================================
// Conflicts and Records
// =====================================================

// ListConflicts handles GET /sync/conflicts
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	records, err := h.queue.Conflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*models.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": records,
		"total":     len(records),
	})
}

// ResolveConflict handles POST /sync/conflicts/{id}/resolve
// Body: {"strategy": "server_wins" | "client_wins" | "merge" | "keep_both"}.
// The merge strategy overlays the local edit onto the server snapshot.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var request struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	strategy, err := conflict.ParseStrategy(request.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.records.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resolution, err := h.resolver.Resolve(r.Context(), rec, strategy, conflict.OverlayMerge)
	if err != nil {
		writeError(w, err)
		return
	}

	response := map[string]interface{}{
		"record_id": id,
		"strategy":  resolution.Strategy,
	}
	if resolution.Requeued != nil {
		response["requeued_id"] = resolution.Requeued.ID
	}
	writeJSON(w, http.StatusOK, response)
}

// DiscardRecord handles DELETE /sync/records/{id}
// Only pending, failed and conflicted records can be discarded.
func (h *SyncHandler) DiscardRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Responses
// =====================================================

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// writeError maps err to a status code and writes {"error", "code"}.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(apperrors.CodeOf(err)), err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncpkg.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, conflict.ErrNotInConflict):
		return http.StatusConflict
	}

	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrSyncNotEditable:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
