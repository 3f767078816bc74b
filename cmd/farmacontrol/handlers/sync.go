package handlers

import (
	"net/http"

	"github.com/hsvp/farmacontrol/backend/internal/kardex"
)

// SyncHandler handles sync status and operator actions on the queue.
type SyncHandler struct {
	session *kardex.Session
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(session *kardex.Session) *SyncHandler {
	return &SyncHandler{session: session}
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.session.Status())
}

// Flush handles POST /api/sync/flush
// Replays pending writes now. A flush already in flight is reported as skipped.
func (h *SyncHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	result, err := h.session.Flush(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      result.Status,
		"applied":     result.Applied,
		"failed":      result.Failed,
		"remaining":   result.Remaining,
		"skipped":     result.Skipped,
		"error":       result.Error,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// GetErrors handles GET /api/sync/errors
func (h *SyncHandler) GetErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": h.session.Engine().Errors(),
	})
}

// ClearQueue handles DELETE /api/sync/queue
// Drops every pending write and the failed write log.
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := h.session.ClearQueue(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Pending writes cleared",
	})
}
