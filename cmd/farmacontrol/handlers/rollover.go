package handlers

import (
	"net/http"

	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/kardex"
	"github.com/hsvp/farmacontrol/backend/internal/rollover"
)

// RolloverHandler starts and resumes period rollovers.
type RolloverHandler struct {
	session *kardex.Session
}

// NewRolloverHandler creates a new RolloverHandler.
func NewRolloverHandler(session *kardex.Session) *RolloverHandler {
	return &RolloverHandler{session: session}
}

func resultBody(res *rollover.Result) map[string]interface{} {
	return map[string]interface{}{
		"backup_path": res.BackupPath,
		"carry_over":  len(res.CarryOver),
		"deleted":     res.Deleted,
		"purged":      res.Purged,
		"resumed":     res.Resumed,
		"duration_ms": res.Duration.Milliseconds(),
	}
}

// Run handles POST /api/rollover?confirm=true
// Without confirm=true the request is treated as declined.
func (h *RolloverHandler) Run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ctx := r.Context()
	if r.URL.Query().Get("confirm") == "true" {
		ctx = rollover.WithConfirmation(ctx)
	}
	res, err := h.session.Rollover(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody(res))
}

// Resume handles POST /api/rollover/resume
func (h *RolloverHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res, err := h.session.ResumeRollover(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		writeError(w, apperrors.New(apperrors.ErrNotFound, "no unfinished rollover"))
		return
	}
	writeJSON(w, http.StatusOK, resultBody(res))
}
