package handlers

import (
	"net/http"

	"github.com/hsvp/farmacontrol/backend/internal/kardex"
)

// Health handles GET /api/health
func Health(session *kardex.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "farmacontrol",
			"account": session.Account(),
			"ready":   session.Ready(),
		})
	}
}
