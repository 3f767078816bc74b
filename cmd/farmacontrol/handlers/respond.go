// Package handlers provides the REST API handlers of the local server.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/hsvp/farmacontrol/backend/internal/errors"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// statusFor maps an error code to an HTTP status.
func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrNoSession:
		return http.StatusUnauthorized
	case apperrors.ErrSyncBusy, apperrors.ErrRolloverBusy, apperrors.ErrRolloverDeclined, apperrors.ErrRxExhausted:
		return http.StatusConflict
	case apperrors.ErrQueueFull, apperrors.ErrOffline:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, map[string]interface{}{
		"code":    code,
		"message": err.Error(),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
