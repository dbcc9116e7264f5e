package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/cron"
	"github.com/coopco/sessiond/internal/dispatch"
	"github.com/coopco/sessiond/internal/session"
)

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrInitialization):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrContactsUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, cron.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrEmptyBatch),
		errors.Is(err, dispatch.ErrNoRecipient):
		return http.StatusBadRequest
	case errors.Is(err, cron.ErrInvalidSchedule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api: request failed", "status", status, "error", err)
	}
	writeErrorBody(w, status, errorBody{Error: err.Error()})
}

func writeErrorBody(w http.ResponseWriter, status int, body any) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "error", err)
	}
}
