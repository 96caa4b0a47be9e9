package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/halcyon-sec/aegiscore/internal/domain"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, trimSentinel(err, domain.ErrUnknownAgent))
	case errors.Is(err, domain.ErrDuplicateAgent):
		writeError(w, http.StatusConflict, trimSentinel(err, domain.ErrDuplicateAgent))
	case errors.Is(err, domain.ErrEscalationPending):
		writeError(w, http.StatusConflict, domain.ErrEscalationPending.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, trimSentinel(err, domain.ErrValidation))
	case errors.Is(err, domain.ErrQueueSaturated):
		// Backpressure, not failure: callers should retry later.
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, domain.ErrQueueSaturated.Error())
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// trimSentinel strips the sentinel prefix so clients see the detail, not
// the wrapping.
func trimSentinel(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

// writeInternalError logs the actual error server-side and returns a generic message to the client.
func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
