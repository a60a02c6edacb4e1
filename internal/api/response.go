package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/activityfeed/internal/feed"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFeedError maps feed errors onto HTTP statuses.
func writeFeedError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, feed.ErrNotFound), errors.Is(err, feed.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, feed.ErrUnknownCategory):
		status = http.StatusBadRequest
	case errors.Is(err, feed.ErrClosed):
		status = http.StatusGone
	case errors.Is(err, scope.ErrScopeUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
