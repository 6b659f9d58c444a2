// Package api provides HTTP response utilities for RemindKit.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/remindkit/remindkit/internal/guard"
	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/reminders"
)

// Pre-marshaled fallback so an encoding failure still yields valid JSON.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals the response before writing headers so encoding
// errors never produce a half-written body.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeMutationResult writes a guarded mutation outcome. Admitted and
// replayed outcomes emit the (possibly cached) body verbatim; conflicts map
// to 409.
func writeMutationResult(w http.ResponseWriter, res reminders.Result) {
	if res.Kind == guard.Conflicted {
		writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrConflict.Error()))
		return
	}
	if res.Kind == guard.Replayed {
		w.Header().Set("Idempotent-Replay", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		slog.Error("Server.writeMutationResult: failed to write response", "error", err)
	}
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var vErr *models.ValidationError
	switch {
	case errors.As(err, &vErr),
		errors.Is(err, models.ErrEmptyOwner),
		errors.Is(err, models.ErrEmptyTitle),
		errors.Is(err, models.ErrTitleTooLong),
		errors.Is(err, models.ErrEmptyTimezone):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	case errors.Is(err, models.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
	case errors.Is(err, models.ErrInvalidStatus), errors.Is(err, models.ErrTerminalStatus):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	default:
		slog.Error("Server: request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
