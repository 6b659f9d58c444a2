package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/remindkit/remindkit/internal/models"
	"github.com/remindkit/remindkit/internal/reminders"
)

// remindersHandler handles the collection endpoints (POST and GET /reminders).
func (s *Server) remindersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.remindersHandler: processing request", "method", r.Method, "path", r.URL.Path)

	switch r.Method {
	case http.MethodPost:
		s.createHandler(w, r)
	case http.MethodGet:
		s.listHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.remindersHandler: method not allowed", "method", r.Method)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// reminderHandler routes the per-item endpoints:
// /reminders/{id}, /reminders/{id}/snooze, /reminders/{id}/cancel,
// /reminders/{id}/done, /reminders/{id}/attempts.
func (s *Server) reminderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	path := strings.TrimPrefix(r.URL.Path, "/reminders/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing reminder id"))
		return
	}
	id := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getHandler(w, r, id)
		case http.MethodPatch:
			s.updateHandler(w, r, id)
		default:
			w.Header().Set("Allow", "GET, PATCH")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if len(segments) == 2 {
		switch segments[1] {
		case "snooze":
			s.requirePost(w, r, id, s.snoozeHandler)
		case "cancel":
			s.requirePost(w, r, id, s.cancelHandler)
		case "done":
			s.requirePost(w, r, id, s.doneHandler)
		case "attempts":
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
				return
			}
			s.attemptsHandler(w, r, id)
		default:
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown reminder endpoint"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown reminder endpoint"))
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, id string, h func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	h(w, r, id)
}

func (s *Server) createHandler(w http.ResponseWriter, r *http.Request) {
	var req reminders.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	res, err := s.svc.Create(r.Context(), r.Header.Get(HeaderIdempotencyKey), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("Server.createHandler: reminder created", "replayed", res.Kind)
	writeMutationResult(w, res)
}

func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: owner_id"))
		return
	}
	items, err := s.svc.List(ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Debug("Server.listHandler: reminders fetched", "ownerID", ownerID, "count", len(items))
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

func (s *Server) getHandler(w http.ResponseWriter, r *http.Request, id string) {
	item, err := s.svc.Get(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(item))
}

func (s *Server) updateHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req reminders.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.updateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.svc.Update(r.Context(), r.Header.Get(HeaderIdempotencyKey), id, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeMutationResult(w, res)
}

func (s *Server) snoozeHandler(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Until time.Time `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.snoozeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Until.IsZero() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: until"))
		return
	}
	res, err := s.svc.Snooze(r.Context(), r.Header.Get(HeaderIdempotencyKey), id, req.Until)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("Server.snoozeHandler: reminder snoozed", "id", id, "until", req.Until)
	writeMutationResult(w, res)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.svc.Cancel(r.Context(), r.Header.Get(HeaderIdempotencyKey), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("Server.cancelHandler: reminder cancelled", "id", id)
	writeMutationResult(w, res)
}

func (s *Server) doneHandler(w http.ResponseWriter, r *http.Request, id string) {
	res, err := s.svc.MarkDone(r.Context(), r.Header.Get(HeaderIdempotencyKey), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("Server.doneHandler: reminder marked done", "id", id)
	writeMutationResult(w, res)
}

func (s *Server) attemptsHandler(w http.ResponseWriter, r *http.Request, id string) {
	attempts, err := s.svc.History(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Debug("Server.attemptsHandler: attempts fetched", "id", id, "count", len(attempts))
	writeJSONResponse(w, http.StatusOK, models.Success(attempts))
}

// healthHandler provides a health check endpoint for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
