// Package api provides HTTP handlers for EventTalk endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// DefaultHealthCheckTimeout bounds the store probe in the health endpoint.
const DefaultHealthCheckTimeout = 5 * time.Second

// healthHandler provides a health check endpoint for monitoring and load
// balancing. Store reachability is probed through the tracked-sender count.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultHealthCheckTimeout)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if count, err := s.st.CountTrackedSenders(ctx); err != nil {
		slog.Warn("Health check: store probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach store"
	} else {
		healthData["tracked_senders"] = count
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

// eventsHandler routes /api/v1/events and /api/v1/events/{id}.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.eventsHandler: processing request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/events")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			s.listEventsHandler(w, r)
		case http.MethodPost:
			s.upsertEventHandler(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	segments := strings.Split(path, "/")
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getEventHandler(w, r, segments[0])
		default:
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown events endpoint"))
}

// listEventsHandler handles GET /api/v1/events.
func (s *Server) listEventsHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.st.ListEventIDs(r.Context())
	if err != nil {
		slog.Error("Server.listEventsHandler: failed to list events", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list events"))
		return
	}
	slog.Debug("Server.listEventsHandler: events listed", "count", len(ids))
	writeJSONResponse(w, http.StatusOK, models.Success(ids))
}

// upsertEventHandler handles POST /api/v1/events.
func (s *Server) upsertEventHandler(w http.ResponseWriter, r *http.Request) {
	var rec models.EventConfigRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		slog.Warn("Server.upsertEventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := rec.Validate(); err != nil {
		slog.Warn("Server.upsertEventHandler: validation failed", "error", err, "event", rec.EventID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveEventConfig(r.Context(), &rec); err != nil {
		slog.Error("Server.upsertEventHandler: failed to save event config", "error", err, "event", rec.EventID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save event configuration"))
		return
	}
	slog.Info("Server.upsertEventHandler: event configuration saved", "event", rec.EventID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Event configuration saved", rec.EventID))
}

// getEventHandler handles GET /api/v1/events/{id}.
func (s *Server) getEventHandler(w http.ResponseWriter, r *http.Request, eventID string) {
	rec, err := s.st.GetEventConfig(r.Context(), eventID)
	if err != nil {
		slog.Error("Server.getEventHandler: failed to get event config", "error", err, "event", eventID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get event configuration"))
		return
	}
	if rec == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Event not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// blocklistRequest is the body of POST /api/v1/blocklist.
type blocklistRequest struct {
	Phone string `json:"phone"`
}

// blocklistHandler routes /api/v1/blocklist and /api/v1/blocklist/{phone}.
func (s *Server) blocklistHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.blocklistHandler: processing request", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/blocklist")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			s.listBlockedHandler(w, r)
		case http.MethodPost:
			s.addBlockedHandler(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	segments := strings.Split(path, "/")
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodDelete:
			s.removeBlockedHandler(w, r, segments[0])
		default:
			w.Header().Set("Allow", http.MethodDelete)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown blocklist endpoint"))
}

// listBlockedHandler handles GET /api/v1/blocklist.
func (s *Server) listBlockedHandler(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.st.ListBlockedNumbers(r.Context())
	if err != nil {
		slog.Error("Server.listBlockedHandler: failed to list blocked numbers", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list blocked numbers"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(numbers))
}

// addBlockedHandler handles POST /api/v1/blocklist.
func (s *Server) addBlockedHandler(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.addBlockedHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone := models.NormalizeSenderID(req.Phone)
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: phone"))
		return
	}
	if err := s.st.AddBlockedNumber(r.Context(), phone); err != nil {
		slog.Error("Server.addBlockedHandler: failed to block number", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to block number"))
		return
	}
	slog.Info("Server.addBlockedHandler: number blocked", "phone", phone)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Number blocked", phone))
}

// removeBlockedHandler handles DELETE /api/v1/blocklist/{phone}.
func (s *Server) removeBlockedHandler(w http.ResponseWriter, r *http.Request, rawPhone string) {
	phone := models.NormalizeSenderID(rawPhone)
	if phone == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		return
	}
	if err := s.st.RemoveBlockedNumber(r.Context(), phone); err != nil {
		slog.Error("Server.removeBlockedHandler: failed to unblock number", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to unblock number"))
		return
	}
	slog.Info("Server.removeBlockedHandler: number unblocked", "phone", phone)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Number unblocked", phone))
}

// eventStatsEntry is one row of the stats endpoint payload.
type eventStatsEntry struct {
	EventID      string `json:"event_id"`
	Participants int    `json:"participants"`
	Interactions int    `json:"interactions"`
}

// statsHandler handles GET /api/v1/stats: per-event participant and
// interaction counts plus the tracked-sender total.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ids, err := s.st.ListEventIDs(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: failed to list events", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list events"))
		return
	}

	events := make([]eventStatsEntry, 0, len(ids))
	for _, id := range ids {
		participants, interactions, err := s.st.EventStats(r.Context(), id)
		if err != nil {
			slog.Error("Server.statsHandler: failed to compute event stats", "error", err, "event", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute event statistics"))
			return
		}
		events = append(events, eventStatsEntry{EventID: id, Participants: participants, Interactions: interactions})
	}

	tracked, err := s.st.CountTrackedSenders(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: failed to count tracked senders", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to count tracked senders"))
		return
	}

	stats := map[string]interface{}{
		"events":          events,
		"tracked_senders": tracked,
	}
	slog.Debug("Server.statsHandler: stats computed", "events", len(events), "tracked_senders", tracked)
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
