// Package api provides HTTP handlers for BotForge endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/botforge/botforge/internal/models"
)

// inboundMessageRequest is the POST /messages body.
type inboundMessageRequest struct {
	ExternalID string `json:"external_id"`
	Username   string `json:"username,omitempty"`
	Text       string `json:"text"`
	MessageID  string `json:"message_id,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	// Deliver asks the server to also execute the resulting directives
	// through the attached bridge instead of only returning them.
	Deliver bool `json:"deliver,omitempty"`
}

// messagesHandler processes one inbound message (POST /messages).
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing message request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req inboundMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ExternalID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: external_id"))
		return
	}

	// Canonicalize the account id through the channel when one is attached.
	if s.svc != nil {
		canonical, err := s.svc.ValidateAndCanonicalizeRecipient(req.ExternalID)
		if err != nil {
			slog.Warn("Server.messagesHandler: recipient validation failed", "error", err, "external_id", req.ExternalID)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		req.ExternalID = canonical
	}

	result, err := s.engine.ProcessMessage(req.ExternalID, req.Username, req.Text, req.MessageID, req.ThreadID)
	if err != nil {
		slog.Error("Server.messagesHandler: processing failed", "error", err, "external_id", req.ExternalID)
		writeEngineError(w, err)
		return
	}

	if req.Deliver && s.bridge != nil {
		if err := s.bridge.Deliver(r.Context(), result.Directives); err != nil {
			slog.Error("Server.messagesHandler: directive delivery incomplete", "error", err)
		}
	}

	slog.Info("Server.messagesHandler: message processed", "external_id", req.ExternalID,
		"matched", result.Matched, "directives", len(result.Directives))
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// agentResponseRequest is the POST /agent/response body.
type agentResponseRequest struct {
	CorrelationKey string `json:"correlation_key"`
	models.AgentResponse
}

// agentResponseHandler applies an external agent's resumption callback
// (POST /agent/response).
func (s *Server) agentResponseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.agentResponseHandler: processing callback", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req agentResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.agentResponseHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.CorrelationKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: correlation_key"))
		return
	}

	result, err := s.engine.ApplyAgentResponse(req.CorrelationKey, req.AgentResponse)
	if err != nil {
		slog.Error("Server.agentResponseHandler: apply failed", "error", err, "key", req.CorrelationKey)
		writeEngineError(w, err)
		return
	}

	if result.Applied && s.bridge != nil {
		if err := s.bridge.Deliver(r.Context(), result.Directives); err != nil {
			slog.Error("Server.agentResponseHandler: directive delivery incomplete", "error", err)
		}
	}

	slog.Info("Server.agentResponseHandler: callback handled", "key", req.CorrelationKey,
		"applied", result.Applied, "reason", result.Reason)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// usersHandler serves GET /users/{id}/context.
func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.usersHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/users/")
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "context" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown user endpoint"))
		return
	}

	ctx, err := s.engine.GetUserContext(segments[0])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ctx))
}

// registerStateRequest is the POST /states body.
type registerStateRequest struct {
	State string `json:"state"`
}

// statesHandler lists known user states (GET) and registers custom ones (POST).
func (s *Server) statesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statesHandler invoked", "method", r.Method)
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Registry().States()))
	case http.MethodPost:
		var req registerStateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.State == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: state"))
			return
		}
		s.engine.Registry().Register(models.UserState(req.State))
		slog.Info("Server.statesHandler: state registered", "state", req.State)
		writeJSONResponse(w, http.StatusCreated, models.Created(req.State))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// statsHandler returns rule-set statistics (GET /stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.statsHandler invoked", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.engine.GetStats()
	if err != nil {
		slog.Error("Error computing stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	_, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if stats, err := s.engine.GetStats(); err != nil {
		slog.Warn("Health check: failed to compute stats", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to fetch engine metrics"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["users"] = stats.Users
		healthData["active_triggers"] = stats.ActiveTriggers
	}

	writeJSONResponse(w, statusCode, healthData)
}
