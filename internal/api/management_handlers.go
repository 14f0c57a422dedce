// Package api provides management endpoints for the BotForge rule set.
//
// Rule definitions are validated synchronously before acceptance; a reject
// is surfaced whole and nothing is partially applied.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/botforge/botforge/internal/models"
)

// splitResourcePath extracts the id segment from /resource/{id} paths.
func splitResourcePath(path, prefix string) (id string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return "", true
	}
	segments := strings.Split(rest, "/")
	if len(segments) != 1 {
		return "", false
	}
	return segments[0], true
}

// triggersHandler routes /triggers and /triggers/{id}.
func (s *Server) triggersHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.triggersHandler invoked", "method", r.Method, "path", r.URL.Path)
	id, ok := splitResourcePath(r.URL.Path, "/triggers")
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown trigger endpoint"))
		return
	}

	if id == "" {
		switch r.Method {
		case http.MethodGet:
			triggers, err := s.engine.ListTriggers()
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(triggers))
		case http.MethodPost:
			var t models.Trigger
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
				return
			}
			created, err := s.engine.CreateTrigger(t)
			if err != nil {
				slog.Warn("Server.triggersHandler: create rejected", "error", err)
				writeEngineError(w, err)
				return
			}
			slog.Info("Server.triggersHandler: trigger created", "trigger_id", created.ID)
			writeJSONResponse(w, http.StatusCreated, models.Created(created))
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		t, err := s.engine.GetTrigger(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(t))
	case http.MethodPut:
		var t models.Trigger
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		t.ID = id
		updated, err := s.engine.UpdateTrigger(t)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(updated))
	case http.MethodDelete:
		if err := s.engine.DeactivateTrigger(id); err != nil {
			writeEngineError(w, err)
			return
		}
		slog.Info("Server.triggersHandler: trigger deactivated", "trigger_id", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Trigger deactivated", nil))
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// scenariosHandler routes /scenarios and /scenarios/{id}.
func (s *Server) scenariosHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.scenariosHandler invoked", "method", r.Method, "path", r.URL.Path)
	id, ok := splitResourcePath(r.URL.Path, "/scenarios")
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown scenario endpoint"))
		return
	}

	if id == "" {
		switch r.Method {
		case http.MethodGet:
			scenarios, err := s.engine.ListScenarios()
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(scenarios))
		case http.MethodPost:
			var sc models.Scenario
			if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
				return
			}
			created, err := s.engine.CreateScenario(sc)
			if err != nil {
				slog.Warn("Server.scenariosHandler: create rejected", "error", err)
				writeEngineError(w, err)
				return
			}
			slog.Info("Server.scenariosHandler: scenario created", "scenario_id", created.ID)
			writeJSONResponse(w, http.StatusCreated, models.Created(created))
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		sc, err := s.engine.GetScenario(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(sc))
	case http.MethodPut:
		var sc models.Scenario
		if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		sc.ID = id
		updated, err := s.engine.UpdateScenario(sc)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(updated))
	case http.MethodDelete:
		if err := s.engine.DeactivateScenario(id); err != nil {
			writeEngineError(w, err)
			return
		}
		slog.Info("Server.scenariosHandler: scenario deactivated", "scenario_id", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Scenario deactivated", nil))
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// templatesHandler routes /templates and /templates/{id}.
func (s *Server) templatesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.templatesHandler invoked", "method", r.Method, "path", r.URL.Path)
	id, ok := splitResourcePath(r.URL.Path, "/templates")
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown template endpoint"))
		return
	}

	if id == "" {
		switch r.Method {
		case http.MethodGet:
			templates, err := s.engine.ListTemplates()
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(templates))
		case http.MethodPost:
			var t models.Template
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
				return
			}
			created, err := s.engine.CreateTemplate(t)
			if err != nil {
				slog.Warn("Server.templatesHandler: create rejected", "error", err)
				writeEngineError(w, err)
				return
			}
			writeJSONResponse(w, http.StatusCreated, models.Created(created))
		default:
			w.Header().Set("Allow", "GET, POST")
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		t, err := s.engine.GetTemplate(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(t))
	case http.MethodPut:
		var t models.Template
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		t.ID = id
		updated, err := s.engine.UpdateTemplate(t)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(updated))
	case http.MethodDelete:
		if err := s.engine.DeleteTemplate(id); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Template deleted", nil))
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}
