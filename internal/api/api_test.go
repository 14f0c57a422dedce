package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/testutil"
)

func TestMessagesHandler_MissingExternalID(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]string{"text": "привет"})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing external_id")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestMessagesHandler_MethodNotAllowed(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/messages", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "GET /messages")
	if allow := rr.Header().Get("Allow"); allow != http.MethodPost {
		t.Errorf("expected Allow header %q, got %q", http.MethodPost, allow)
	}
}

func TestMessagesHandler_EndToEnd(t *testing.T) {
	srv, eng, _ := testutil.NewTestServer(t)
	if _, err := eng.CreateTrigger(models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Здравствуйте!"}},
		Active:  true,
	}); err != nil {
		t.Fatalf("CreateTrigger failed: %v", err)
	}

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/messages", map[string]string{
		"external_id": "+79001234567",
		"text":        "всем привет",
	})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /messages")
	response := testutil.AssertJSONResponse(t, rr, "ok")

	data, ok := response["data"].(map[string]interface{})
	if !ok {
		t.Fatal("response missing data object")
	}
	if matched, _ := data["matched"].(bool); !matched {
		t.Error("expected matched=true")
	}
	directives, ok := data["directives"].([]interface{})
	if !ok || len(directives) != 1 {
		t.Fatalf("expected 1 directive, got %v", data["directives"])
	}
	first, _ := directives[0].(map[string]interface{})
	if first["text"] != "Здравствуйте!" {
		t.Errorf("unexpected directive text: %v", first["text"])
	}
}

func TestTriggersHandler_CRUD(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	handler := srv.Handler()

	// Create.
	body := models.Trigger{
		Name:    "order",
		Kind:    models.KindExactMatch,
		Value:   "заказ",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Оформляю заказ"}},
		Active:  true,
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/triggers", body))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "POST /triggers")
	response := testutil.AssertJSONResponse(t, rr, "created")
	created, _ := response["data"].(map[string]interface{})
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created trigger has no id")
	}

	// List.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/triggers", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /triggers")
	response = testutil.AssertJSONResponse(t, rr, "ok")
	if list, _ := response["data"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 trigger in list, got %d", len(list))
	}

	// Get by id.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/triggers/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /triggers/{id}")

	// Update.
	body.Priority = 5
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPut, "/triggers/"+id, body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "PUT /triggers/{id}")
	response = testutil.AssertJSONResponse(t, rr, "ok")
	updated, _ := response["data"].(map[string]interface{})
	if prio, _ := updated["priority"].(float64); prio != 5 {
		t.Errorf("expected priority 5 after update, got %v", updated["priority"])
	}

	// Deactivate.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodDelete, "/triggers/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "DELETE /triggers/{id}")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/triggers/"+id, nil))
	response = testutil.AssertJSONResponse(t, rr, "ok")
	got, _ := response["data"].(map[string]interface{})
	if active, _ := got["active"].(bool); active {
		t.Error("expected trigger inactive after DELETE")
	}
}

func TestTriggersHandler_InvalidRegexRejected(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	body := models.Trigger{
		Name:    "broken",
		Kind:    models.KindRegex,
		Value:   "заказ [0-9",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "х"}},
		Active:  true,
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/triggers", body))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid regex")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestTriggersHandler_UnknownID(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/triggers/no-such-id", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown trigger id")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestScenariosHandler_CreateAndGet(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	handler := srv.Handler()

	body := models.Scenario{
		Name:          "contact",
		StartTriggers: []models.Predicate{{Kind: models.KindContains, Value: "контакт"}},
		Steps: []models.Step{
			{
				Name:    "ask name",
				Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Как вас зовут?"}},
				Collect: &models.CollectSpec{Field: "name", Type: models.CollectText},
			},
		},
		Active: true,
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/scenarios", body))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "POST /scenarios")
	response := testutil.AssertJSONResponse(t, rr, "created")
	created, _ := response["data"].(map[string]interface{})
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created scenario has no id")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/scenarios/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /scenarios/{id}")
	response = testutil.AssertJSONResponse(t, rr, "ok")
	got, _ := response["data"].(map[string]interface{})
	if got["name"] != "contact" {
		t.Errorf("unexpected scenario name: %v", got["name"])
	}
}

func TestScenariosHandler_RejectsEmptySteps(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	body := models.Scenario{
		Name:          "empty",
		StartTriggers: []models.Predicate{{Kind: models.KindContains, Value: "старт"}},
		Active:        true,
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/scenarios", body))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "scenario without steps")
}

func TestTemplatesHandler_CRUD(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	handler := srv.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/templates",
		models.Template{Category: "greeting", Body: "Добро пожаловать!"}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "POST /templates")
	response := testutil.AssertJSONResponse(t, rr, "created")
	created, _ := response["data"].(map[string]interface{})
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created template has no id")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodDelete, "/templates/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "DELETE /templates/{id}")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/templates/"+id, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "GET deleted template")
}

func TestAgentResponseHandler_UnknownKeyIsStale(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/agent/response",
		map[string]interface{}{"correlation_key": "never-issued", "text": "готово"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /agent/response")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	data, _ := response["data"].(map[string]interface{})
	if applied, _ := data["applied"].(bool); applied {
		t.Error("expected applied=false for unknown correlation key")
	}
	if data["reason"] != models.ReasonStaleCallback {
		t.Errorf("expected reason %q, got %v", models.ReasonStaleCallback, data["reason"])
	}
}

func TestAgentResponseHandler_MissingKey(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/agent/response",
		map[string]string{"text": "готово"}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing correlation_key")
}

func TestUsersHandler_Context(t *testing.T) {
	srv, eng, _ := testutil.NewTestServer(t)

	result, err := eng.ProcessMessage("+79005554433", "maria", "здравствуйте", "m-1", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/users/"+result.UserID+"/context", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /users/{id}/context")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	data, _ := response["data"].(map[string]interface{})
	if data["user_id"] != result.UserID {
		t.Errorf("expected user_id %q, got %v", result.UserID, data["user_id"])
	}
	history, _ := data["history"].([]interface{})
	if len(history) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(history))
	}
}

func TestUsersHandler_UnknownUser(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/users/missing/context", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown user context")
}

func TestStatesHandler_RegisterAndList(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	handler := srv.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/states",
		map[string]string{"state": "premium"}))
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "POST /states")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/states", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /states")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	states, _ := response["data"].([]interface{})
	found := false
	for _, s := range states {
		if s == "premium" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected registered state in list, got %v", states)
	}
}

func TestStatsHandler(t *testing.T) {
	srv, eng, _ := testutil.NewTestServer(t)
	if _, err := eng.ProcessMessage("+79001112233", "ivan", "привет", "m-1", ""); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/stats", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /stats")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	data, _ := response["data"].(map[string]interface{})
	if users, _ := data["users"].(float64); users != 1 {
		t.Errorf("expected 1 user in stats, got %v", data["users"])
	}
}

func TestHealthHandler(t *testing.T) {
	srv, _, _ := testutil.NewTestServer(t)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /health")

	var health map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &health)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", health["status"])
	}
}
