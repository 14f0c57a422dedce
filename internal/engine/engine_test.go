package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/store"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithStore(store.NewInMemoryStore())}, opts...)
	return NewEngine(opts...)
}

func mustCreateTrigger(t *testing.T, e *Engine, tr models.Trigger) *models.Trigger {
	t.Helper()
	created, err := e.CreateTrigger(tr)
	if err != nil {
		t.Fatalf("CreateTrigger(%s) error: %v", tr.Name, err)
	}
	return created
}

func mustCreateScenario(t *testing.T, e *Engine, sc models.Scenario) *models.Scenario {
	t.Helper()
	created, err := e.CreateScenario(sc)
	if err != nil {
		t.Fatalf("CreateScenario(%s) error: %v", sc.Name, err)
	}
	return created
}

func mustProcess(t *testing.T, e *Engine, externalID, text string) *models.ProcessResult {
	t.Helper()
	res, err := e.ProcessMessage(externalID, "tester", text, "msg-"+text, "thread-1")
	if err != nil {
		t.Fatalf("ProcessMessage(%q) error: %v", text, err)
	}
	return res
}

func TestExactMatchSemantics(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "exact greeting",
		Kind:    models.KindExactMatch,
		Value:   "Привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Здравствуйте!"}},
		Active:  true,
	})

	// Case-normalized equality matches.
	res := mustProcess(t, e, "u1", "привет")
	if !res.Matched {
		t.Error("case-normalized equal message did not match")
	}

	// Anything else does not.
	res = mustProcess(t, e, "u1", "привет всем")
	if res.Matched {
		t.Error("non-equal message matched an exact_match trigger")
	}
}

func TestEndToEndContainsTrigger(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	})

	res := mustProcess(t, e, "u1", "привет всем")
	if !res.Matched {
		t.Fatal("matched = false, want true")
	}
	if len(res.Directives) != 1 {
		t.Fatalf("got %d directives, want 1", len(res.Directives))
	}
	d := res.Directives[0]
	if d.Type != models.DirectiveSendMessage || d.Text != "Привет!" {
		t.Errorf("directive = %+v, want send_message %q", d, "Привет!")
	}
}

func TestPriorityOrdering(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:     "low",
		Kind:     models.KindContains,
		Value:    "заказ",
		Priority: 5,
		Actions:  []models.Action{{Type: models.ActionSendMessage, Text: "low"}},
		Active:   true,
	})
	mustCreateTrigger(t, e, models.Trigger{
		Name:     "high",
		Kind:     models.KindContains,
		Value:    "заказ",
		Priority: 10,
		Actions:  []models.Action{{Type: models.ActionSendMessage, Text: "high"}},
		Active:   true,
	})

	res := mustProcess(t, e, "u1", "хочу заказ")
	if !res.Matched || len(res.Directives) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Directives[0].Text != "high" {
		t.Errorf("executed %q, want the priority-10 trigger", res.Directives[0].Text)
	}
}

func TestSpecificityTieBreak(t *testing.T) {
	e := newTestEngine(t)
	// Same priority; exact_match is more specific than contains.
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "loose",
		Kind:    models.KindContains,
		Value:   "цена",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "loose"}},
		Active:  true,
	})
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "strict",
		Kind:    models.KindExactMatch,
		Value:   "цена",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "strict"}},
		Active:  true,
	})

	res := mustProcess(t, e, "u1", "цена")
	if res.Directives[0].Text != "strict" {
		t.Errorf("executed %q, want the more specific exact_match trigger", res.Directives[0].Text)
	}
}

func TestCreationOrderFinalTieBreak(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "older",
		Kind:    models.KindContains,
		Value:   "помощь",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "older"}},
		Active:  true,
	})
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "newer",
		Kind:    models.KindContains,
		Value:   "помощь",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "newer"}},
		Active:  true,
	})

	res := mustProcess(t, e, "u1", "нужна помощь")
	if res.Directives[0].Text != "older" {
		t.Errorf("executed %q, want the older trigger to win the tie", res.Directives[0].Text)
	}
}

func TestNumberRangeLeadingToken(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:     "rating",
		Kind:     models.KindNumberRange,
		RangeMin: 1,
		RangeMax: 5,
		Actions:  []models.Action{{Type: models.ActionSendMessage, Text: "Спасибо за оценку!"}},
		Active:   true,
	})

	if res := mustProcess(t, e, "u1", "4 из 5"); !res.Matched {
		t.Error("leading in-range number did not match")
	}
	if res := mustProcess(t, e, "u1", "9 из 10"); res.Matched {
		t.Error("out-of-range number matched")
	}
	if res := mustProcess(t, e, "u1", "отлично"); res.Matched {
		t.Error("non-numeric input matched a number_range trigger")
	}
}

func TestUserStateTrigger(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "vip catch-all",
		Kind:    models.KindUserState,
		Value:   "vip",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Приоритетная поддержка"}},
		Active:  true,
	})
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "promote",
		Kind:    models.KindExactMatch,
		Value:   "vip",
		Actions: []models.Action{{Type: models.ActionSetUserState, State: "vip"}},
		Active:  true,
	})

	if res := mustProcess(t, e, "u1", "что угодно"); res.Matched {
		t.Error("user_state trigger matched before the user reached the state")
	}
	if res := mustProcess(t, e, "u1", "vip"); res.UserState != "vip" {
		t.Fatalf("user state = %q after promotion, want vip", res.UserState)
	}
	res := mustProcess(t, e, "u1", "что угодно")
	if !res.Matched || res.Directives[0].Text != "Приоритетная поддержка" {
		t.Errorf("user_state trigger did not fire for vip user: %+v", res)
	}
}

func TestBlockedUserIgnored(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "block me",
		Kind:    models.KindExactMatch,
		Value:   "стоп",
		Actions: []models.Action{{Type: models.ActionSetUserState, State: "blocked"}},
		Active:  true,
	})
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	})

	mustProcess(t, e, "u1", "стоп")
	res := mustProcess(t, e, "u1", "привет")
	if res.Matched || len(res.Directives) != 0 {
		t.Errorf("blocked user still matched: %+v", res)
	}
}

func contactScenario() models.Scenario {
	return models.Scenario{
		Name: "контакт",
		StartTriggers: []models.Predicate{
			{Kind: models.KindContains, Value: "контакт"},
		},
		Steps: []models.Step{
			{
				Name:    "ask name",
				Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Как вас зовут?"}},
				Collect: &models.CollectSpec{Field: "name", Type: models.CollectText},
			},
			{
				Name:    "ask phone",
				Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Ваш телефон?"}},
				Collect: &models.CollectSpec{Field: "phone", Type: models.CollectPhone},
			},
		},
		Active: true,
	}
}

func TestEndToEndContactScenario(t *testing.T) {
	e := newTestEngine(t)
	mustCreateScenario(t, e, contactScenario())

	res := mustProcess(t, e, "u1", "хочу контакт")
	if !res.Matched {
		t.Fatal("start trigger did not match")
	}
	if len(res.Directives) != 1 || res.Directives[0].Text != "Как вас зовут?" {
		t.Fatalf("step-0 prompt not emitted: %+v", res.Directives)
	}
	if res.UserState != string(models.StateWaitingInput) {
		t.Errorf("user state = %q, want waiting_input", res.UserState)
	}

	// Next message is consumed verbatim into collected_data.name.
	res = mustProcess(t, e, "u1", "Иван")
	if !res.Matched {
		t.Fatal("collect message reported unmatched")
	}
	if len(res.Directives) != 1 || res.Directives[0].Text != "Ваш телефон?" {
		t.Fatalf("step-1 prompt not emitted: %+v", res.Directives)
	}

	ctx, err := e.GetUserContext(res.UserID)
	if err != nil {
		t.Fatalf("GetUserContext() error: %v", err)
	}
	if ctx.CollectedData["name"] != "Иван" {
		t.Errorf("collected_data.name = %q, want Иван", ctx.CollectedData["name"])
	}
}

func TestCollectTypeHintFlagsButStores(t *testing.T) {
	e := newTestEngine(t)
	mustCreateScenario(t, e, contactScenario())

	mustProcess(t, e, "u1", "контакт")
	mustProcess(t, e, "u1", "Иван")
	// Malformed phone is still captured, but flagged for the collaborator.
	res := mustProcess(t, e, "u1", "нет телефона")
	if !res.Matched {
		t.Fatal("collect message reported unmatched")
	}

	u, err := e.users.Get(res.UserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if u.CollectedData["phone"] != "нет телефона" {
		t.Errorf("malformed input not stored verbatim: %q", u.CollectedData["phone"])
	}
	if u.CollectFlags["phone"] == "" {
		t.Error("type hint violation not flagged")
	}
}

func TestScenarioPrecedenceSuppressesGlobals(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	})
	mustCreateScenario(t, e, contactScenario())

	mustProcess(t, e, "u1", "контакт")
	// Mid-scenario text that would match the global trigger is consumed by
	// the step instead.
	res := mustProcess(t, e, "u1", "привет")
	for _, d := range res.Directives {
		if d.Text == "Привет!" {
			t.Error("global trigger fired while a scenario was active")
		}
	}
	ctx, err := e.GetUserContext(res.UserID)
	if err != nil {
		t.Fatalf("GetUserContext() error: %v", err)
	}
	if ctx.CollectedData["name"] != "привет" {
		t.Errorf("step did not consume the message: %+v", ctx.CollectedData)
	}
}

func TestScenarioCompletionRestoresState(t *testing.T) {
	e := newTestEngine(t)
	mustCreateScenario(t, e, contactScenario())

	mustProcess(t, e, "u1", "контакт")
	mustProcess(t, e, "u1", "Иван")
	res := mustProcess(t, e, "u1", "+7 900 123-45-67")

	if res.UserState != string(models.StateNew) {
		t.Errorf("user state = %q, want pre-scenario state new", res.UserState)
	}
	u, err := e.users.Get(res.UserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if u.InScenario() {
		t.Error("user still carries a scenario pointer after completion")
	}
}

func TestScenarioCompletionKeepsExplicitOverride(t *testing.T) {
	e := newTestEngine(t)
	sc := contactScenario()
	// An explicit set_user_state inside the flow survives completion.
	sc.Steps[1].Actions = append(sc.Steps[1].Actions, models.Action{
		Type: models.ActionSetUserState, State: "vip",
	})
	mustCreateScenario(t, e, sc)

	mustProcess(t, e, "u1", "контакт")
	mustProcess(t, e, "u1", "Иван")
	res := mustProcess(t, e, "u1", "+7 900 123-45-67")
	if res.UserState != "vip" {
		t.Errorf("user state = %q, want the explicit vip override", res.UserState)
	}
}

func TestScenarioRestartBeginsAtStepZero(t *testing.T) {
	e := newTestEngine(t)
	mustCreateScenario(t, e, contactScenario())

	mustProcess(t, e, "u1", "контакт")
	mustProcess(t, e, "u1", "Иван")
	mustProcess(t, e, "u1", "+7 900 123-45-67")

	res := mustProcess(t, e, "u1", "контакт")
	if !res.Matched || len(res.Directives) != 1 || res.Directives[0].Text != "Как вас зовут?" {
		t.Errorf("restart did not begin at step 0: %+v", res.Directives)
	}
}

func TestDanglingScenarioForcesExit(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, WithStore(st))
	sc := mustCreateScenario(t, e, contactScenario())
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	})

	mustProcess(t, e, "u1", "контакт")
	if err := st.DeleteScenario(sc.ID); err != nil {
		t.Fatalf("DeleteScenario() error: %v", err)
	}

	// The pointer is now dangling; the user is forced out and the message
	// falls through to global matching in the same turn.
	res := mustProcess(t, e, "u1", "привет")
	if !res.Matched || len(res.Directives) != 1 || res.Directives[0].Text != "Привет!" {
		t.Fatalf("forced-out user did not fall through to globals: %+v", res)
	}
	u, err := e.users.Get(res.UserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if u.InScenario() {
		t.Error("user left with an unresolvable scenario pointer")
	}
	if !u.HasTag("dangling_scenario") {
		t.Error("forced exit not flagged")
	}
}

func TestAgentCallAndResumption(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:  "handoff",
		Kind:  models.KindContains,
		Value: "оператор",
		Actions: []models.Action{
			{Type: models.ActionAiAgentCall, AgentURL: "https://agent.example.com/respond"},
		},
		Active: true,
	})

	res := mustProcess(t, e, "u1", "нужен оператор")
	if !res.Matched || len(res.Directives) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	dir := res.Directives[0]
	if dir.Type != models.DirectiveAgentCall || dir.CorrelationKey == "" {
		t.Fatalf("agent-call directive malformed: %+v", dir)
	}
	if dir.AgentPayload == nil || dir.AgentPayload.Message != "нужен оператор" {
		t.Fatalf("agent payload missing message: %+v", dir.AgentPayload)
	}

	applied, err := e.ApplyAgentResponse(dir.CorrelationKey, models.AgentResponse{
		Text:       "Оператор на связи",
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("ApplyAgentResponse() error: %v", err)
	}
	if !applied.Applied {
		t.Fatalf("first resumption not applied: %+v", applied)
	}
	if len(applied.Directives) != 1 || applied.Directives[0].Text != "Оператор на связи" {
		t.Errorf("resumption directives = %+v", applied.Directives)
	}
}

func TestResumptionIdempotence(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:  "handoff",
		Kind:  models.KindContains,
		Value: "оператор",
		Actions: []models.Action{
			{Type: models.ActionAiAgentCall, AgentURL: "https://agent.example.com/respond"},
		},
		Active: true,
	})
	res := mustProcess(t, e, "u1", "оператор")
	key := res.Directives[0].CorrelationKey

	resp := models.AgentResponse{Text: "Ответ", Confidence: 0.8}
	first, err := e.ApplyAgentResponse(key, resp)
	if err != nil {
		t.Fatalf("first ApplyAgentResponse() error: %v", err)
	}
	if !first.Applied {
		t.Fatalf("first call not applied: %+v", first)
	}

	second, err := e.ApplyAgentResponse(key, resp)
	if err != nil {
		t.Fatalf("second ApplyAgentResponse() error: %v", err)
	}
	if second.Applied {
		t.Error("second call with the same key was applied again")
	}
	if second.Reason != models.ReasonStaleCallback {
		t.Errorf("reason = %q, want %q", second.Reason, models.ReasonStaleCallback)
	}
}

func TestExpiredCorrelationIsStale(t *testing.T) {
	e := newTestEngine(t, WithAgentCallTTL(time.Nanosecond))
	mustCreateTrigger(t, e, models.Trigger{
		Name:  "handoff",
		Kind:  models.KindContains,
		Value: "оператор",
		Actions: []models.Action{
			{Type: models.ActionAiAgentCall, AgentURL: "https://agent.example.com/respond"},
		},
		Active: true,
	})
	res := mustProcess(t, e, "u1", "оператор")
	key := res.Directives[0].CorrelationKey

	time.Sleep(5 * time.Millisecond)
	applied, err := e.ApplyAgentResponse(key, models.AgentResponse{Text: "поздно", Confidence: 0.5})
	if err != nil {
		t.Fatalf("ApplyAgentResponse() error: %v", err)
	}
	if applied.Applied || applied.Reason != models.ReasonStaleCallback {
		t.Errorf("expired correlation not reported stale: %+v", applied)
	}
}

func TestAgentResponseConfidenceValidated(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ApplyAgentResponse("some-key", models.AgentResponse{Confidence: 1.5})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("out-of-range confidence error = %v, want ErrValidation", err)
	}
}

func TestCreateTriggerRejectsInvalidRegex(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateTrigger(models.Trigger{
		Name:    "broken",
		Kind:    models.KindRegex,
		Value:   "([unclosed",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "x"}},
		Active:  true,
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("invalid regex error = %v, want ErrValidation", err)
	}
	triggers, err := e.ListTriggers()
	if err != nil {
		t.Fatalf("ListTriggers() error: %v", err)
	}
	if len(triggers) != 0 {
		t.Error("rejected trigger was partially applied")
	}
}

func TestDeactivatedTriggerDoesNotMatch(t *testing.T) {
	e := newTestEngine(t)
	tr := mustCreateTrigger(t, e, models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	})
	if err := e.DeactivateTrigger(tr.ID); err != nil {
		t.Fatalf("DeactivateTrigger() error: %v", err)
	}
	res := mustProcess(t, e, "u1", "привет")
	if res.Matched {
		t.Error("deactivated trigger still matched")
	}
}

func TestWildcardStepTriggerAdvances(t *testing.T) {
	e := newTestEngine(t)
	mustCreateScenario(t, e, models.Scenario{
		Name: "опрос",
		StartTriggers: []models.Predicate{
			{Kind: models.KindExactMatch, Value: "опрос"},
		},
		Steps: []models.Step{
			{
				Name:     "intro",
				Actions:  []models.Action{{Type: models.ActionSendMessage, Text: "Напишите что-нибудь"}},
				Triggers: []models.Predicate{{Kind: models.KindContains, Value: models.Wildcard}},
			},
			{
				Name:    "thanks",
				Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Спасибо!"}},
			},
		},
		Active: true,
	})

	mustProcess(t, e, "u1", "опрос")
	res := mustProcess(t, e, "u1", "любой текст")
	if !res.Matched {
		t.Fatal("wildcard step trigger did not match")
	}
	// Step 1 has no gate; it runs and the scenario completes.
	if len(res.Directives) != 1 || res.Directives[0].Text != "Спасибо!" {
		t.Errorf("directives = %+v", res.Directives)
	}
	u, err := e.users.Get(res.UserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if u.InScenario() {
		t.Error("scenario did not complete after the final step")
	}
}

func TestGoToStepBranching(t *testing.T) {
	e := newTestEngine(t)
	sc := mustCreateScenario(t, e, models.Scenario{
		ID:   "branch",
		Name: "ветвление",
		StartTriggers: []models.Predicate{
			{Kind: models.KindExactMatch, Value: "старт"},
		},
		Steps: []models.Step{
			{
				Name:     "fork",
				Actions:  []models.Action{{Type: models.ActionSendMessage, Text: "Да или нет?"}},
				Triggers: []models.Predicate{{Kind: models.KindContains, Value: models.Wildcard}},
			},
			{
				Name:    "after",
				Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Середина"}},
			},
			{
				Name:    "finale",
				Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Финал"}},
			},
		},
	})
	mustCreateTrigger(t, e, models.Trigger{
		Name:  "jump in",
		Kind:  models.KindExactMatch,
		Value: "в финал",
		Actions: []models.Action{
			{Type: models.ActionGoToStep, ScenarioID: sc.ID, StepIndex: 2},
		},
		Active: true,
	})

	res := mustProcess(t, e, "u1", "в финал")
	if !res.Matched || len(res.Directives) != 1 || res.Directives[0].Text != "Финал" {
		t.Errorf("go_to_step did not run the target step: %+v", res.Directives)
	}
}

func TestGetUserContextBoundsHistory(t *testing.T) {
	e := newTestEngine(t, WithHistoryLimit(3))
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "echo",
		Kind:    models.KindContains,
		Value:   models.Wildcard,
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "ок"}},
		Active:  true,
	})

	var userID string
	for _, text := range []string{"один", "два", "три", "четыре"} {
		res := mustProcess(t, e, "u1", text)
		userID = res.UserID
	}

	ctx, err := e.GetUserContext(userID)
	if err != nil {
		t.Fatalf("GetUserContext() error: %v", err)
	}
	if len(ctx.History) != 3 {
		t.Errorf("history length = %d, want the configured limit 3", len(ctx.History))
	}

	if _, err := e.GetUserContext("no-such-user"); !errors.Is(err, models.ErrUnknownUser) {
		t.Errorf("unknown user error = %v, want ErrUnknownUser", err)
	}
}

func TestGetStats(t *testing.T) {
	e := newTestEngine(t)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "greeting",
		Kind:    models.KindContains,
		Value:   "привет",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Привет!"}},
		Active:  true,
	})
	mustCreateScenario(t, e, contactScenario())
	mustProcess(t, e, "u1", "привет")
	mustProcess(t, e, "u2", "контакт")

	st, err := e.GetStats()
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if st.Users != 2 || st.Triggers != 1 || st.Scenarios != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.TotalMatches != 1 {
		t.Errorf("TotalMatches = %d, want 1", st.TotalMatches)
	}
	if st.TotalStarts != 1 {
		t.Errorf("TotalStarts = %d, want 1", st.TotalStarts)
	}
	if st.UsersByState[string(models.StateWaitingInput)] != 1 {
		t.Errorf("UsersByState = %v, want one waiting_input user", st.UsersByState)
	}
}

func TestGoToStepSelfLoopTerminates(t *testing.T) {
	e := newTestEngine(t)
	sc := mustCreateScenario(t, e, models.Scenario{
		Name:          "loop",
		StartTriggers: []models.Predicate{{Kind: models.KindContains, Value: "цикл"}},
		Steps: []models.Step{{
			Name:    "spin",
			Actions: []models.Action{{Type: models.ActionSendMessage, Text: "ещё раз"}},
		}},
		Active: true,
	})
	// The step jumps back onto itself; the per-turn budget must cut the
	// cycle off instead of recursing until the stack is exhausted.
	sc.Steps[0].Actions = []models.Action{{Type: models.ActionGoToStep, ScenarioID: sc.ID, StepIndex: 0}}
	if _, err := e.UpdateScenario(*sc); err != nil {
		t.Fatalf("UpdateScenario() error: %v", err)
	}

	res := mustProcess(t, e, "u1", "запусти цикл")
	if !res.Matched {
		t.Fatal("matched = false, want true")
	}
	if len(res.Directives) > maxStepsPerTurn {
		t.Errorf("got %d directives, want the turn bounded by the step budget", len(res.Directives))
	}
}

func TestScenarioStartBeatsNewerTriggerOnTie(t *testing.T) {
	e := newTestEngine(t)
	mustCreateScenario(t, e, models.Scenario{
		Name:          "support flow",
		StartTriggers: []models.Predicate{{Kind: models.KindContains, Value: "помощь"}},
		Steps: []models.Step{{
			Name:    "ask",
			Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Опишите проблему"}},
			Collect: &models.CollectSpec{Field: "issue", Type: models.CollectText},
		}},
		Active: true,
	})
	time.Sleep(time.Millisecond)
	mustCreateTrigger(t, e, models.Trigger{
		Name:    "support trigger",
		Kind:    models.KindContains,
		Value:   "помощь",
		Actions: []models.Action{{Type: models.ActionSendMessage, Text: "Чем помочь?"}},
		Active:  true,
	})

	// Same priority and specificity: the older rule wins even though it is
	// a scenario start and the newer one a standalone trigger.
	res := mustProcess(t, e, "u1", "нужна помощь")
	if len(res.Directives) != 1 || res.Directives[0].Text != "Опишите проблему" {
		t.Fatalf("directives = %+v, want the older scenario's prompt", res.Directives)
	}
	if res.UserState != string(models.StateWaitingInput) {
		t.Errorf("user state = %s, want %s", res.UserState, models.StateWaitingInput)
	}
}

func TestStartReconcilesDanglingPointers(t *testing.T) {
	st := store.NewInMemoryStore()
	e := newTestEngine(t, WithStore(st), WithSweepSchedule("@every 1h"))
	sc := mustCreateScenario(t, e, contactScenario())
	mustProcess(t, e, "u1", "контакт")
	if err := st.DeleteScenario(sc.ID); err != nil {
		t.Fatalf("DeleteScenario() error: %v", err)
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer e.Stop()

	users, err := st.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers() error: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users", len(users))
	}
	if users[0].InScenario() {
		t.Error("dangling pointer survived reconciliation")
	}
}
