package models

import (
	"errors"
	"testing"
)

func TestTriggerValidateRegexCompiles(t *testing.T) {
	tr := &Trigger{
		Name:    "greeting",
		Kind:    KindRegex,
		Value:   `^прив(ет)?`,
		Actions: []Action{{Type: ActionSendMessage, Text: "Привет!"}},
	}
	if err := tr.Validate(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Pattern() == nil {
		t.Error("expected compiled pattern after Validate")
	}
}

func TestTriggerValidateRejectsBadRegex(t *testing.T) {
	tr := &Trigger{
		Name:    "broken",
		Kind:    KindRegex,
		Value:   `([unclosed`,
		Actions: []Action{{Type: ActionSendMessage, Text: "hi"}},
	}
	err := tr.Validate(nil)
	if err == nil {
		t.Fatal("expected validation error for invalid regex")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestTriggerValidateRequiresActions(t *testing.T) {
	tr := &Trigger{Name: "empty", Kind: KindContains, Value: "hello"}
	if err := tr.Validate(nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestTriggerValidateUnknownState(t *testing.T) {
	reg := NewStateRegistry()
	tr := &Trigger{
		Name:    "state gate",
		Kind:    KindUserState,
		Value:   "vipp", // typo
		Actions: []Action{{Type: ActionSendMessage, Text: "hi"}},
	}
	if err := tr.Validate(reg); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unregistered state, got %v", err)
	}
	reg.Register("vipp")
	if err := tr.Validate(reg); err != nil {
		t.Errorf("unexpected error after registering state: %v", err)
	}
}

func TestActionValidate(t *testing.T) {
	reg := NewStateRegistry()
	cases := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"send_message ok", Action{Type: ActionSendMessage, Text: "hi"}, false},
		{"send_message empty", Action{Type: ActionSendMessage}, true},
		{"send_template ok", Action{Type: ActionSendTemplate, TemplateID: "t1"}, false},
		{"send_template empty", Action{Type: ActionSendTemplate}, true},
		{"set_user_state ok", Action{Type: ActionSetUserState, State: "vip"}, false},
		{"set_user_state typo", Action{Type: ActionSetUserState, State: "vpi"}, true},
		{"agent_call ok", Action{Type: ActionAiAgentCall, AgentURL: "https://agent.example/v1"}, false},
		{"agent_call empty", Action{Type: ActionAiAgentCall}, true},
		{"go_to_step ok", Action{Type: ActionGoToStep, ScenarioID: "s1", StepIndex: 2}, false},
		{"go_to_step negative", Action{Type: ActionGoToStep, ScenarioID: "s1", StepIndex: -1}, true},
		{"tag_user ok", Action{Type: ActionTagUser, Tag: "lead"}, false},
		{"webhook ok", Action{Type: ActionWebhookCall, URL: "https://hooks.example/x"}, false},
		{"unknown type", Action{Type: "delay"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.action.Validate(reg)
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPredicateValidateRejectsUserState(t *testing.T) {
	p := &Predicate{Kind: KindUserState, Value: "vip"}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestPredicateValidateNumberRange(t *testing.T) {
	p := &Predicate{Kind: KindNumberRange, RangeMin: 10, RangeMax: 1}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for inverted range, got %v", err)
	}
	p = &Predicate{Kind: KindNumberRange, RangeMin: 1, RangeMax: 10}
	if err := p.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestScenarioValidate(t *testing.T) {
	reg := NewStateRegistry()
	sc := &Scenario{
		Name:          "contact",
		StartTriggers: []Predicate{{Kind: KindContains, Value: "контакт"}},
		Steps: []Step{
			{
				Name:     "ask name",
				Triggers: []Predicate{{Kind: KindContains, Value: Wildcard}},
				Actions:  []Action{{Type: ActionSendMessage, Text: "Как вас зовут?"}},
				Collect:  &CollectSpec{Field: "name", Type: CollectText},
			},
		},
	}
	if err := sc.Validate(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sc.Steps[0].Collect.Type = "uuid"
	if err := sc.Validate(reg); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown collect type, got %v", err)
	}
}

func TestScenarioValidateRequiresSteps(t *testing.T) {
	sc := &Scenario{
		Name:          "empty",
		StartTriggers: []Predicate{{Kind: KindContains, Value: "go"}},
	}
	if err := sc.Validate(nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestTemplateValidate(t *testing.T) {
	tpl := &Template{Category: "greeting"}
	if err := tpl.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty body, got %v", err)
	}
	tpl.Body = "Привет, {username}!"
	if err := tpl.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestUserClone(t *testing.T) {
	u := &User{
		ID:            "u1",
		CurrentState:  StateActive,
		CollectedData: map[string]string{"name": "Иван"},
		Tags:          []string{"lead"},
	}
	cp := u.Clone()
	cp.CollectedData["name"] = "changed"
	cp.Tags[0] = "changed"
	if u.CollectedData["name"] != "Иван" {
		t.Error("Clone must not alias collected data")
	}
	if u.Tags[0] != "lead" {
		t.Error("Clone must not alias tags")
	}
}

func TestStateRegistry(t *testing.T) {
	reg := NewStateRegistry()
	if !reg.Known(StateVip) {
		t.Error("expected built-in vip state to be known")
	}
	if reg.Known("premium") {
		t.Error("unexpected custom state before registration")
	}
	reg.Register("premium")
	if !reg.Known("premium") {
		t.Error("expected custom state after registration")
	}
}
