// Package models defines the core data structures for BotForge.
//
// It includes triggers, scenarios, templates and the action vocabulary shared
// across the engine, store and API modules.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TriggerKind defines how a trigger value is compared against message text.
type TriggerKind string

const (
	// KindExactMatch matches on case-normalized full-string equality.
	KindExactMatch TriggerKind = "exact_match"
	// KindContains matches when the message contains the value as a substring.
	KindContains TriggerKind = "contains"
	// KindStartsWith matches when the message starts with the value.
	KindStartsWith TriggerKind = "starts_with"
	// KindRegex matches via a precompiled regular expression.
	KindRegex TriggerKind = "regex"
	// KindNumberRange matches when the message leads with a number inside [min, max].
	KindNumberRange TriggerKind = "number_range"
	// KindUserState matches when the user's current state equals the value.
	KindUserState TriggerKind = "user_state"
)

// Wildcard is the catch-all value for contains/starts_with predicates.
// A wildcard predicate matches every message, used for free-form steps.
const Wildcard = "*"

// ActionType identifies one variant of the Action tagged union.
type ActionType string

const (
	// ActionSendMessage sends a plain text message to the user.
	ActionSendMessage ActionType = "send_message"
	// ActionSendTemplate sends a stored template, rendering is a transport concern.
	ActionSendTemplate ActionType = "send_template"
	// ActionSetUserState sets the user's current state.
	ActionSetUserState ActionType = "set_user_state"
	// ActionAiAgentCall delegates the conversation turn to an external AI agent.
	ActionAiAgentCall ActionType = "ai_agent_call"
	// ActionGoToStep moves the user's scenario pointer directly.
	ActionGoToStep ActionType = "go_to_step"
	// ActionTagUser adds a tag to the user.
	ActionTagUser ActionType = "tag_user"
	// ActionWebhookCall emits a webhook directive for the transport to deliver.
	ActionWebhookCall ActionType = "webhook_call"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum accepted inbound message length
	MaxMessageLength = 4096
	// MaxTriggerValueLength defines the maximum allowed trigger value length
	MaxTriggerValueLength = 1024
	// MaxScenarioSteps defines the maximum number of steps in one scenario
	MaxScenarioSteps = 100
	// MaxTemplateBodyLength defines the maximum allowed template body length
	MaxTemplateBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrValidation         = errors.New("validation failed")
	ErrUnknownUser        = errors.New("unknown user")
	ErrUnknownScenario    = errors.New("unknown scenario")
	ErrUnknownTrigger     = errors.New("unknown trigger")
	ErrUnknownTemplate    = errors.New("unknown template")
	ErrStaleCallback      = errors.New("stale callback")
	ErrDanglingScenario   = errors.New("dangling scenario reference")
	ErrUnknownActionType  = errors.New("unknown action type")
	ErrUnknownTriggerKind = errors.New("unknown trigger kind")
)

// IsValidTriggerKind checks if the given trigger kind is supported.
func IsValidTriggerKind(k TriggerKind) bool {
	switch k {
	case KindExactMatch, KindContains, KindStartsWith, KindRegex, KindNumberRange, KindUserState:
		return true
	default:
		return false
	}
}

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(at ActionType) bool {
	switch at {
	case ActionSendMessage, ActionSendTemplate, ActionSetUserState, ActionAiAgentCall,
		ActionGoToStep, ActionTagUser, ActionWebhookCall:
		return true
	default:
		return false
	}
}

// Action is one element of a trigger's or step's ordered action list.
// It is a tagged variant: Type selects which of the remaining fields apply.
// Actions are pure data; execution belongs to the dispatcher.
type Action struct {
	Type ActionType `json:"type"`

	// send_message
	Text string `json:"text,omitempty"`
	// send_template
	TemplateID string `json:"template_id,omitempty"`
	// set_user_state
	State string `json:"state,omitempty"`
	// ai_agent_call
	AgentURL string `json:"agent_url,omitempty"`
	// go_to_step
	ScenarioID string `json:"scenario_id,omitempty"`
	StepIndex  int    `json:"step_index,omitempty"`
	// tag_user
	Tag string `json:"tag,omitempty"`
	// webhook_call
	URL     string                 `json:"url,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Validate checks the per-variant required fields of an action.
// The registry guards set_user_state against typo states at creation time.
func (a Action) Validate(reg *StateRegistry) error {
	if !IsValidActionType(a.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	switch a.Type {
	case ActionSendMessage:
		if a.Text == "" {
			return fmt.Errorf("%w: send_message requires text", ErrValidation)
		}
	case ActionSendTemplate:
		if a.TemplateID == "" {
			return fmt.Errorf("%w: send_template requires template_id", ErrValidation)
		}
	case ActionSetUserState:
		if a.State == "" {
			return fmt.Errorf("%w: set_user_state requires state", ErrValidation)
		}
		if reg != nil && !reg.Known(UserState(a.State)) {
			return fmt.Errorf("%w: unknown user state %q", ErrValidation, a.State)
		}
	case ActionAiAgentCall:
		if a.AgentURL == "" {
			return fmt.Errorf("%w: ai_agent_call requires agent_url", ErrValidation)
		}
	case ActionGoToStep:
		if a.ScenarioID == "" {
			return fmt.Errorf("%w: go_to_step requires scenario_id", ErrValidation)
		}
		if a.StepIndex < 0 {
			return fmt.Errorf("%w: go_to_step requires a non-negative step_index", ErrValidation)
		}
	case ActionTagUser:
		if a.Tag == "" {
			return fmt.Errorf("%w: tag_user requires tag", ErrValidation)
		}
	case ActionWebhookCall:
		if a.URL == "" {
			return fmt.Errorf("%w: webhook_call requires url", ErrValidation)
		}
	}
	return nil
}

// Predicate is a simple match condition used by scenario start triggers and
// step triggers. It carries the same kind vocabulary as Trigger minus
// user_state, which only makes sense for standalone triggers.
type Predicate struct {
	Kind     TriggerKind `json:"kind"`
	Value    string      `json:"value,omitempty"`
	RangeMin float64     `json:"range_min,omitempty"`
	RangeMax float64     `json:"range_max,omitempty"`

	pattern *regexp.Regexp
}

// Validate checks the predicate and precompiles regex patterns.
// An uncompilable pattern is rejected here and never reaches the matcher.
func (p *Predicate) Validate() error {
	if !IsValidTriggerKind(p.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownTriggerKind, p.Kind)
	}
	if p.Kind == KindUserState {
		return fmt.Errorf("%w: user_state is not allowed in scenario predicates", ErrValidation)
	}
	return p.compile()
}

func (p *Predicate) compile() error {
	if len(p.Value) > MaxTriggerValueLength {
		return fmt.Errorf("%w: trigger value exceeds maximum length", ErrValidation)
	}
	switch p.Kind {
	case KindExactMatch, KindContains, KindStartsWith:
		if p.Value == "" {
			return fmt.Errorf("%w: %s requires a value", ErrValidation, p.Kind)
		}
	case KindRegex:
		if p.Value == "" {
			return fmt.Errorf("%w: regex requires a pattern", ErrValidation)
		}
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return fmt.Errorf("%w: regex does not compile: %v", ErrValidation, err)
		}
		p.pattern = re
	case KindNumberRange:
		if p.RangeMin > p.RangeMax {
			return fmt.Errorf("%w: number_range min exceeds max", ErrValidation)
		}
	}
	return nil
}

// Pattern returns the precompiled regex, non-nil only after a successful
// Validate of a regex predicate.
func (p *Predicate) Pattern() *regexp.Regexp {
	return p.pattern
}

// Trigger is a standalone rule matching free-form messages to an action list.
type Trigger struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     TriggerKind `json:"kind"`
	Value    string      `json:"value,omitempty"`
	RangeMin float64     `json:"range_min,omitempty"`
	RangeMax float64     `json:"range_max,omitempty"`
	Actions  []Action    `json:"actions"`
	Priority int         `json:"priority"`
	Active   bool        `json:"active"`

	// Bookkeeping, updated by the engine on each match.
	TotalMatches  int64      `json:"total_matches"`
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	pattern *regexp.Regexp
}

// Validate checks the trigger definition and precompiles regex patterns.
// Rejects happen at creation; the matching path never sees an invalid trigger.
func (t *Trigger) Validate(reg *StateRegistry) error {
	if t.Name == "" {
		return fmt.Errorf("%w: trigger requires a name", ErrValidation)
	}
	if !IsValidTriggerKind(t.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownTriggerKind, t.Kind)
	}
	if t.Kind == KindUserState {
		if t.Value == "" {
			return fmt.Errorf("%w: user_state requires a value", ErrValidation)
		}
		if reg != nil && !reg.Known(UserState(t.Value)) {
			return fmt.Errorf("%w: unknown user state %q", ErrValidation, t.Value)
		}
	} else {
		p := Predicate{Kind: t.Kind, Value: t.Value, RangeMin: t.RangeMin, RangeMax: t.RangeMax}
		if err := p.compile(); err != nil {
			return err
		}
		t.pattern = p.pattern
	}
	if len(t.Actions) == 0 {
		return fmt.Errorf("%w: trigger requires at least one action", ErrValidation)
	}
	for i, a := range t.Actions {
		if err := a.Validate(reg); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Pattern returns the precompiled regex for regex triggers.
func (t *Trigger) Pattern() *regexp.Regexp {
	return t.pattern
}

// Predicate returns the trigger's matching condition as a predicate carrying
// the precompiled pattern, so trigger and scenario matching share one path.
func (t *Trigger) Predicate() Predicate {
	return Predicate{
		Kind:     t.Kind,
		Value:    t.Value,
		RangeMin: t.RangeMin,
		RangeMax: t.RangeMax,
		pattern:  t.pattern,
	}
}

// CollectType is a hint for external validation of collected data.
// It is never enforced as a hard gate by the engine.
type CollectType string

const (
	CollectText   CollectType = "text"
	CollectPhone  CollectType = "phone"
	CollectNumber CollectType = "number"
	CollectEmail  CollectType = "email"
)

// IsValidCollectType checks if the given collect type is supported.
func IsValidCollectType(ct CollectType) bool {
	switch ct {
	case CollectText, CollectPhone, CollectNumber, CollectEmail:
		return true
	default:
		return false
	}
}

// CollectSpec declares a data-collection requirement for a scenario step.
type CollectSpec struct {
	Field string      `json:"field"`
	Type  CollectType `json:"type"`
}

// Step is one stage of a scenario. Step triggers are matched only while a
// user's active scenario pointer is on this step.
type Step struct {
	Name     string       `json:"name"`
	Triggers []Predicate  `json:"triggers"`
	Actions  []Action     `json:"actions"`
	Collect  *CollectSpec `json:"collect_data,omitempty"`
}

// Scenario is a named, ordered multi-step flow a user can be inside.
// Step order is fixed at creation; references are by position.
type Scenario struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	StartTriggers []Predicate `json:"start_triggers"`
	Steps         []Step      `json:"steps"`
	Priority      int         `json:"priority"`
	Active        bool        `json:"active"`

	TotalStarts      int64 `json:"total_starts"`
	TotalCompletions int64 `json:"total_completions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the scenario definition, compiling every predicate.
// A reject is surfaced whole; nothing is partially applied.
func (s *Scenario) Validate(reg *StateRegistry) error {
	if s.Name == "" {
		return fmt.Errorf("%w: scenario requires a name", ErrValidation)
	}
	if len(s.StartTriggers) == 0 {
		return fmt.Errorf("%w: scenario requires at least one start trigger", ErrValidation)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: scenario requires at least one step", ErrValidation)
	}
	if len(s.Steps) > MaxScenarioSteps {
		return fmt.Errorf("%w: scenario exceeds maximum step count", ErrValidation)
	}
	for i := range s.StartTriggers {
		if err := s.StartTriggers[i].Validate(); err != nil {
			return fmt.Errorf("start trigger %d: %w", i, err)
		}
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("%w: step %d requires a name", ErrValidation, i)
		}
		for j := range step.Triggers {
			if err := step.Triggers[j].Validate(); err != nil {
				return fmt.Errorf("step %d trigger %d: %w", i, j, err)
			}
		}
		for j, a := range step.Actions {
			if err := a.Validate(reg); err != nil {
				return fmt.Errorf("step %d action %d: %w", i, j, err)
			}
		}
		if step.Collect != nil {
			if step.Collect.Field == "" {
				return fmt.Errorf("%w: step %d collect_data requires a field name", ErrValidation, i)
			}
			if !IsValidCollectType(step.Collect.Type) {
				return fmt.Errorf("%w: step %d collect_data has unknown type %q", ErrValidation, i, step.Collect.Type)
			}
		}
	}
	return nil
}

// Template is a message template with placeholder tokens (e.g. {username}).
// The engine passes template id and raw body through untouched; rendering
// belongs to the transport collaborator.
type Template struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks basic template well-formedness.
func (t *Template) Validate() error {
	if t.Body == "" {
		return fmt.Errorf("%w: template requires a body", ErrValidation)
	}
	if len(t.Body) > MaxTemplateBodyLength {
		return fmt.Errorf("%w: template body exceeds maximum length", ErrValidation)
	}
	return nil
}
