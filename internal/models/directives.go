// Package models defines the core data structures for BotForge.
//
// This file covers the outbound directive vocabulary, the agent hand-off
// payloads and the pending-call correlation record.
package models

import "time"

// DirectiveType identifies one kind of outbound directive.
type DirectiveType string

const (
	// DirectiveSendMessage instructs the transport to deliver plain text.
	DirectiveSendMessage DirectiveType = "send_message"
	// DirectiveSendTemplate instructs the transport to render and deliver a template.
	DirectiveSendTemplate DirectiveType = "send_template"
	// DirectiveWebhookCall instructs the transport to POST a payload to a URL.
	DirectiveWebhookCall DirectiveType = "webhook_call"
	// DirectiveTagUser reports a tag applied to the user, for downstream sync.
	DirectiveTagUser DirectiveType = "tag_user"
	// DirectiveAgentCall instructs the transport to invoke an external AI agent.
	DirectiveAgentCall DirectiveType = "agent_call"
)

// OutboundDirective is an instruction emitted by the engine for the external
// transport to execute. Directive order mirrors action order; the transport
// must not reorder them.
type OutboundDirective struct {
	Type DirectiveType `json:"type"`
	// To is the transport-level recipient (the user's external account id).
	To   string `json:"to"`
	Text string `json:"text,omitempty"`

	// send_template: id, category and raw body are passed through untouched.
	TemplateID   string `json:"template_id,omitempty"`
	TemplateBody string `json:"template_body,omitempty"`
	Category     string `json:"category,omitempty"`

	// webhook_call / agent_call
	URL     string                 `json:"url,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`

	// tag_user
	Tag string `json:"tag,omitempty"`

	// agent_call: the key the agent must echo back on resumption.
	CorrelationKey string        `json:"correlation_key,omitempty"`
	AgentPayload   *AgentPayload `json:"agent_payload,omitempty"`
}

// HistoryEntry is one message of the context snapshot handed to an agent.
type HistoryEntry struct {
	Body   string        `json:"body"`
	Sender MessageSender `json:"sender"`
	At     time.Time     `json:"at"`
}

// AgentPayload is the context snapshot handed to an external AI agent.
type AgentPayload struct {
	UserID        string            `json:"user_id"`
	ExternalID    string            `json:"external_id"`
	Username      string            `json:"username"`
	Message       string            `json:"message"`
	UserState     string            `json:"user_state"`
	CollectedData map[string]string `json:"collected_data,omitempty"`
	History       []HistoryEntry    `json:"history,omitempty"`
}

// AgentResponse is the structured answer an external agent delivers back
// through the resumption callback.
type AgentResponse struct {
	Text       string   `json:"text,omitempty"`
	Confidence float64  `json:"confidence"`
	Actions    []Action `json:"actions,omitempty"`
	// NextUserState optionally moves the user to a new state after the
	// response actions have executed.
	NextUserState string `json:"next_user_state,omitempty"`
	// NextScenarioID/NextStepIndex optionally reposition the scenario pointer.
	NextScenarioID string `json:"next_scenario_id,omitempty"`
	NextStepIndex  *int   `json:"next_step_index,omitempty"`
}

// PendingCall ties an outbound agent-call directive to its eventual
// resumption callback. A response arriving after Deadline is stale.
type PendingCall struct {
	Key       string    `json:"key"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	AgentURL  string    `json:"agent_url"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Expired reports whether the correlation deadline has passed.
func (p *PendingCall) Expired(now time.Time) bool {
	return now.After(p.Deadline)
}

// ProcessResult is the outcome of one inbound message turn.
type ProcessResult struct {
	Matched    bool                `json:"matched"`
	Directives []OutboundDirective `json:"directives"`
	UserState  string              `json:"user_state"`
	UserID     string              `json:"user_id"`
}

// ApplyResult is the outcome of an agent resumption callback.
type ApplyResult struct {
	Applied    bool                `json:"applied"`
	Reason     string              `json:"reason,omitempty"`
	Directives []OutboundDirective `json:"directives,omitempty"`
}

// Stale callback reasons reported in ApplyResult.Reason.
const (
	ReasonStaleCallback      = "stale_callback"
	ReasonUnknownCorrelation = "unknown_correlation"
)

// UserContext is the read-only context view exposed to collaborators.
type UserContext struct {
	UserID        string            `json:"user_id"`
	State         string            `json:"state"`
	CollectedData map[string]string `json:"collected_data,omitempty"`
	History       []HistoryEntry    `json:"history,omitempty"`
}
