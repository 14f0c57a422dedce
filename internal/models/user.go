// Package models defines the core data structures for BotForge.
//
// This file covers users, their open-ended state vocabulary and the
// per-conversation message history.
package models

import (
	"sync"
	"time"
)

// UserState is an open, extensible string identifier. The set of known
// states lives in a StateRegistry rather than a closed enum so applications
// can add custom states while still catching typos at creation time.
type UserState string

const (
	// StateNew marks a user who has never been seen before.
	StateNew UserState = "new"
	// StateActive marks a user in ordinary conversation.
	StateActive UserState = "active"
	// StateInScenario marks a user currently inside a scripted flow.
	StateInScenario UserState = "in_scenario"
	// StateWaitingInput marks a user the engine expects data from.
	StateWaitingInput UserState = "waiting_input"
	// StateBlocked marks a user excluded from matching.
	StateBlocked UserState = "blocked"
	// StateVip marks a priority user.
	StateVip UserState = "vip"
)

// StateRegistry is the application-level registry of known user states.
type StateRegistry struct {
	mu    sync.RWMutex
	known map[UserState]struct{}
}

// NewStateRegistry creates a registry seeded with the built-in states.
func NewStateRegistry() *StateRegistry {
	r := &StateRegistry{known: make(map[UserState]struct{})}
	for _, s := range []UserState{StateNew, StateActive, StateInScenario, StateWaitingInput, StateBlocked, StateVip} {
		r.known[s] = struct{}{}
	}
	return r
}

// Register adds a custom state to the registry.
func (r *StateRegistry) Register(s UserState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[s] = struct{}{}
}

// Known reports whether the state has been registered.
func (r *StateRegistry) Known(s UserState) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[s]
	return ok
}

// States returns all registered states.
func (r *StateRegistry) States() []UserState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make([]UserState, 0, len(r.known))
	for s := range r.known {
		states = append(states, s)
	}
	return states
}

// User is a conversation participant. The ID is durable and independent of
// the transport's own account id.
type User struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`

	CurrentState UserState `json:"current_state"`
	// PreScenarioState holds the state to restore when a scenario completes
	// without an explicit set_user_state override.
	PreScenarioState UserState `json:"pre_scenario_state,omitempty"`

	CollectedData map[string]string `json:"collected_data,omitempty"`
	// CollectFlags records fields whose captured value violated the declared
	// collect type hint, for the collaborator to re-prompt if desired.
	CollectFlags map[string]string `json:"collect_flags,omitempty"`

	// Active scenario pointer: a weak reference by scenario id + step index.
	// Empty ActiveScenarioID means not in any scenario.
	ActiveScenarioID string `json:"active_scenario_id,omitempty"`
	ActiveStepIndex  int    `json:"active_step_index,omitempty"`
	// AwaitingCollect is set once the current step's prompt actions have run
	// and the step is waiting for the next inbound message to capture.
	AwaitingCollect bool `json:"awaiting_collect,omitempty"`

	Tags []string `json:"tags,omitempty"`

	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InScenario reports whether the user has an active scenario pointer.
func (u *User) InScenario() bool {
	return u.ActiveScenarioID != ""
}

// HasTag reports whether the user carries the given tag.
func (u *User) HasTag(tag string) bool {
	for _, t := range u.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so read paths never alias controller-owned state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.CollectedData != nil {
		cp.CollectedData = make(map[string]string, len(u.CollectedData))
		for k, v := range u.CollectedData {
			cp.CollectedData[k] = v
		}
	}
	if u.CollectFlags != nil {
		cp.CollectFlags = make(map[string]string, len(u.CollectFlags))
		for k, v := range u.CollectFlags {
			cp.CollectFlags[k] = v
		}
	}
	if u.Tags != nil {
		cp.Tags = append([]string(nil), u.Tags...)
	}
	return &cp
}

// MessageSender distinguishes who authored a history entry.
type MessageSender string

const (
	// SenderUser marks an inbound participant message.
	SenderUser MessageSender = "user"
	// SenderBot marks an engine-produced message.
	SenderBot MessageSender = "bot"
)

// Message is one entry of a user's append-only message history.
type Message struct {
	ID         string        `json:"id"`
	UserID     string        `json:"user_id"`
	Body       string        `json:"body"`
	Sender     MessageSender `json:"sender"`
	ExternalID string        `json:"external_id,omitempty"`
	ThreadID   string        `json:"thread_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
