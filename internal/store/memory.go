// Package store provides storage backends for BotForge.
//
// This file implements an in-memory store used by tests and single-process
// development mode.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/botforge/botforge/internal/models"
)

// InMemoryStore keeps all entities in mutex-guarded maps. Creation order is
// preserved per entity type so the matcher's final tie-break is stable.
type InMemoryStore struct {
	mu sync.RWMutex

	triggers     map[string]models.Trigger
	triggerOrder []string

	scenarios     map[string]models.Scenario
	scenarioOrder []string

	templates     map[string]models.Template
	templateOrder []string

	users    map[string]models.User
	messages map[string][]models.Message

	pending map[string]models.PendingCall
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		triggers:  make(map[string]models.Trigger),
		scenarios: make(map[string]models.Scenario),
		templates: make(map[string]models.Template),
		users:     make(map[string]models.User),
		messages:  make(map[string][]models.Message),
		pending:   make(map[string]models.PendingCall),
	}
}

func (s *InMemoryStore) SaveTrigger(t models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.triggers[t.ID]; !exists {
		s.triggerOrder = append(s.triggerOrder, t.ID)
	}
	s.triggers[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetTrigger(id string) (*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) ListTriggers() ([]models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Trigger, 0, len(s.triggerOrder))
	for _, id := range s.triggerOrder {
		if t, ok := s.triggers[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteTrigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	s.triggerOrder = removeID(s.triggerOrder, id)
	return nil
}

func (s *InMemoryStore) IncrementTriggerMatches(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil
	}
	t.TotalMatches++
	t.LastMatchedAt = &at
	s.triggers[id] = t
	return nil
}

func (s *InMemoryStore) SaveScenario(sc models.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.scenarios[sc.ID]; !exists {
		s.scenarioOrder = append(s.scenarioOrder, sc.ID)
	}
	s.scenarios[sc.ID] = sc
	return nil
}

func (s *InMemoryStore) GetScenario(id string) (*models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *InMemoryStore) ListScenarios() ([]models.Scenario, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Scenario, 0, len(s.scenarioOrder))
	for _, id := range s.scenarioOrder {
		if sc, ok := s.scenarios[id]; ok {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteScenario(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scenarios, id)
	s.scenarioOrder = removeID(s.scenarioOrder, id)
	return nil
}

func (s *InMemoryStore) IncrementScenarioStarts(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scenarios[id]; ok {
		sc.TotalStarts++
		s.scenarios[id] = sc
	}
	return nil
}

func (s *InMemoryStore) IncrementScenarioCompletions(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scenarios[id]; ok {
		sc.TotalCompletions++
		s.scenarios[id] = sc
	}
	return nil
}

func (s *InMemoryStore) SaveTemplate(t models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; !exists {
		s.templateOrder = append(s.templateOrder, t.ID)
	}
	s.templates[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetTemplate(id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) ListTemplates() ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Template, 0, len(s.templateOrder))
	for _, id := range s.templateOrder {
		if t, ok := s.templates[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, id)
	s.templateOrder = removeID(s.templateOrder, id)
	return nil
}

func (s *InMemoryStore) SaveUser(u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u.Clone()
	return nil
}

func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return u.Clone(), nil
}

func (s *InMemoryStore) GetUserByExternalID(externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			return u.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListUsers() ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.UserID] = append(s.messages[m.UserID], m)
	return nil
}

// GetMessages returns the most recent messages in chronological order.
// limit <= 0 returns the full history.
func (s *InMemoryStore) GetMessages(userID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[userID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]models.Message, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryStore) SavePendingCall(c models.PendingCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[c.Key] = c
	return nil
}

func (s *InMemoryStore) GetPendingCall(key string) (*models.PendingCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.pending[key]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) DeletePendingCall(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	return nil
}

func (s *InMemoryStore) ListExpiredPendingCalls(now time.Time) ([]models.PendingCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingCall
	for _, c := range s.pending {
		if c.Expired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
