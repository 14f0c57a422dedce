package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/store"
)

// UserController owns all user mutations. Writes go through typed mutation
// methods only, so invariants like scenario pointer validity are enforced in
// one place. It also provides the per-user exclusion scope: at most one
// in-flight mutation per user, while distinct users proceed in parallel.
type UserController struct {
	store    store.Store
	registry *models.StateRegistry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewUserController creates a controller over the given store and registry.
func NewUserController(st store.Store, registry *models.StateRegistry) *UserController {
	return &UserController{
		store:    st,
		registry: registry,
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the exclusion scope for one user, creating it on first use.
func (c *UserController) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	return l
}

// Lock acquires the user's exclusion scope. The returned function releases it.
func (c *UserController) Lock(userID string) func() {
	l := c.userLock(userID)
	l.Lock()
	return l.Unlock
}

// Get returns a copy of the user, or nil if unknown.
func (c *UserController) Get(userID string) (*models.User, error) {
	return c.store.GetUser(userID)
}

// GetOrCreateByExternalID resolves a transport account id to a durable user,
// provisioning a new record on first contact.
func (c *UserController) GetOrCreateByExternalID(externalID, username string) (*models.User, error) {
	u, err := c.store.GetUserByExternalID(externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by external id: %w", err)
	}
	if u != nil {
		if username != "" && u.Username != username {
			u.Username = username
			u.UpdatedAt = time.Now().UTC()
			if err := c.store.SaveUser(*u); err != nil {
				return nil, fmt.Errorf("failed to update username: %w", err)
			}
		}
		return u, nil
	}

	// First contact. Provisioning runs before the per-user scope exists, so
	// serialize it on the external id and re-check: concurrent deliveries
	// from one account must resolve to a single durable user.
	unlock := c.Lock("external:" + externalID)
	defer unlock()
	u, err = c.store.GetUserByExternalID(externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by external id: %w", err)
	}
	if u != nil {
		return u, nil
	}

	now := time.Now().UTC()
	u = &models.User{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		Username:     username,
		CurrentState: models.StateNew,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.SaveUser(*u); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	slog.Info("Provisioned new user", "user_id", u.ID, "external_id", externalID)
	return u, nil
}

// Save persists the user after a mutation sequence. Callers must hold the
// user's exclusion scope.
func (c *UserController) Save(u *models.User) error {
	u.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveUser(*u); err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

// SetState mutates the user's current state. Unregistered states are rejected
// so typos surface at the mutation site instead of corrupting matching.
func (c *UserController) SetState(u *models.User, state models.UserState) error {
	if c.registry != nil && !c.registry.Known(state) {
		return fmt.Errorf("%w: unknown user state %q", models.ErrValidation, state)
	}
	u.CurrentState = state
	return nil
}

// SetScenarioPointer repositions the user's active scenario pointer.
func (c *UserController) SetScenarioPointer(u *models.User, scenarioID string, stepIndex int) {
	u.ActiveScenarioID = scenarioID
	u.ActiveStepIndex = stepIndex
	u.AwaitingCollect = false
}

// ClearScenarioPointer drops the pointer, returning the user to ordinary
// conversation. The caller decides what happens to current_state.
func (c *UserController) ClearScenarioPointer(u *models.User) {
	u.ActiveScenarioID = ""
	u.ActiveStepIndex = 0
	u.AwaitingCollect = false
	u.PreScenarioState = ""
}

// SetField captures a collected value verbatim. The collect type is a hint:
// a mismatch is recorded as a flag for the collaborator, never rejected.
func (c *UserController) SetField(u *models.User, field, value string, flag string) {
	if u.CollectedData == nil {
		u.CollectedData = make(map[string]string)
	}
	u.CollectedData[field] = value
	if flag != "" {
		if u.CollectFlags == nil {
			u.CollectFlags = make(map[string]string)
		}
		u.CollectFlags[field] = flag
	}
}

// AddTag appends a tag unless the user already carries it.
func (c *UserController) AddTag(u *models.User, tag string) {
	if u.HasTag(tag) {
		return
	}
	u.Tags = append(u.Tags, tag)
}

// Touch records user activity.
func (c *UserController) Touch(u *models.User, at time.Time) {
	u.LastActivity = at
}

// AppendHistory adds one message to the user's append-only history.
func (c *UserController) AppendHistory(u *models.User, body string, sender models.MessageSender, externalID, threadID string) error {
	m := models.Message{
		ID:         uuid.NewString(),
		UserID:     u.ID,
		Body:       body,
		Sender:     sender,
		ExternalID: externalID,
		ThreadID:   threadID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.AddMessage(m); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", u.ID, err)
	}
	return nil
}

// History returns the most recent messages, oldest first.
func (c *UserController) History(userID string, limit int) ([]models.HistoryEntry, error) {
	msgs, err := c.store.GetMessages(userID, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]models.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, models.HistoryEntry{Body: m.Body, Sender: m.Sender, At: m.CreatedAt})
	}
	return entries, nil
}
