package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/store"
)

// DefaultSweepSchedule is how often expired agent-call correlations are purged.
const DefaultSweepSchedule = "@every 1m"

// Opts holds configuration for the engine.
type Opts struct {
	Store store.Store
	// Registry of known user states; defaults to the built-in set.
	Registry *models.StateRegistry
	// AgentCallTTL bounds pending agent-call correlations.
	AgentCallTTL time.Duration
	// HistoryLimit caps context snapshots and context queries.
	HistoryLimit int
	// SweepSchedule is a cron spec for the expiry sweeper.
	SweepSchedule string
}

// Option configures the engine.
type Option func(*Opts)

// WithStore sets the backing store.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithRegistry sets the user-state registry.
func WithRegistry(r *models.StateRegistry) Option {
	return func(o *Opts) { o.Registry = r }
}

// WithAgentCallTTL sets the pending-call deadline horizon.
func WithAgentCallTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.AgentCallTTL = ttl }
}

// WithHistoryLimit sets the history snapshot cap.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithSweepSchedule sets the expiry sweeper cron spec.
func WithSweepSchedule(spec string) Option {
	return func(o *Opts) { o.SweepSchedule = spec }
}

// Engine is the conversation core: it matches inbound messages against the
// rule set, drives scenarios, serializes per-user mutations and emits
// outbound directives for the transport to deliver.
type Engine struct {
	store      store.Store
	registry   *models.StateRegistry
	users      *UserController
	runner     *Runner
	dispatcher *Dispatcher

	historyLimit  int
	sweepSchedule string
	cron          *cron.Cron
}

// NewEngine creates an engine from the given options.
func NewEngine(opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		cfg.Store = store.NewInMemoryStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = models.NewStateRegistry()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}

	users := NewUserController(cfg.Store, cfg.Registry)
	runner := NewRunner(cfg.Store, users)
	dispatcher := NewDispatcher(cfg.Store, users, runner, cfg.AgentCallTTL, cfg.HistoryLimit)

	return &Engine{
		store:         cfg.Store,
		registry:      cfg.Registry,
		users:         users,
		runner:        runner,
		dispatcher:    dispatcher,
		historyLimit:  cfg.HistoryLimit,
		sweepSchedule: cfg.SweepSchedule,
	}
}

// Registry exposes the user-state registry for management surfaces.
func (e *Engine) Registry() *models.StateRegistry {
	return e.registry
}

// Start reconciles any dangling scenario pointers left over from rule edits
// and launches the pending-call expiry sweeper.
func (e *Engine) Start() error {
	if err := e.reconcileDanglingPointers(); err != nil {
		return err
	}
	c := cron.New()
	if _, err := c.AddFunc(e.sweepSchedule, e.sweepExpiredCalls); err != nil {
		return fmt.Errorf("failed to schedule expiry sweeper: %w", err)
	}
	c.Start()
	e.cron = c
	slog.Info("Engine started", "sweep_schedule", e.sweepSchedule)
	return nil
}

// Stop halts the expiry sweeper. The store is closed by its owner.
func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
	slog.Info("Engine stopped")
}

// ProcessMessage runs one inbound message through the full pipeline:
// match, dispatch, mutate, emit. Per-user processing is serialized; messages
// from distinct users proceed in parallel.
func (e *Engine) ProcessMessage(externalID, username, text, messageID, threadID string) (*models.ProcessResult, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: external account id is required", models.ErrValidation)
	}
	if len(text) > models.MaxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds maximum length", models.ErrValidation)
	}

	u, err := e.users.GetOrCreateByExternalID(externalID, username)
	if err != nil {
		return nil, err
	}

	unlock := e.users.Lock(u.ID)
	defer unlock()

	// Reload under the exclusion scope; the earlier read may be stale.
	u, err = e.users.Get(u.ID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownUser, externalID)
	}

	now := time.Now().UTC()
	e.users.Touch(u, now)
	if err := e.users.AppendHistory(u, text, models.SenderUser, messageID, threadID); err != nil {
		slog.Error("Failed to record inbound message", "error", err, "user_id", u.ID)
	}

	result := &models.ProcessResult{
		Directives: []models.OutboundDirective{},
		UserID:     u.ID,
	}

	if u.CurrentState == models.StateBlocked {
		slog.Debug("Message from blocked user ignored", "user_id", u.ID)
		result.UserState = string(u.CurrentState)
		if err := e.users.Save(u); err != nil {
			return nil, err
		}
		return result, nil
	}

	turn := newTurnContext(messageID, threadID, text)

	inScenario := u.InScenario()
	if inScenario {
		dirs, matched, err := e.processScenarioTurn(u, turn)
		if err != nil {
			return nil, err
		}
		if dirs != nil || matched || u.InScenario() {
			result.Matched = matched
			result.Directives = append(result.Directives, dirs...)
			result.UserState = string(u.CurrentState)
			if err := e.users.Save(u); err != nil {
				return nil, err
			}
			return result, nil
		}
		// Dangling pointer was cleared; fall through to global matching.
	}

	dirs, matched, err := e.processGlobalTurn(u, turn, now)
	if err != nil {
		return nil, err
	}
	result.Matched = matched
	result.Directives = append(result.Directives, dirs...)
	result.UserState = string(u.CurrentState)
	if err := e.users.Save(u); err != nil {
		return nil, err
	}
	return result, nil
}

// processScenarioTurn routes the message to the user's current step. On a
// dangling pointer the user is forced out and the caller retries globally.
func (e *Engine) processScenarioTurn(u *models.User, turn turnContext) ([]models.OutboundDirective, bool, error) {
	sc, err := e.store.GetScenario(u.ActiveScenarioID)
	if err != nil {
		return nil, false, err
	}
	if sc == nil || u.ActiveStepIndex < 0 || u.ActiveStepIndex >= len(sc.Steps) {
		e.runner.ForceExit(u)
		return nil, false, nil
	}
	dirs, matched, err := e.runner.HandleInbound(u, sc, turn)
	if errors.Is(err, models.ErrDanglingScenario) {
		e.runner.ForceExit(u)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// No match inside a scenario is terminal for this turn: globals stay
	// suppressed so the flow cannot be hijacked.
	if dirs == nil {
		dirs = []models.OutboundDirective{}
	}
	return dirs, matched, nil
}

// processGlobalTurn evaluates global triggers and scenario start triggers.
func (e *Engine) processGlobalTurn(u *models.User, turn turnContext, now time.Time) ([]models.OutboundDirective, bool, error) {
	triggers, err := e.store.ListTriggers()
	if err != nil {
		return nil, false, err
	}
	scenarios, err := e.store.ListScenarios()
	if err != nil {
		return nil, false, err
	}

	win := matchGlobal(triggers, scenarios, turn.Text, u)
	if win == nil {
		slog.Debug("No match", "user_id", u.ID)
		return nil, false, nil
	}

	if win.source == sourceScenarioStart {
		sc, err := e.store.GetScenario(win.scenarioID)
		if err != nil {
			return nil, false, err
		}
		if sc == nil {
			return nil, false, fmt.Errorf("%w: %s", models.ErrUnknownScenario, win.scenarioID)
		}
		dirs, err := e.runner.Start(u, sc, turn)
		return dirs, true, err
	}

	if err := e.store.IncrementTriggerMatches(win.triggerID, now); err != nil {
		slog.Error("Failed to record trigger match", "error", err, "trigger_id", win.triggerID)
	}
	dirs, err := e.dispatcher.execute(u, win.actions, turn)
	return dirs, true, err
}

// ApplyAgentResponse resumes a suspended agent hand-off. Responses whose
// correlation is unknown or expired are dropped and reported; they never
// mutate a user who has since moved on.
func (e *Engine) ApplyAgentResponse(key string, resp models.AgentResponse) (*models.ApplyResult, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: correlation key is required", models.ErrValidation)
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence must be within [0, 1]", models.ErrValidation)
	}

	call, err := e.store.GetPendingCall(key)
	if err != nil {
		return nil, err
	}
	if call == nil {
		slog.Warn("Stale agent callback dropped", "key", key)
		return &models.ApplyResult{Applied: false, Reason: models.ReasonStaleCallback}, nil
	}

	unlock := e.users.Lock(call.UserID)
	defer unlock()

	// Re-check under the exclusion scope: a concurrent delivery may have
	// consumed the correlation, and the sweeper may have purged it.
	call, err = e.store.GetPendingCall(key)
	if err != nil {
		return nil, err
	}
	if call == nil {
		slog.Warn("Stale agent callback dropped", "key", key)
		return &models.ApplyResult{Applied: false, Reason: models.ReasonStaleCallback}, nil
	}
	if call.Expired(time.Now().UTC()) {
		if err := e.store.DeletePendingCall(key); err != nil {
			slog.Error("Failed to purge expired pending call", "error", err, "key", key)
		}
		slog.Warn("Expired agent callback dropped", "key", key, "deadline", call.Deadline)
		return &models.ApplyResult{Applied: false, Reason: models.ReasonStaleCallback}, nil
	}

	u, err := e.users.Get(call.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		if err := e.store.DeletePendingCall(key); err != nil {
			slog.Error("Failed to purge orphaned pending call", "error", err, "key", key)
		}
		slog.Warn("Agent callback for unknown user dropped", "key", key, "user_id", call.UserID)
		return &models.ApplyResult{Applied: false, Reason: models.ReasonUnknownCorrelation}, nil
	}

	applied, err := e.dispatcher.Resume(u, call, resp)
	if err != nil {
		return nil, err
	}
	if err := e.users.Save(u); err != nil {
		return nil, err
	}
	return applied, nil
}

// GetUserContext returns the read-only context view: state, collected data
// and a bounded history slice. No side effects.
func (e *Engine) GetUserContext(userID string) (*models.UserContext, error) {
	u, err := e.users.Get(userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownUser, userID)
	}
	history, err := e.users.History(userID, e.historyLimit)
	if err != nil {
		return nil, err
	}
	return &models.UserContext{
		UserID:        u.ID,
		State:         string(u.CurrentState),
		CollectedData: u.CollectedData,
		History:       history,
	}, nil
}

// CreateTrigger validates and stores a new trigger. Rejects are surfaced
// whole; nothing is partially applied.
func (e *Engine) CreateTrigger(t models.Trigger) (*models.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.TotalMatches = 0
	t.LastMatchedAt = nil
	if err := t.Validate(e.registry); err != nil {
		return nil, err
	}
	if err := e.store.SaveTrigger(t); err != nil {
		return nil, err
	}
	slog.Info("Trigger created", "trigger_id", t.ID, "kind", t.Kind)
	return &t, nil
}

// UpdateTrigger replaces an existing trigger definition, preserving its
// creation order and match counters.
func (e *Engine) UpdateTrigger(t models.Trigger) (*models.Trigger, error) {
	existing, err := e.store.GetTrigger(t.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTrigger, t.ID)
	}
	t.CreatedAt = existing.CreatedAt
	t.TotalMatches = existing.TotalMatches
	t.LastMatchedAt = existing.LastMatchedAt
	t.UpdatedAt = time.Now().UTC()
	if err := t.Validate(e.registry); err != nil {
		return nil, err
	}
	if err := e.store.SaveTrigger(t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeactivateTrigger removes a trigger from matching without deleting it.
func (e *Engine) DeactivateTrigger(id string) error {
	t, err := e.store.GetTrigger(id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownTrigger, id)
	}
	t.Active = false
	t.UpdatedAt = time.Now().UTC()
	return e.store.SaveTrigger(*t)
}

// ListTriggers returns all triggers in creation order.
func (e *Engine) ListTriggers() ([]models.Trigger, error) {
	return e.store.ListTriggers()
}

// GetTrigger returns one trigger, or ErrUnknownTrigger.
func (e *Engine) GetTrigger(id string) (*models.Trigger, error) {
	t, err := e.store.GetTrigger(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTrigger, id)
	}
	return t, nil
}

// CreateScenario validates and stores a new scenario.
func (e *Engine) CreateScenario(sc models.Scenario) (*models.Scenario, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	sc.TotalStarts = 0
	sc.TotalCompletions = 0
	if err := sc.Validate(e.registry); err != nil {
		return nil, err
	}
	if err := e.store.SaveScenario(sc); err != nil {
		return nil, err
	}
	slog.Info("Scenario created", "scenario_id", sc.ID, "steps", len(sc.Steps))
	return &sc, nil
}

// UpdateScenario replaces an existing scenario definition. Users mid-flight
// keep their pointer; a now-invalid pointer is reconciled on next message.
func (e *Engine) UpdateScenario(sc models.Scenario) (*models.Scenario, error) {
	existing, err := e.store.GetScenario(sc.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownScenario, sc.ID)
	}
	sc.CreatedAt = existing.CreatedAt
	sc.TotalStarts = existing.TotalStarts
	sc.TotalCompletions = existing.TotalCompletions
	sc.UpdatedAt = time.Now().UTC()
	if err := sc.Validate(e.registry); err != nil {
		return nil, err
	}
	if err := e.store.SaveScenario(sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// DeactivateScenario removes a scenario's start triggers from matching.
// Users already inside continue to completion.
func (e *Engine) DeactivateScenario(id string) error {
	sc, err := e.store.GetScenario(id)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownScenario, id)
	}
	sc.Active = false
	sc.UpdatedAt = time.Now().UTC()
	return e.store.SaveScenario(*sc)
}

// ListScenarios returns all scenarios in creation order.
func (e *Engine) ListScenarios() ([]models.Scenario, error) {
	return e.store.ListScenarios()
}

// GetScenario returns one scenario, or ErrUnknownScenario.
func (e *Engine) GetScenario(id string) (*models.Scenario, error) {
	sc, err := e.store.GetScenario(id)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownScenario, id)
	}
	return sc, nil
}

// CreateTemplate validates and stores a new template.
func (e *Engine) CreateTemplate(t models.Template) (*models.Template, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SaveTemplate(t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTemplate replaces an existing template body.
func (e *Engine) UpdateTemplate(t models.Template) (*models.Template, error) {
	existing, err := e.store.GetTemplate(t.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTemplate, t.ID)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SaveTemplate(t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTemplate removes a template. Actions referencing it are skipped at
// dispatch with a warning.
func (e *Engine) DeleteTemplate(id string) error {
	return e.store.DeleteTemplate(id)
}

// ListTemplates returns all templates in creation order.
func (e *Engine) ListTemplates() ([]models.Template, error) {
	return e.store.ListTemplates()
}

// GetTemplate returns one template, or ErrUnknownTemplate.
func (e *Engine) GetTemplate(id string) (*models.Template, error) {
	t, err := e.store.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTemplate, id)
	}
	return t, nil
}

// Stats summarizes the rule set and its usage counters.
type Stats struct {
	Users            int            `json:"users"`
	UsersByState     map[string]int `json:"users_by_state"`
	Triggers         int            `json:"triggers"`
	ActiveTriggers   int            `json:"active_triggers"`
	TotalMatches     int64          `json:"total_matches"`
	Scenarios        int            `json:"scenarios"`
	TotalStarts      int64          `json:"total_starts"`
	TotalCompletions int64          `json:"total_completions"`
	Templates        int            `json:"templates"`
}

// GetStats aggregates counters across the rule set.
func (e *Engine) GetStats() (*Stats, error) {
	var st Stats
	users, err := e.store.ListUsers()
	if err != nil {
		return nil, err
	}
	st.Users = len(users)
	st.UsersByState = make(map[string]int)
	for _, u := range users {
		st.UsersByState[string(u.CurrentState)]++
	}

	triggers, err := e.store.ListTriggers()
	if err != nil {
		return nil, err
	}
	st.Triggers = len(triggers)
	for _, t := range triggers {
		if t.Active {
			st.ActiveTriggers++
		}
		st.TotalMatches += t.TotalMatches
	}

	scenarios, err := e.store.ListScenarios()
	if err != nil {
		return nil, err
	}
	st.Scenarios = len(scenarios)
	for _, sc := range scenarios {
		st.TotalStarts += sc.TotalStarts
		st.TotalCompletions += sc.TotalCompletions
	}

	templates, err := e.store.ListTemplates()
	if err != nil {
		return nil, err
	}
	st.Templates = len(templates)
	return &st, nil
}

// reconcileDanglingPointers forces out users whose active scenario was
// deleted or truncated while they were inside it.
func (e *Engine) reconcileDanglingPointers() error {
	users, err := e.store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list users for reconciliation: %w", err)
	}
	fixed := 0
	for i := range users {
		u := &users[i]
		if !u.InScenario() {
			continue
		}
		sc, err := e.store.GetScenario(u.ActiveScenarioID)
		if err != nil {
			return err
		}
		if sc != nil && u.ActiveStepIndex >= 0 && u.ActiveStepIndex < len(sc.Steps) {
			continue
		}
		unlock := e.users.Lock(u.ID)
		e.runner.ForceExit(u)
		err = e.users.Save(u)
		unlock()
		if err != nil {
			return err
		}
		fixed++
	}
	if fixed > 0 {
		slog.Info("Reconciled dangling scenario pointers", "count", fixed)
	}
	return nil
}

// sweepExpiredCalls purges pending agent calls past their deadline. Late
// responses then surface as stale callbacks.
func (e *Engine) sweepExpiredCalls() {
	now := time.Now().UTC()
	expired, err := e.store.ListExpiredPendingCalls(now)
	if err != nil {
		slog.Error("Expiry sweep failed", "error", err)
		return
	}
	for _, call := range expired {
		if err := e.store.DeletePendingCall(call.Key); err != nil {
			slog.Error("Failed to purge expired pending call", "error", err, "key", call.Key)
		}
	}
	if len(expired) > 0 {
		slog.Debug("Purged expired agent calls", "count", len(expired))
	}
}
