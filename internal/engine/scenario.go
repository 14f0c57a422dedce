package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/store"
)

// maxStepsPerTurn bounds how many step entries a single turn may execute
// across fall-throughs and go_to_step jumps. A turn that exceeds it is
// cycling through the rule set and is cut off instead of recursing forever.
const maxStepsPerTurn = models.MaxScenarioSteps

// turnContext carries the inbound message identity through one engine turn,
// so actions executed anywhere in the turn can correlate to it.
type turnContext struct {
	MessageID string
	ThreadID  string
	Text      string

	// steps counts step entries for the whole turn. The pointer is shared
	// by every copy of the context, including re-entries through go_to_step.
	steps *int
}

func newTurnContext(messageID, threadID, text string) turnContext {
	return turnContext{MessageID: messageID, ThreadID: threadID, Text: text, steps: new(int)}
}

// actionExecutor executes an ordered action list for a user. Implemented by
// the Dispatcher; declared as an interface to keep the runner/dispatcher
// wiring explicit.
type actionExecutor interface {
	execute(u *models.User, actions []models.Action, turn turnContext) ([]models.OutboundDirective, error)
}

// Runner drives the per-user scenario state machine: NotInScenario plus every
// valid (scenario, step) pair. Scenarios are never re-entrant mid-step; a
// restart always begins at step 0.
type Runner struct {
	store store.Store
	users *UserController
	exec  actionExecutor
}

// NewRunner creates a scenario runner. The executor is attached afterwards
// because the dispatcher needs the runner for go_to_step.
func NewRunner(st store.Store, users *UserController) *Runner {
	return &Runner{store: st, users: users}
}

func (r *Runner) setExecutor(exec actionExecutor) {
	r.exec = exec
}

// Start enters the scenario at step 0, remembering the state to restore on
// completion. Only reachable when the user is not already in a scenario.
func (r *Runner) Start(u *models.User, sc *models.Scenario, turn turnContext) ([]models.OutboundDirective, error) {
	u.PreScenarioState = u.CurrentState
	r.users.SetScenarioPointer(u, sc.ID, 0)
	u.CurrentState = models.StateInScenario
	if err := r.store.IncrementScenarioStarts(sc.ID); err != nil {
		slog.Error("Failed to increment scenario starts", "error", err, "scenario_id", sc.ID)
	}
	slog.Debug("Scenario started", "user_id", u.ID, "scenario_id", sc.ID)
	return r.runStep(u, sc, turn)
}

// Jump repositions the pointer directly, bypassing normal advancement.
func (r *Runner) Jump(u *models.User, scenarioID string, stepIndex int, turn turnContext) ([]models.OutboundDirective, error) {
	sc, err := r.store.GetScenario(scenarioID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownScenario, scenarioID)
	}
	if stepIndex < 0 || stepIndex >= len(sc.Steps) {
		return nil, fmt.Errorf("%w: scenario %s has no step %d", models.ErrValidation, scenarioID, stepIndex)
	}
	if !u.InScenario() {
		u.PreScenarioState = u.CurrentState
	}
	r.users.SetScenarioPointer(u, sc.ID, stepIndex)
	u.CurrentState = models.StateInScenario
	return r.runStep(u, sc, turn)
}

// HandleInbound processes one message for a user whose pointer is on a step
// of the given scenario. While a scenario is active only its current step's
// triggers are evaluated; globals are suppressed.
func (r *Runner) HandleInbound(u *models.User, sc *models.Scenario, turn turnContext) (dirs []models.OutboundDirective, matched bool, err error) {
	if u.ActiveStepIndex < 0 || u.ActiveStepIndex >= len(sc.Steps) {
		return nil, false, fmt.Errorf("%w: scenario %s step %d", models.ErrDanglingScenario, sc.ID, u.ActiveStepIndex)
	}
	step := &sc.Steps[u.ActiveStepIndex]

	if u.AwaitingCollect && step.Collect != nil {
		// Captured verbatim; the declared type is a hint for the
		// collaborator, never a hard gate.
		flag := collectFlag(step.Collect.Type, turn.Text)
		r.users.SetField(u, step.Collect.Field, turn.Text, flag)
		u.AwaitingCollect = false
		slog.Debug("Collected field", "user_id", u.ID, "field", step.Collect.Field, "flagged", flag != "")
		dirs, err = r.advance(u, sc, turn)
		return dirs, true, err
	}

	if win := matchStep(step, turn.Text); win != nil {
		dirs, err = r.advance(u, sc, turn)
		return dirs, true, err
	}
	return nil, false, nil
}

// advance moves to the next step, or completes the scenario after the last.
func (r *Runner) advance(u *models.User, sc *models.Scenario, turn turnContext) ([]models.OutboundDirective, error) {
	next := u.ActiveStepIndex + 1
	if next >= len(sc.Steps) {
		r.complete(u, sc)
		return nil, nil
	}
	r.users.SetScenarioPointer(u, sc.ID, next)
	return r.runStep(u, sc, turn)
}

// runStep executes the step's entry actions and decides whether the pointer
// rests here (collect or step triggers pending) or falls through to the next
// step. The shared per-turn step counter bounds the total work: fall-through
// cascades and go_to_step cycles both terminate with a validation error
// instead of recursing without limit.
func (r *Runner) runStep(u *models.User, sc *models.Scenario, turn turnContext) ([]models.OutboundDirective, error) {
	if turn.steps == nil {
		turn.steps = new(int)
	}
	*turn.steps++
	if *turn.steps > maxStepsPerTurn {
		return nil, fmt.Errorf("%w: scenario %s cycles without waiting for input", models.ErrValidation, sc.ID)
	}
	idx := u.ActiveStepIndex
	step := &sc.Steps[idx]

	dirs, err := r.exec.execute(u, step.Actions, turn)
	if err != nil {
		return dirs, err
	}

	// A go_to_step inside the entry actions moved the pointer; respect it.
	if u.ActiveScenarioID != sc.ID || u.ActiveStepIndex != idx {
		return dirs, nil
	}

	if step.Collect != nil {
		u.AwaitingCollect = true
		u.CurrentState = models.StateWaitingInput
		return dirs, nil
	}
	if len(step.Triggers) > 0 {
		return dirs, nil
	}

	// No gate on this step: fall through.
	next := idx + 1
	if next >= len(sc.Steps) {
		r.complete(u, sc)
		return dirs, nil
	}
	r.users.SetScenarioPointer(u, sc.ID, next)
	more, err := r.runStep(u, sc, turn)
	return append(dirs, more...), err
}

// complete leaves the scenario. The user's state reverts to its pre-scenario
// value unless an action inside the flow explicitly overrode it.
func (r *Runner) complete(u *models.User, sc *models.Scenario) {
	if err := r.store.IncrementScenarioCompletions(sc.ID); err != nil {
		slog.Error("Failed to increment scenario completions", "error", err, "scenario_id", sc.ID)
	}
	if u.CurrentState == models.StateInScenario || u.CurrentState == models.StateWaitingInput {
		restored := u.PreScenarioState
		if restored == "" {
			restored = models.StateActive
		}
		u.CurrentState = restored
	}
	r.users.ClearScenarioPointer(u)
	slog.Debug("Scenario completed", "user_id", u.ID, "scenario_id", sc.ID)
}

// ForceExit handles a dangling pointer: the referenced scenario or step no
// longer exists, so the user is returned to NotInScenario and flagged rather
// than left unresolvable.
func (r *Runner) ForceExit(u *models.User) {
	slog.Warn("Dangling scenario pointer, forcing exit",
		"user_id", u.ID, "scenario_id", u.ActiveScenarioID, "step", u.ActiveStepIndex)
	if u.CurrentState == models.StateInScenario || u.CurrentState == models.StateWaitingInput {
		restored := u.PreScenarioState
		if restored == "" {
			restored = models.StateActive
		}
		u.CurrentState = restored
	}
	r.users.ClearScenarioPointer(u)
	r.users.AddTag(u, "dangling_scenario")
}

var phonePattern = regexp.MustCompile(`^\+?[\d\s().-]{5,}$`)

// collectFlag returns a non-empty flag when the captured text does not look
// like the declared collect type. The value is stored either way.
func collectFlag(typ models.CollectType, text string) string {
	text = strings.TrimSpace(text)
	switch typ {
	case models.CollectNumber:
		if _, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64); err != nil {
			return "type_mismatch:number"
		}
	case models.CollectPhone:
		if !phonePattern.MatchString(text) {
			return "type_mismatch:phone"
		}
	case models.CollectEmail:
		if !strings.Contains(text, "@") || strings.Count(text, "@") != 1 {
			return "type_mismatch:email"
		}
	}
	return ""
}
