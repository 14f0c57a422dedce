package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/botforge/botforge/internal/models"
	"github.com/botforge/botforge/internal/store"
)

// DefaultAgentCallTTL bounds how long an agent-call correlation stays valid.
const DefaultAgentCallTTL = 10 * time.Minute

// DefaultHistoryLimit caps the context snapshot handed to an agent.
const DefaultHistoryLimit = 20

// Dispatcher executes an ordered action list into outbound directives.
// Actions run strictly in list order: later actions may depend on state set
// by earlier ones. Directive delivery, retries and backoff belong to the
// transport, never to the dispatcher.
type Dispatcher struct {
	store        store.Store
	users        *UserController
	runner       *Runner
	agentTTL     time.Duration
	historyLimit int
	now          func() time.Time
}

// NewDispatcher creates a dispatcher and wires it as the runner's executor.
func NewDispatcher(st store.Store, users *UserController, runner *Runner, agentTTL time.Duration, historyLimit int) *Dispatcher {
	if agentTTL <= 0 {
		agentTTL = DefaultAgentCallTTL
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	d := &Dispatcher{
		store:        st,
		users:        users,
		runner:       runner,
		agentTTL:     agentTTL,
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
	runner.setExecutor(d)
	return d
}

// execute translates actions into directives one by one. Referenced entities
// that are missing (template, scenario) are logged and skipped; the
// conversation continues in its prior state.
func (d *Dispatcher) execute(u *models.User, actions []models.Action, turn turnContext) ([]models.OutboundDirective, error) {
	var dirs []models.OutboundDirective
	for i, a := range actions {
		switch a.Type {
		case models.ActionSendMessage:
			dirs = append(dirs, models.OutboundDirective{
				Type: models.DirectiveSendMessage,
				To:   u.ExternalID,
				Text: a.Text,
			})
			if err := d.users.AppendHistory(u, a.Text, models.SenderBot, "", turn.ThreadID); err != nil {
				slog.Error("Failed to record outbound message", "error", err, "user_id", u.ID)
			}

		case models.ActionSendTemplate:
			tpl, err := d.store.GetTemplate(a.TemplateID)
			if err != nil {
				return dirs, fmt.Errorf("action %d: %w", i, err)
			}
			if tpl == nil {
				slog.Warn("Unknown template, action skipped", "template_id", a.TemplateID, "user_id", u.ID)
				continue
			}
			dirs = append(dirs, models.OutboundDirective{
				Type:         models.DirectiveSendTemplate,
				To:           u.ExternalID,
				TemplateID:   tpl.ID,
				TemplateBody: tpl.Body,
				Category:     tpl.Category,
			})
			if err := d.users.AppendHistory(u, tpl.Body, models.SenderBot, "", turn.ThreadID); err != nil {
				slog.Error("Failed to record outbound template", "error", err, "user_id", u.ID)
			}

		case models.ActionSetUserState:
			d.setState(u, models.UserState(a.State))

		case models.ActionTagUser:
			d.users.AddTag(u, a.Tag)
			dirs = append(dirs, models.OutboundDirective{
				Type: models.DirectiveTagUser,
				To:   u.ExternalID,
				Tag:  a.Tag,
			})

		case models.ActionWebhookCall:
			dirs = append(dirs, models.OutboundDirective{
				Type:    models.DirectiveWebhookCall,
				To:      u.ExternalID,
				URL:     a.URL,
				Payload: a.Payload,
			})

		case models.ActionGoToStep:
			more, err := d.runner.Jump(u, a.ScenarioID, a.StepIndex, turn)
			if err != nil {
				slog.Warn("go_to_step skipped", "error", err, "user_id", u.ID,
					"scenario_id", a.ScenarioID, "step", a.StepIndex)
				continue
			}
			dirs = append(dirs, more...)

		case models.ActionAiAgentCall:
			dir, err := d.emitAgentCall(u, a, turn)
			if err != nil {
				return dirs, fmt.Errorf("action %d: %w", i, err)
			}
			dirs = append(dirs, dir)

		default:
			slog.Warn("Unknown action type, skipped", "type", a.Type, "user_id", u.ID)
		}
	}
	return dirs, nil
}

// setState applies an explicit state override. Inside a scenario the runner
// keeps managing current_state, so the override also becomes the state
// restored on completion instead of the pre-scenario value.
func (d *Dispatcher) setState(u *models.User, state models.UserState) {
	if err := d.users.SetState(u, state); err != nil {
		slog.Warn("Rejected state mutation", "error", err, "user_id", u.ID, "state", state)
		return
	}
	if u.InScenario() && state != models.StateInScenario && state != models.StateWaitingInput {
		u.PreScenarioState = state
	}
}

// emitAgentCall records a pending-call correlation and emits the agent-call
// directive. The engine never blocks waiting for the agent; the conversation
// stays in whatever state the prior actions set.
func (d *Dispatcher) emitAgentCall(u *models.User, a models.Action, turn turnContext) (models.OutboundDirective, error) {
	history, err := d.users.History(u.ID, d.historyLimit)
	if err != nil {
		slog.Error("Failed to load history for agent payload", "error", err, "user_id", u.ID)
	}
	now := d.now()
	call := models.PendingCall{
		Key:       uuid.NewString(),
		UserID:    u.ID,
		MessageID: turn.MessageID,
		AgentURL:  a.AgentURL,
		CreatedAt: now,
		Deadline:  now.Add(d.agentTTL),
	}
	if err := d.store.SavePendingCall(call); err != nil {
		return models.OutboundDirective{}, fmt.Errorf("failed to record pending agent call: %w", err)
	}
	slog.Debug("Agent call pending", "user_id", u.ID, "key", call.Key, "deadline", call.Deadline)
	return models.OutboundDirective{
		Type:           models.DirectiveAgentCall,
		To:             u.ExternalID,
		URL:            a.AgentURL,
		CorrelationKey: call.Key,
		AgentPayload: &models.AgentPayload{
			UserID:        u.ID,
			ExternalID:    u.ExternalID,
			Username:      u.Username,
			Message:       turn.Text,
			UserState:     string(u.CurrentState),
			CollectedData: u.CollectedData,
			History:       history,
		},
	}, nil
}

// Resume applies an agent's structured response. The correlation must still
// exist and be within deadline; otherwise the response is dropped so it can
// never retroactively mutate a user who has moved on. The response's action
// list re-enters execute exactly as a freshly matched rule's actions would.
// The caller must hold the user's exclusion scope.
func (d *Dispatcher) Resume(u *models.User, call *models.PendingCall, resp models.AgentResponse) (*models.ApplyResult, error) {
	// Clear the correlation first: a second delivery of the same response
	// must observe it gone and report stale.
	if err := d.store.DeletePendingCall(call.Key); err != nil {
		return nil, fmt.Errorf("failed to clear pending call %s: %w", call.Key, err)
	}

	turn := newTurnContext(call.MessageID, "", "")
	var dirs []models.OutboundDirective

	if resp.Text != "" {
		out, err := d.execute(u, []models.Action{{Type: models.ActionSendMessage, Text: resp.Text}}, turn)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, out...)
	}
	if len(resp.Actions) > 0 {
		out, err := d.execute(u, resp.Actions, turn)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, out...)
	}
	if resp.NextUserState != "" {
		d.setState(u, models.UserState(resp.NextUserState))
	}
	if resp.NextScenarioID != "" && resp.NextStepIndex != nil {
		out, err := d.runner.Jump(u, resp.NextScenarioID, *resp.NextStepIndex, turn)
		if err != nil {
			slog.Warn("Agent step directive skipped", "error", err, "user_id", u.ID,
				"scenario_id", resp.NextScenarioID)
		} else {
			dirs = append(dirs, out...)
		}
	}

	return &models.ApplyResult{Applied: true, Directives: dirs}, nil
}
