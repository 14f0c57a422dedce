// Package agent provides AI agent integrations for delegated conversation
// turns. The engine hands off a context snapshot and later resumes with the
// agent's structured response.
package agent

import (
	"context"

	"github.com/botforge/botforge/internal/models"
)

// Agent produces a structured response for a delegated conversation turn.
type Agent interface {
	Respond(ctx context.Context, payload models.AgentPayload) (models.AgentResponse, error)
}
