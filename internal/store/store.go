// Package store provides storage backends for BotForge.
//
// It persists triggers, scenarios, templates, users, message history and
// pending agent-call correlations. Backends: in-memory, SQLite and Postgres.
package store

import (
	"strings"
	"time"

	"github.com/botforge/botforge/internal/models"
)

// Store is the persistence abstraction consumed by the engine and API.
//
// Get methods return (nil, nil) when the entity does not exist; callers map
// that to their own not-found semantics. List methods return entities in
// creation order, which the matcher relies on as its final tie-break.
type Store interface {
	// Triggers
	SaveTrigger(t models.Trigger) error
	GetTrigger(id string) (*models.Trigger, error)
	ListTriggers() ([]models.Trigger, error)
	DeleteTrigger(id string) error
	IncrementTriggerMatches(id string, at time.Time) error

	// Scenarios
	SaveScenario(s models.Scenario) error
	GetScenario(id string) (*models.Scenario, error)
	ListScenarios() ([]models.Scenario, error)
	DeleteScenario(id string) error
	IncrementScenarioStarts(id string) error
	IncrementScenarioCompletions(id string) error

	// Templates
	SaveTemplate(t models.Template) error
	GetTemplate(id string) (*models.Template, error)
	ListTemplates() ([]models.Template, error)
	DeleteTemplate(id string) error

	// Users
	SaveUser(u models.User) error
	GetUser(id string) (*models.User, error)
	GetUserByExternalID(externalID string) (*models.User, error)
	ListUsers() ([]models.User, error)

	// Message history (append-only, chronological)
	AddMessage(m models.Message) error
	GetMessages(userID string, limit int) ([]models.Message, error)

	// Pending agent-call correlations
	SavePendingCall(c models.PendingCall) error
	GetPendingCall(key string) (*models.PendingCall, error)
	DeletePendingCall(key string) error
	ListExpiredPendingCalls(now time.Time) ([]models.PendingCall, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" by its shape.
// Postgres DSNs use a URL scheme or key=value form; everything else is
// treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
