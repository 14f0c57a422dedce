// Package store provides storage backends for BotForge.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/botforge/botforge/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

const pgTriggerColumns = `id, name, kind, value, range_min, range_max, actions, priority, active, total_matches, last_matched_at, created_at, updated_at`

func (s *PostgresStore) SaveTrigger(t models.Trigger) error {
	actionsJSON, err := marshalField(t.Actions)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	var lastMatched interface{}
	if t.LastMatchedAt != nil {
		lastMatched = *t.LastMatchedAt
	}
	_, err = s.db.Exec(`INSERT INTO triggers (`+pgTriggerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, value = EXCLUDED.value,
			range_min = EXCLUDED.range_min, range_max = EXCLUDED.range_max,
			actions = EXCLUDED.actions, priority = EXCLUDED.priority,
			active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.Kind, t.Value, t.RangeMin, t.RangeMax, actionsJSON,
		t.Priority, t.Active, t.TotalMatches, lastMatched, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveTrigger failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save trigger %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTrigger(id string) (*models.Trigger, error) {
	row := s.db.QueryRow(`SELECT `+pgTriggerColumns+` FROM triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTrigger failed", "error", err, "id", id)
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTriggers() ([]models.Trigger, error) {
	rows, err := s.db.Query(`SELECT ` + pgTriggerColumns + ` FROM triggers ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore ListTriggers query failed", "error", err)
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []models.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trigger rows: %w", err)
	}
	return triggers, nil
}

func (s *PostgresStore) DeleteTrigger(id string) error {
	_, err := s.db.Exec(`DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteTrigger failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) IncrementTriggerMatches(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE triggers SET total_matches = total_matches + 1, last_matched_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to increment trigger matches for %s: %w", id, err)
	}
	return nil
}

const pgScenarioColumns = `id, name, start_triggers, steps, priority, active, total_starts, total_completions, created_at, updated_at`

func (s *PostgresStore) SaveScenario(sc models.Scenario) error {
	startJSON, err := marshalField(sc.StartTriggers)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.ID, err)
	}
	stepsJSON, err := marshalField(sc.Steps)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO scenarios (`+pgScenarioColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, start_triggers = EXCLUDED.start_triggers,
			steps = EXCLUDED.steps, priority = EXCLUDED.priority,
			active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		sc.ID, sc.Name, startJSON, stepsJSON, sc.Priority, sc.Active,
		sc.TotalStarts, sc.TotalCompletions, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveScenario failed", "error", err, "id", sc.ID)
		return fmt.Errorf("failed to save scenario %s: %w", sc.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetScenario(id string) (*models.Scenario, error) {
	row := s.db.QueryRow(`SELECT `+pgScenarioColumns+` FROM scenarios WHERE id = $1`, id)
	sc, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetScenario failed", "error", err, "id", id)
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) ListScenarios() ([]models.Scenario, error) {
	rows, err := s.db.Query(`SELECT ` + pgScenarioColumns + ` FROM scenarios ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore ListScenarios query failed", "error", err)
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var scenarios []models.Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scenario rows: %w", err)
	}
	return scenarios, nil
}

func (s *PostgresStore) DeleteScenario(id string) error {
	_, err := s.db.Exec(`DELETE FROM scenarios WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteScenario failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete scenario %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) IncrementScenarioStarts(id string) error {
	_, err := s.db.Exec(`UPDATE scenarios SET total_starts = total_starts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment scenario starts for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) IncrementScenarioCompletions(id string) error {
	_, err := s.db.Exec(`UPDATE scenarios SET total_completions = total_completions + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment scenario completions for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveTemplate(t models.Template) error {
	_, err := s.db.Exec(`INSERT INTO templates (id, category, body, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Category, t.Body, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save template %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(id string) (*models.Template, error) {
	row := s.db.QueryRow(`SELECT id, category, body, created_at, updated_at FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTemplate failed", "error", err, "id", id)
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTemplates() ([]models.Template, error) {
	rows, err := s.db.Query(`SELECT id, category, body, created_at, updated_at FROM templates ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore ListTemplates query failed", "error", err)
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate template rows: %w", err)
	}
	return templates, nil
}

func (s *PostgresStore) DeleteTemplate(id string) error {
	_, err := s.db.Exec(`DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	return nil
}

const pgUserColumns = `id, external_id, username, current_state, pre_scenario_state, collected_data, collect_flags, active_scenario_id, active_step_index, awaiting_collect, tags, last_activity, created_at, updated_at`

func (s *PostgresStore) SaveUser(u models.User) error {
	collectedJSON, err := marshalField(u.CollectedData)
	if err != nil {
		return fmt.Errorf("user %s: %w", u.ID, err)
	}
	flagsJSON, err := marshalField(u.CollectFlags)
	if err != nil {
		return fmt.Errorf("user %s: %w", u.ID, err)
	}
	tagsJSON, err := marshalField(u.Tags)
	if err != nil {
		return fmt.Errorf("user %s: %w", u.ID, err)
	}
	_, err = s.db.Exec(`INSERT INTO users (`+pgUserColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username, current_state = EXCLUDED.current_state,
			pre_scenario_state = EXCLUDED.pre_scenario_state,
			collected_data = EXCLUDED.collected_data, collect_flags = EXCLUDED.collect_flags,
			active_scenario_id = EXCLUDED.active_scenario_id,
			active_step_index = EXCLUDED.active_step_index,
			awaiting_collect = EXCLUDED.awaiting_collect, tags = EXCLUDED.tags,
			last_activity = EXCLUDED.last_activity, updated_at = EXCLUDED.updated_at`,
		u.ID, u.ExternalID, u.Username, u.CurrentState, u.PreScenarioState,
		collectedJSON, flagsJSON, u.ActiveScenarioID, u.ActiveStepIndex,
		u.AwaitingCollect, tagsJSON, u.LastActivity, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "id", id)
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByExternalID(externalID string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+pgUserColumns+` FROM users WHERE external_id = $1`, externalID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByExternalID failed", "error", err, "external_id", externalID)
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT ` + pgUserColumns + ` FROM users ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore ListUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (id, user_id, body, sender, external_id, thread_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.UserID, m.Body, m.Sender, m.ExternalID, m.ThreadID, m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "user_id", m.UserID)
		return fmt.Errorf("failed to insert message for %s: %w", m.UserID, err)
	}
	return nil
}

// GetMessages returns the most recent messages in chronological order.
// limit <= 0 returns the full history.
func (s *PostgresStore) GetMessages(userID string, limit int) ([]models.Message, error) {
	query := `SELECT id, user_id, body, sender, external_id, thread_id, created_at FROM messages WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "user_id", userID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) SavePendingCall(c models.PendingCall) error {
	_, err := s.db.Exec(`INSERT INTO pending_calls (key, user_id, message_id, agent_url, created_at, deadline) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET deadline = EXCLUDED.deadline`,
		c.Key, c.UserID, c.MessageID, c.AgentURL, c.CreatedAt, c.Deadline)
	if err != nil {
		slog.Error("PostgresStore SavePendingCall failed", "error", err, "key", c.Key)
		return fmt.Errorf("failed to save pending call %s: %w", c.Key, err)
	}
	return nil
}

func (s *PostgresStore) GetPendingCall(key string) (*models.PendingCall, error) {
	row := s.db.QueryRow(`SELECT key, user_id, message_id, agent_url, created_at, deadline FROM pending_calls WHERE key = $1`, key)
	c, err := scanPendingCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPendingCall failed", "error", err, "key", key)
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) DeletePendingCall(key string) error {
	_, err := s.db.Exec(`DELETE FROM pending_calls WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete pending call %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredPendingCalls(now time.Time) ([]models.PendingCall, error) {
	rows, err := s.db.Query(`SELECT key, user_id, message_id, agent_url, created_at, deadline FROM pending_calls WHERE deadline < $1`, now)
	if err != nil {
		slog.Error("PostgresStore ListExpiredPendingCalls query failed", "error", err)
		return nil, fmt.Errorf("failed to query expired pending calls: %w", err)
	}
	defer rows.Close()

	var calls []models.PendingCall
	for rows.Next() {
		c, err := scanPendingCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending call rows: %w", err)
	}
	return calls, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
