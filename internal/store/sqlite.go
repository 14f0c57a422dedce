// Package store provides storage backends for BotForge.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/botforge/botforge/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteTriggerColumns = `id, name, kind, value, range_min, range_max, actions, priority, active, total_matches, last_matched_at, created_at, updated_at`

func (s *SQLiteStore) SaveTrigger(t models.Trigger) error {
	actionsJSON, err := marshalField(t.Actions)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	var lastMatched interface{}
	if t.LastMatchedAt != nil {
		lastMatched = *t.LastMatchedAt
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO triggers (`+sqliteTriggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Kind, t.Value, t.RangeMin, t.RangeMax, actionsJSON,
		t.Priority, t.Active, t.TotalMatches, lastMatched, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveTrigger failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save trigger %s: %w", t.ID, err)
	}
	slog.Debug("SQLiteStore SaveTrigger succeeded", "id", t.ID, "kind", t.Kind)
	return nil
}

func (s *SQLiteStore) GetTrigger(id string) (*models.Trigger, error) {
	row := s.db.QueryRow(`SELECT `+sqliteTriggerColumns+` FROM triggers WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTrigger failed", "error", err, "id", id)
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTriggers() ([]models.Trigger, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteTriggerColumns + ` FROM triggers ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore ListTriggers query failed", "error", err)
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

func (s *SQLiteStore) DeleteTrigger(id string) error {
	_, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteTrigger failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementTriggerMatches(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE triggers SET total_matches = total_matches + 1, last_matched_at = ? WHERE id = ?`, at, id)
	if err != nil {
		slog.Error("SQLiteStore IncrementTriggerMatches failed", "error", err, "id", id)
		return fmt.Errorf("failed to increment trigger matches for %s: %w", id, err)
	}
	return nil
}

const sqliteScenarioColumns = `id, name, start_triggers, steps, priority, active, total_starts, total_completions, created_at, updated_at`

func (s *SQLiteStore) SaveScenario(sc models.Scenario) error {
	startJSON, err := marshalField(sc.StartTriggers)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.ID, err)
	}
	stepsJSON, err := marshalField(sc.Steps)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.ID, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO scenarios (`+sqliteScenarioColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, startJSON, stepsJSON, sc.Priority, sc.Active,
		sc.TotalStarts, sc.TotalCompletions, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveScenario failed", "error", err, "id", sc.ID)
		return fmt.Errorf("failed to save scenario %s: %w", sc.ID, err)
	}
	slog.Debug("SQLiteStore SaveScenario succeeded", "id", sc.ID, "steps", len(sc.Steps))
	return nil
}

func (s *SQLiteStore) GetScenario(id string) (*models.Scenario, error) {
	row := s.db.QueryRow(`SELECT `+sqliteScenarioColumns+` FROM scenarios WHERE id = ?`, id)
	sc, err := scanScenario(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetScenario failed", "error", err, "id", id)
		return nil, err
	}
	return &sc, nil
}

func (s *SQLiteStore) ListScenarios() ([]models.Scenario, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteScenarioColumns + ` FROM scenarios ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore ListScenarios query failed", "error", err)
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

func (s *SQLiteStore) DeleteScenario(id string) error {
	_, err := s.db.Exec(`DELETE FROM scenarios WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteScenario failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete scenario %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementScenarioStarts(id string) error {
	_, err := s.db.Exec(`UPDATE scenarios SET total_starts = total_starts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment scenario starts for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementScenarioCompletions(id string) error {
	_, err := s.db.Exec(`UPDATE scenarios SET total_completions = total_completions + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment scenario completions for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SaveTemplate(t models.Template) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO templates (id, category, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Category, t.Body, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save template %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(id string) (*models.Template, error) {
	row := s.db.QueryRow(`SELECT id, category, body, created_at, updated_at FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTemplate failed", "error", err, "id", id)
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) ListTemplates() ([]models.Template, error) {
	rows, err := s.db.Query(`SELECT id, category, body, created_at, updated_at FROM templates ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore ListTemplates query failed", "error", err)
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

func (s *SQLiteStore) DeleteTemplate(id string) error {
	_, err := s.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	return nil
}

const sqliteUserColumns = `id, external_id, username, current_state, pre_scenario_state, collected_data, collect_flags, active_scenario_id, active_step_index, awaiting_collect, tags, last_activity, created_at, updated_at`

func (s *SQLiteStore) SaveUser(u models.User) error {
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
	_, err = s.db.Exec(`INSERT OR REPLACE INTO users (`+sqliteUserColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ExternalID, u.Username, u.CurrentState, u.PreScenarioState,
		collectedJSON, flagsJSON, u.ActiveScenarioID, u.ActiveStepIndex,
		u.AwaitingCollect, tagsJSON, u.LastActivity, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "id", id)
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserByExternalID(externalID string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+sqliteUserColumns+` FROM users WHERE external_id = ?`, externalID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByExternalID failed", "error", err, "external_id", externalID)
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT ` + sqliteUserColumns + ` FROM users ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore ListUsers query failed", "error", err)
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

func (s *SQLiteStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (id, user_id, body, sender, external_id, thread_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Body, m.Sender, m.ExternalID, m.ThreadID, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "user_id", m.UserID)
		return fmt.Errorf("failed to insert message for %s: %w", m.UserID, err)
	}
	return nil
}

// GetMessages returns the most recent messages in chronological order.
// limit <= 0 returns the full history.
func (s *SQLiteStore) GetMessages(userID string, limit int) ([]models.Message, error) {
	query := `SELECT id, user_id, body, sender, external_id, thread_id, created_at FROM messages WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "user_id", userID)
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
	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) SavePendingCall(c models.PendingCall) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO pending_calls (key, user_id, message_id, agent_url, created_at, deadline) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Key, c.UserID, c.MessageID, c.AgentURL, c.CreatedAt, c.Deadline)
	if err != nil {
		slog.Error("SQLiteStore SavePendingCall failed", "error", err, "key", c.Key)
		return fmt.Errorf("failed to save pending call %s: %w", c.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetPendingCall(key string) (*models.PendingCall, error) {
	row := s.db.QueryRow(`SELECT key, user_id, message_id, agent_url, created_at, deadline FROM pending_calls WHERE key = ?`, key)
	c, err := scanPendingCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPendingCall failed", "error", err, "key", key)
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) DeletePendingCall(key string) error {
	_, err := s.db.Exec(`DELETE FROM pending_calls WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete pending call %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ListExpiredPendingCalls(now time.Time) ([]models.PendingCall, error) {
	rows, err := s.db.Query(`SELECT key, user_id, message_id, agent_url, created_at, deadline FROM pending_calls WHERE deadline < ?`, now)
	if err != nil {
		slog.Error("SQLiteStore ListExpiredPendingCalls query failed", "error", err)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
