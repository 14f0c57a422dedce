package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/botforge/botforge/internal/models"
)

// rowScanner abstracts sql.Row and sql.Rows so the scan helpers are shared
// by both backends.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// marshalField serializes a value for a JSON text column. Nil maps and empty
// slices become the empty string.
func marshalField(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal field: %w", err)
	}
	s := string(data)
	if s == "null" {
		return "", nil
	}
	return s, nil
}

// unmarshalField deserializes a JSON text column into out. Empty input leaves
// out untouched.
func unmarshalField(data string, out interface{}) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to unmarshal field: %w", err)
	}
	return nil
}

// scanTrigger scans one trigger row and recompiles its regex pattern.
// Stored triggers passed validation at creation, so a recompile failure
// indicates a corrupt row.
func scanTrigger(sc rowScanner) (models.Trigger, error) {
	var t models.Trigger
	var actionsJSON string
	var lastMatched sql.NullTime
	err := sc.Scan(
		&t.ID, &t.Name, &t.Kind, &t.Value, &t.RangeMin, &t.RangeMax,
		&actionsJSON, &t.Priority, &t.Active, &t.TotalMatches, &lastMatched,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan trigger failed: %w", err)
	}
	if lastMatched.Valid {
		t.LastMatchedAt = &lastMatched.Time
	}
	if err := unmarshalField(actionsJSON, &t.Actions); err != nil {
		return t, fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	if err := t.Validate(nil); err != nil {
		return t, fmt.Errorf("trigger %s failed revalidation: %w", t.ID, err)
	}
	return t, nil
}

// scanScenario scans one scenario row and recompiles its predicate patterns.
func scanScenario(sc rowScanner) (models.Scenario, error) {
	var s models.Scenario
	var startJSON, stepsJSON string
	err := sc.Scan(
		&s.ID, &s.Name, &startJSON, &stepsJSON, &s.Priority, &s.Active,
		&s.TotalStarts, &s.TotalCompletions, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, fmt.Errorf("scan scenario failed: %w", err)
	}
	if err := unmarshalField(startJSON, &s.StartTriggers); err != nil {
		return s, fmt.Errorf("scenario %s: %w", s.ID, err)
	}
	if err := unmarshalField(stepsJSON, &s.Steps); err != nil {
		return s, fmt.Errorf("scenario %s: %w", s.ID, err)
	}
	if err := s.Validate(nil); err != nil {
		return s, fmt.Errorf("scenario %s failed revalidation: %w", s.ID, err)
	}
	return s, nil
}

// scanTemplate scans one template row.
func scanTemplate(sc rowScanner) (models.Template, error) {
	var t models.Template
	err := sc.Scan(&t.ID, &t.Category, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, fmt.Errorf("scan template failed: %w", err)
	}
	return t, nil
}

// scanUser scans one user row.
func scanUser(sc rowScanner) (models.User, error) {
	var u models.User
	var collectedJSON, flagsJSON, tagsJSON string
	err := sc.Scan(
		&u.ID, &u.ExternalID, &u.Username, &u.CurrentState, &u.PreScenarioState,
		&collectedJSON, &flagsJSON, &u.ActiveScenarioID, &u.ActiveStepIndex,
		&u.AwaitingCollect, &tagsJSON, &u.LastActivity, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return u, fmt.Errorf("scan user failed: %w", err)
	}
	if err := unmarshalField(collectedJSON, &u.CollectedData); err != nil {
		return u, fmt.Errorf("user %s: %w", u.ID, err)
	}
	if err := unmarshalField(flagsJSON, &u.CollectFlags); err != nil {
		return u, fmt.Errorf("user %s: %w", u.ID, err)
	}
	if err := unmarshalField(tagsJSON, &u.Tags); err != nil {
		return u, fmt.Errorf("user %s: %w", u.ID, err)
	}
	return u, nil
}

// scanMessage scans one message row.
func scanMessage(sc rowScanner) (models.Message, error) {
	var m models.Message
	err := sc.Scan(&m.ID, &m.UserID, &m.Body, &m.Sender, &m.ExternalID, &m.ThreadID, &m.CreatedAt)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	return m, nil
}

// scanPendingCall scans one pending-call row.
func scanPendingCall(sc rowScanner) (models.PendingCall, error) {
	var c models.PendingCall
	err := sc.Scan(&c.Key, &c.UserID, &c.MessageID, &c.AgentURL, &c.CreatedAt, &c.Deadline)
	if err != nil {
		return c, fmt.Errorf("scan pending call failed: %w", err)
	}
	return c, nil
}
