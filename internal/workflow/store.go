package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store persists WorkflowState across process restarts, per spec.md §4.9
// "State persistence" / §6 "Workflow state persistence". Backed by
// modernc.org/sqlite, a pure-Go driver requiring no cgo toolchain, grounded
// on SPEC_FULL.md's Domain Stack entry for state persistence.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) a sqlite database at path and
// ensures its schema exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS workflow_state (
	plan_id    TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("workflow: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveState serialises state to its portable form and upserts it keyed by
// plan id.
func (s *Store) SaveState(ctx context.Context, state WorkflowState) error {
	data, err := json.Marshal(state.ToPortable())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_state (plan_id, data, updated_at)
VALUES (?, ?, datetime('now'))
ON CONFLICT(plan_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		state.Plan.ID, string(data))
	return err
}

// LoadState reconstructs a previously-saved WorkflowState for planID. ok is
// false when no state has been saved for that plan.
func (s *Store) LoadState(ctx context.Context, planID string) (state WorkflowState, ok bool, err error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT data FROM workflow_state WHERE plan_id = ?`, planID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return WorkflowState{}, false, nil
		}
		return WorkflowState{}, false, err
	}

	var ps PortableState
	if err := json.Unmarshal([]byte(data), &ps); err != nil {
		return WorkflowState{}, false, err
	}
	return FromPortableState(ps), true, nil
}

// DeleteState removes any saved state for planID, used once a plan
// completes or is abandoned.
func (s *Store) DeleteState(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_state WHERE plan_id = ?`, planID)
	return err
}
