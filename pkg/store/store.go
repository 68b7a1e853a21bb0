// Package store provides SQLite-backed persistence for analysis runs and
// per-agent stage results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"optiq/pkg/logx"
	"optiq/pkg/run"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	user_request TEXT NOT NULL,
	status       TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	state_json   TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS agent_states (
	run_id     TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	success    INTEGER NOT NULL,
	error      TEXT,
	delta_json TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, agent_name),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// Store wraps a SQLite database. Construct one at startup and inject it
// wherever persistence is needed.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("store")
	logger.Info("database initialized: %s", path)
	return &Store{db: db, logger: logger}, nil
}

// SaveRun upserts a run snapshot, serializing the full state as JSON
// alongside the queryable columns.
func (s *Store) SaveRun(ctx context.Context, state *run.State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	var finishedAt any
	if state.FinishedAt != nil {
		finishedAt = state.FinishedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, thread_id, user_id, user_request, status, version, state_json, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			state_json = excluded.state_json,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		state.RunID, state.ThreadID, state.UserID, state.UserRequest,
		string(state.Status), state.Version, string(stateJSON),
		state.StartedAt.UTC(), finishedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	return nil
}

// LoadRun retrieves a run state by ID. Returns sql.ErrNoRows when missing.
func (s *Store) LoadRun(ctx context.Context, runID string) (*run.State, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM runs WHERE run_id = ?`, runID,
	).Scan(&stateJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var state run.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &state, nil
}

// ListRuns returns run states for a thread, most recent first.
func (s *Store) ListRuns(ctx context.Context, threadID string, limit int) ([]*run.State, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_json FROM runs WHERE thread_id = ? ORDER BY started_at DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs for thread %s: %w", threadID, err)
	}
	defer func() { _ = rows.Close() }()

	var states []*run.State
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		var state run.State
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run row: %w", err)
		}
		states = append(states, &state)
	}
	return states, rows.Err()
}

// SaveStepResult records the outcome of one pipeline step.
func (s *Store) SaveStepResult(ctx context.Context, runID string, result *run.StepResult) error {
	deltaJSON, err := json.Marshal(result.Delta)
	if err != nil {
		return fmt.Errorf("failed to marshal step delta: %w", err)
	}

	var errText any
	if result.Err != nil {
		errText = result.Err.Error()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_states (run_id, agent_name, success, error, delta_json, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, agent_name) DO UPDATE SET
			success = excluded.success,
			error = excluded.error,
			delta_json = excluded.delta_json,
			duration_ms = excluded.duration_ms`,
		runID, result.AgentName, result.Success, errText,
		string(deltaJSON), result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save step result %s/%s: %w", runID, result.AgentName, err)
	}
	return nil
}

// LoadStepResults returns the recorded step outcomes for a run keyed by
// agent name.
func (s *Store) LoadStepResults(ctx context.Context, runID string) (map[string]*run.StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_name, success, error, delta_json, duration_ms FROM agent_states WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results for %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	results := make(map[string]*run.StepResult)
	for rows.Next() {
		var (
			name       string
			success    bool
			errText    sql.NullString
			deltaJSON  string
			durationMS int64
		)
		if err := rows.Scan(&name, &success, &errText, &deltaJSON, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan step result row: %w", err)
		}

		result := &run.StepResult{
			AgentName: name,
			Success:   success,
			Duration:  time.Duration(durationMS) * time.Millisecond,
		}
		if errText.Valid && errText.String != "" {
			result.Err = fmt.Errorf("%s", errText.String)
		}
		if err := json.Unmarshal([]byte(deltaJSON), &result.Delta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step delta: %w", err)
		}
		results[name] = result
	}
	return results, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
