// Package store implements the State Store (spec 4.5): a durable, embedded,
// single-file SQL store for runs, step executions, events, suspensions and
// the process-wide memory table, plus the hydration contract the Runner
// uses to reconstruct in-memory run state after a crash.
//
// Adapted from the teacher's internal/controller/backend/sqlite.Backend:
// same pure-Go modernc.org/sqlite driver, same single-writer
// SetMaxOpenConns(1) discipline (spec 5: "the State Store is the single
// writer per run"), same pragma set and CREATE TABLE IF NOT EXISTS
// migration style, same nullString/formatTime marshaling
// helpers -- restructured around spec 4.5's own table names and columns,
// which differ from the teacher's (iteration_index, an append-only events
// table, suspensions, and a memory embeddings table have no teacher
// equivalent and are added fresh in the same idiom).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	engerrors "github.com/loomwork/engine/pkg/errors"
	"github.com/loomwork/engine/pkg/engine/types"
)

// Store is the embedded SQLite-backed state store.
type Store struct {
	db *sql.DB
}

// Config configures the store's connection.
type Config struct {
	// Path is the database file path. ":memory:" is permitted for tests
	// (spec 6).
	Path string
	WAL  bool
}

// Open opens (and migrates) the store at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &engerrors.ResourceError{Resource: "store", Reason: "open failed", Cause: err}
	}
	// SQLite serializes writes; a single connection keeps this store the
	// single writer per run (spec 5).
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &engerrors.ResourceError{Resource: "store", Reason: "ping failed", Cause: err}
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return &engerrors.ResourceError{Resource: "store", Reason: "pragma " + p + " failed", Cause: err}
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			exec_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			iteration_index INTEGER,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			started_at TEXT,
			ended_at TEXT,
			output TEXT,
			error TEXT,
			usage TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_run_step ON step_executions(run_id, step_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT,
			ts TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)`,
		`CREATE TABLE IF NOT EXISTS suspensions (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_event ON suspensions(event_name)`,
		`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			embedding TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return &engerrors.ResourceError{Resource: "store", Reason: "migration failed", Cause: err}
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}

// CreateRun inserts a new run row. If a row with the same run id already
// exists, the call writes nothing and succeeds when the stored workflow
// name and inputs are identical, and fails with a ValidationError
// otherwise (spec 4.5).
func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	inputsJSON, err := marshalJSON(run.Inputs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_name, status, inputs, outputs, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, run.RunID, run.WorkflowName, string(run.Status), inputsJSON, nil, formatTime(&run.StartedAt), formatTime(run.EndedAt))
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "create run failed", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var name string
		var existingInputs sql.NullString
		if err := s.db.QueryRowContext(ctx, `SELECT workflow_name, inputs FROM runs WHERE run_id = ?`, run.RunID).Scan(&name, &existingInputs); err != nil {
			return &engerrors.ResourceError{Resource: "store", Reason: "create run failed", Cause: err}
		}
		newInputs, _ := inputsJSON.(string)
		if name != run.WorkflowName || existingInputs.String != newInputs {
			return &engerrors.ValidationError{Field: "run_id", Message: fmt.Sprintf("run %s already exists with a different workflow name or inputs", run.RunID)}
		}
	}
	return nil
}

// UpdateRunStatus persists the new status, writing ended_at when
// transitioning to a terminal status. It does not check that the
// transition from the run's current status is allowed; any status may be
// written over any other.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus) error {
	var endedAt any
	if status == types.RunCompleted || status == types.RunFailed {
		now := time.Now()
		endedAt = formatTime(&now)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, ended_at = COALESCE(?, ended_at) WHERE run_id = ?`,
		string(status), endedAt, runID)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "update run status failed", Cause: err}
	}
	return nil
}

// SetRunOutputs records the final evaluated workflow outputs on a run.
func (s *Store) SetRunOutputs(ctx context.Context, runID string, outputs map[string]any) error {
	outJSON, err := marshalJSON(outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET outputs = ? WHERE run_id = ?`, outJSON, runID)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "set run outputs failed", Cause: err}
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, workflow_name, status, inputs, outputs, started_at, ended_at FROM runs WHERE run_id = ?`, runID)
	var run types.Run
	var inputsJSON, outputsJSON, startedAt, endedAt sql.NullString
	if err := row.Scan(&run.RunID, &run.WorkflowName, &run.Status, &inputsJSON, &outputsJSON, &startedAt, &endedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &engerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, &engerrors.ResourceError{Resource: "store", Reason: "get run failed", Cause: err}
	}
	if err := unmarshalJSON(inputsJSON, &run.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(outputsJSON, &run.Outputs); err != nil {
		return nil, err
	}
	if t := parseTime(startedAt); t != nil {
		run.StartedAt = *t
	}
	run.EndedAt = parseTime(endedAt)
	return &run, nil
}

// CreateStep inserts a pending step execution row. iteration is nil for a
// non-foreach step or a foreach parent row.
func (s *Store) CreateStep(ctx context.Context, execID, runID, stepID string, iteration *int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (exec_id, run_id, step_id, iteration_index, status, attempt)
		VALUES (?, ?, ?, ?, ?, 1)
	`, execID, runID, stepID, nullableInt(iteration), string(types.StepPending))
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "create step failed", Cause: err}
	}
	return nil
}

// CreateAttempt inserts a step execution row for a specific attempt number,
// used by the recovery wrappers to persist each retry/reflexion/auto_heal/
// qualityGate attempt as its own row (spec 4.9: "a new StepExecution row
// with attempt+1") rather than overwriting the first attempt's row.
func (s *Store) CreateAttempt(ctx context.Context, execID, runID, stepID string, attempt int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions (exec_id, run_id, step_id, iteration_index, status, attempt)
		VALUES (?, ?, ?, NULL, ?, ?)
	`, execID, runID, stepID, string(types.StepRunning), attempt)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "create attempt failed", Cause: err}
	}
	return nil
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// StartStep transitions pending -> running and sets started_at.
func (s *Store) StartStep(ctx context.Context, execID string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, started_at = ? WHERE exec_id = ? AND status = ?
	`, string(types.StepRunning), formatTime(&now), execID, string(types.StepPending))
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "start step failed", Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &engerrors.ValidationError{Field: "status", Message: fmt.Sprintf("step %s is not pending", execID)}
	}
	return nil
}

// CompleteStep transitions running -> a terminal status (or, for test
// fixtures simulating a crash mid-run, accepts RUNNING as a pseudo-update
// per spec 9's open question). output is stored as canonical JSON.
func (s *Store) CompleteStep(ctx context.Context, execID string, status types.StepStatus, output any, stepErr string, usage *types.TokenUsage) error {
	outJSON, err := marshalJSON(output)
	if err != nil {
		return err
	}
	usageJSON, err := marshalJSON(usage)
	if err != nil {
		return err
	}
	now := time.Now()
	var endedAt any
	if status != types.StepRunning {
		endedAt = formatTime(&now)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE step_executions SET status = ?, ended_at = COALESCE(?, ended_at), output = ?, error = ?, usage = ?
		WHERE exec_id = ?
	`, string(status), endedAt, outJSON, nullString(stepErr), usageJSON, execID)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "complete step failed", Cause: err}
	}
	return nil
}

func scanStepExecution(row interface {
	Scan(dest ...any) error
}) (*types.StepExecution, error) {
	var se types.StepExecution
	var iteration sql.NullInt64
	var startedAt, endedAt, outputJSON, errStr, usageJSON sql.NullString
	if err := row.Scan(&se.ExecID, &se.RunID, &se.StepID, &iteration, &se.Status, &se.Attempt, &startedAt, &endedAt, &outputJSON, &errStr, &usageJSON); err != nil {
		return nil, err
	}
	if iteration.Valid {
		i := int(iteration.Int64)
		se.IterationIndex = &i
	}
	se.StartedAt = parseTime(startedAt)
	se.EndedAt = parseTime(endedAt)
	if errStr.Valid {
		se.Error = errStr.String
	}
	if err := unmarshalJSON(outputJSON, &se.Output); err != nil {
		return nil, err
	}
	if usageJSON.Valid && usageJSON.String != "" {
		var u types.TokenUsage
		if err := json.Unmarshal([]byte(usageJSON.String), &u); err == nil {
			se.Usage = &u
		}
	}
	return &se, nil
}

const stepExecutionColumns = `exec_id, run_id, step_id, iteration_index, status, attempt, started_at, ended_at, output, error, usage`

// GetMainStep returns the parent record for stepID (iteration_index IS NULL).
func (s *Store) GetMainStep(ctx context.Context, runID, stepID string) (*types.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepExecutionColumns+` FROM step_executions
		WHERE run_id = ? AND step_id = ? AND iteration_index IS NULL
		ORDER BY attempt DESC LIMIT 1`, runID, stepID)
	se, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, &engerrors.NotFoundError{Resource: "step_execution", ID: runID + "/" + stepID}
	}
	if err != nil {
		return nil, &engerrors.ResourceError{Resource: "store", Reason: "get main step failed", Cause: err}
	}
	return se, nil
}

// GetStepIterations returns every foreach-iteration child of stepID, ordered
// by iteration_index ascending (spec 5: "output aggregation is always by
// iteration_index ascending"). When includeOutput is false, output/error/
// usage columns are not populated (used by the large-foreach hydration path
// to avoid loading megabytes of JSON just to count statuses).
func (s *Store) GetStepIterations(ctx context.Context, runID, stepID string, includeOutput bool) ([]*types.StepExecution, error) {
	cols := stepExecutionColumns
	if !includeOutput {
		cols = `exec_id, run_id, step_id, iteration_index, status, attempt, started_at, ended_at, NULL, NULL, NULL`
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+` FROM step_executions
		WHERE run_id = ? AND step_id = ? AND iteration_index IS NOT NULL
		ORDER BY iteration_index ASC`, runID, stepID)
	if err != nil {
		return nil, &engerrors.ResourceError{Resource: "store", Reason: "get step iterations failed", Cause: err}
	}
	defer rows.Close()

	var out []*types.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, &engerrors.ResourceError{Resource: "store", Reason: "scan iteration failed", Cause: err}
		}
		if !includeOutput {
			se.Output = nil
			se.Error = ""
			se.Usage = nil
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// CountStepIterations is a cheap count used to decide the "large dataset"
// threshold (500, spec 4.5) without loading any output JSON.
func (s *Store) CountStepIterations(ctx context.Context, runID, stepID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_executions WHERE run_id = ? AND step_id = ? AND iteration_index IS NOT NULL`, runID, stepID).Scan(&n)
	if err != nil {
		return 0, &engerrors.ResourceError{Resource: "store", Reason: "count step iterations failed", Cause: err}
	}
	return n, nil
}

// StoreEvent appends an audit-trail row (spec 4.5, 6).
func (s *Store) StoreEvent(ctx context.Context, event *types.Event) error {
	payloadJSON, err := marshalJSON(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, step_id, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?)
	`, event.EventID, event.RunID, nullString(event.StepID), event.TS.Format(time.RFC3339Nano), event.Type, payloadJSON)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "store event failed", Cause: err}
	}
	return nil
}

// SuspendStep records a step parked awaiting an external event.
func (s *Store) SuspendStep(ctx context.Context, runID, stepID, eventName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suspensions (run_id, step_id, event_name) VALUES (?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET event_name = excluded.event_name
	`, runID, stepID, eventName)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "suspend step failed", Cause: err}
	}
	return nil
}

// GetSuspendedStepsForEvent returns every suspension keyed on the given
// event name (spec 4.5, 6: external event delivery).
func (s *Store) GetSuspendedStepsForEvent(ctx context.Context, eventName string) ([]types.Suspension, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, step_id, event_name FROM suspensions WHERE event_name = ?`, eventName)
	if err != nil {
		return nil, &engerrors.ResourceError{Resource: "store", Reason: "get suspended steps failed", Cause: err}
	}
	defer rows.Close()
	var out []types.Suspension
	for rows.Next() {
		var sp types.Suspension
		if err := rows.Scan(&sp.RunID, &sp.StepID, &sp.EventName); err != nil {
			return nil, &engerrors.ResourceError{Resource: "store", Reason: "scan suspension failed", Cause: err}
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// ClearSuspension removes a suspension once the step is resumed.
func (s *Store) ClearSuspension(ctx context.Context, runID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suspensions WHERE run_id = ? AND step_id = ?`, runID, stepID)
	if err != nil {
		return &engerrors.ResourceError{Resource: "store", Reason: "clear suspension failed", Cause: err}
	}
	return nil
}
