package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oilcast/featurepipe/pkg/core"
)

const runColumns = `id, environment, status, started_at, completed_at, error, error_kind, stage`

// CreateRun creates a new pipeline run.
func (s *SQLiteStore) CreateRun(env string) (*core.Run, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	run := &core.Run{
		ID:          generateID(),
		Environment: env,
		Status:      core.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}

	s.logger.Debug("creating run", slog.String("id", run.ID), slog.String("environment", env))

	_, err := s.db.Exec(
		`INSERT INTO runs (id, environment, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Environment, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(id string) (*core.Run, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run as finished. failure is nil for a successful run.
func (s *SQLiteStore) CompleteRun(id string, status core.RunStatus, failure *core.RunFailure) error {
	if s.db == nil {
		return errNotOpen
	}

	var msg, kind, stage *string
	if failure != nil {
		msg = nullString(failure.Message)
		kind = nullString(string(failure.Kind))
		stage = nullString(failure.Stage)
	}

	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ?, error_kind = ?, stage = ? WHERE id = ?`,
		string(status), time.Now().UTC(), msg, kind, stage, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	return nil
}

// GetLatestRun retrieves the most recent run for an environment.
// It returns nil without error when there are none.
func (s *SQLiteStore) GetLatestRun(env string) (*core.Run, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	run, err := scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE environment = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		env,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs up to the given limit.
func (s *SQLiteStore) ListRuns(limit int) ([]*core.Run, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*core.Run, error) {
	run := &core.Run{}
	var status string
	var completedAt sql.NullTime
	var errMsg, kind, stage sql.NullString

	if err := row.Scan(&run.ID, &run.Environment, &status, &run.StartedAt, &completedAt, &errMsg, &kind, &stage); err != nil {
		return nil, err
	}

	run.Status = core.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Error = errMsg.String
	run.ErrorKind = core.Kind(kind.String)
	run.Stage = stage.String
	return run, nil
}

// --- Step run operations ---

// RecordStepRun records a step execution. ID and StartedAt are filled in
// when empty.
func (s *SQLiteStore) RecordStepRun(sr *core.StepRun) error {
	if s.db == nil {
		return errNotOpen
	}

	if sr.ID == "" {
		sr.ID = generateID()
	}
	if sr.StartedAt.IsZero() {
		sr.StartedAt = time.Now().UTC()
	}
	if sr.Status == "" {
		sr.Status = core.StepRunStatusRunning
	}

	_, err := s.db.Exec(
		`INSERT INTO step_runs (id, run_id, step_name, step_order, status, started_at, error, execution_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.StepName, sr.StepOrder, string(sr.Status), sr.StartedAt, nullString(sr.Error), sr.ExecutionMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record step run: %w", err)
	}
	return nil
}

// UpdateStepRun sets the final status of a step run and its duration.
func (s *SQLiteStore) UpdateStepRun(id string, status core.StepRunStatus, errMsg string) error {
	if s.db == nil {
		return errNotOpen
	}

	var startedAt time.Time
	if err := s.db.QueryRow(`SELECT started_at FROM step_runs WHERE id = ?`, id).Scan(&startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step run not found: %s", id)
		}
		return fmt.Errorf("failed to get step run start time: %w", err)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE step_runs SET status = ?, completed_at = ?, error = ?, execution_ms = ? WHERE id = ?`,
		string(status), now, nullString(errMsg), now.Sub(startedAt).Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update step run: %w", err)
	}
	return nil
}

// GetStepRunsForRun returns the step runs of a run in step order.
func (s *SQLiteStore) GetStepRunsForRun(runID string) ([]*core.StepRun, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, step_name, step_order, status, started_at, completed_at, error, execution_ms
		 FROM step_runs WHERE run_id = ? ORDER BY step_order`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get step runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stepRuns []*core.StepRun
	for rows.Next() {
		sr := &core.StepRun{}
		var status string
		var completedAt sql.NullTime
		var errMsg sql.NullString

		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepName, &sr.StepOrder, &status, &sr.StartedAt, &completedAt, &errMsg, &sr.ExecutionMS); err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}
		sr.Status = core.StepRunStatus(status)
		if completedAt.Valid {
			sr.CompletedAt = &completedAt.Time
		}
		sr.Error = errMsg.String
		stepRuns = append(stepRuns, sr)
	}
	return stepRuns, rows.Err()
}

// --- Warning operations ---

// SaveWarnings stores the data-quality warnings of a run.
func (s *SQLiteStore) SaveWarnings(runID string, warnings []core.RunWarning) error {
	if s.db == nil {
		return errNotOpen
	}
	if len(warnings) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range warnings {
		if _, err := tx.Exec(
			`INSERT INTO run_warnings (run_id, column_name, null_count, message) VALUES (?, ?, ?, ?)`,
			runID, w.Column, w.NullCount, w.Message,
		); err != nil {
			return fmt.Errorf("insert warning for %s: %w", w.Column, err)
		}
	}
	return tx.Commit()
}

// GetWarnings returns the warnings recorded for a run.
func (s *SQLiteStore) GetWarnings(runID string) ([]core.RunWarning, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	rows, err := s.db.Query(
		`SELECT column_name, null_count, message FROM run_warnings WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get warnings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var warnings []core.RunWarning
	for rows.Next() {
		var w core.RunWarning
		if err := rows.Scan(&w.Column, &w.NullCount, &w.Message); err != nil {
			return nil, fmt.Errorf("failed to scan warning: %w", err)
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}
