package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oilcast/featurepipe/pkg/core"
)

// RecordTrainingRun stores a finished training run.
func (s *SQLiteStore) RecordTrainingRun(tr *core.TrainingRun) error {
	if s.db == nil {
		return errNotOpen
	}

	if tr.ID == "" {
		tr.ID = generateID()
	}
	if tr.StartedAt.IsZero() {
		tr.StartedAt = time.Now().UTC()
	}
	metrics, err := json.Marshal(tr.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO training_runs (id, run_id, model, horizon, input_table, target, metrics, status, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, nullString(tr.RunID), tr.Model, tr.Horizon, tr.InputTable, tr.Target, string(metrics),
		tr.Status, nullString(tr.Error), tr.StartedAt, tr.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record training run: %w", err)
	}
	return nil
}

// ListTrainingRuns returns the most recent training runs.
func (s *SQLiteStore) ListTrainingRuns(limit int) ([]*core.TrainingRun, error) {
	if s.db == nil {
		return nil, errNotOpen
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, model, horizon, input_table, target, metrics, status, error, started_at, finished_at
		 FROM training_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.TrainingRun
	for rows.Next() {
		tr := &core.TrainingRun{}
		var runID, errMsg sql.NullString
		var metrics string
		var finishedAt sql.NullTime

		if err := rows.Scan(&tr.ID, &runID, &tr.Model, &tr.Horizon, &tr.InputTable, &tr.Target,
			&metrics, &tr.Status, &errMsg, &tr.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &tr.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics of %s: %w", tr.ID, err)
		}
		tr.RunID = runID.String
		tr.Error = errMsg.String
		if finishedAt.Valid {
			tr.FinishedAt = &finishedAt.Time
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
