package state

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SaveColumnSnapshot records the ordered columns of table as published by
// runID. Saving the same run twice replaces the earlier rows.
func (s *SQLiteStore) SaveColumnSnapshot(runID, table string, columns []string) error {
	if s.db == nil {
		return errNotOpen
	}
	if len(columns) == 0 {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM column_snapshots WHERE run_id = ? AND table_name = ?`, runID, table); err != nil {
		return fmt.Errorf("clear snapshot of %s: %w", table, err)
	}

	at := time.Now().UTC()
	placeholders := make([]string, len(columns))
	args := make([]any, 0, len(columns)*5)
	for i, col := range columns {
		placeholders[i] = "(?, ?, ?, ?, ?)"
		args = append(args, runID, table, col, i, at)
	}
	q := `INSERT INTO column_snapshots (run_id, table_name, column_name, column_index, snapshot_at) VALUES ` +
		strings.Join(placeholders, ", ")
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("snapshot %d columns of %s: %w", len(columns), table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// GetColumnSnapshot returns the columns of table from its latest snapshot and
// the run that took it. A table never snapshotted yields nil and "".
func (s *SQLiteStore) GetColumnSnapshot(table string) ([]string, string, error) {
	if s.db == nil {
		return nil, "", errNotOpen
	}

	rows, err := s.db.QueryContext(context.Background(), `
		SELECT run_id, column_name FROM column_snapshots
		WHERE table_name = ?1 AND run_id = (
			SELECT run_id FROM column_snapshots
			WHERE table_name = ?1
			ORDER BY id DESC
			LIMIT 1
		)
		ORDER BY column_index
	`, table)
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		runID   string
		columns []string
	)
	for rows.Next() {
		var col string
		if err := rows.Scan(&runID, &col); err != nil {
			return nil, "", fmt.Errorf("scan snapshot of %s: %w", table, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("read snapshot of %s: %w", table, err)
	}
	return columns, runID, nil
}

// DeleteOldSnapshots drops every snapshot except those of the keepRuns most
// recent runs.
func (s *SQLiteStore) DeleteOldSnapshots(keepRuns int) error {
	if s.db == nil {
		return errNotOpen
	}
	if keepRuns < 1 {
		return fmt.Errorf("keep at least one snapshot run, got %d", keepRuns)
	}

	res, err := s.db.ExecContext(context.Background(), `
		DELETE FROM column_snapshots
		WHERE run_id NOT IN (
			SELECT run_id FROM column_snapshots
			GROUP BY run_id
			ORDER BY MAX(id) DESC
			LIMIT ?
		)
	`, keepRuns)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("pruned column snapshots", "rows", n, "kept_runs", keepRuns)
	}
	return nil
}
