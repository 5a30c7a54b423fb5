package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// AcquireLock takes the named lease for owner. An expired lease is taken
// over; a live lease held by owner is extended. It reports false when
// another owner holds a live lease.
func (s *SQLiteStore) AcquireLock(name, owner string, ttl time.Duration) (bool, error) {
	if s.db == nil {
		return false, errNotOpen
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_locks WHERE name = ? AND (expires_at <= ? OR owner = ?)`,
		name, now.UnixMilli(), owner,
	); err != nil {
		return false, fmt.Errorf("clear lock %s: %w", name, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		name, owner, now, now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert lock %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	if n == 1 {
		s.logger.Debug("lock acquired", slog.String("name", name), slog.String("owner", owner))
	}
	return n == 1, nil
}

// ReleaseLock drops the named lease if owner holds it.
func (s *SQLiteStore) ReleaseLock(name, owner string) error {
	if s.db == nil {
		return errNotOpen
	}
	if _, err := s.db.Exec(`DELETE FROM run_locks WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
