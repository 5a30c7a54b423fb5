package state

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// provider returns a goose provider over the embedded migrations. It holds no
// global state, so stores in the same process migrate independently.
func (s *SQLiteStore) provider() (*goose.Provider, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return p, nil
}

// Migrate applies every pending migration.
func (s *SQLiteStore) Migrate() error {
	p, err := s.provider()
	if err != nil {
		return err
	}
	results, err := p.Up(context.Background())
	if err != nil {
		return fmt.Errorf("run state migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Debug("applied state migration",
			slog.Int64("version", r.Source.Version),
			slog.Duration("took", r.Duration))
	}
	return nil
}

// GetMigrationVersion returns the schema version of the open database.
func (s *SQLiteStore) GetMigrationVersion() (int64, error) {
	p, err := s.provider()
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(context.Background())
}
