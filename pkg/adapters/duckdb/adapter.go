package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/oilcast/featurepipe/pkg/adapter"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

const defaultSchema = "main"

// Adapter implements the adapter.Adapter interface for DuckDB.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new DuckDB adapter instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{Logger: logger},
	}
}

// DialectName returns the SQL dialect for this adapter.
func (a *Adapter) DialectName() string {
	return "duckdb"
}

// Connect opens DuckDB and applies the session params.
// Use ":memory:" (or an empty path) for an in-memory database.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	params, err := ParseParams(cfg.Params)
	if err != nil {
		return err
	}

	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}

	a.Logger.Debug("opening duckdb", slog.String("path", cfg.Path))

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	for _, stmt := range params.setupStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("duckdb setup %q: %w", stmt, err)
		}
	}

	if cfg.Schema != "" && cfg.Schema != defaultSchema {
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+cfg.Schema); err != nil {
			_ = db.Close()
			return fmt.Errorf("create schema %s: %w", cfg.Schema, err)
		}
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// schema is where unqualified table names are looked up.
func (a *Adapter) schema() string {
	if a.Cfg.Schema != "" {
		return a.Cfg.Schema
	}
	return defaultSchema
}

// GetTableMetadata retrieves the ordered column catalog of a table or view.
func (a *Adapter) GetTableMetadata(ctx context.Context, table string) (*adapter.Metadata, error) {
	return a.GetTableMetadataCommon(ctx, table, a.schema(), adapter.QuestionPlaceholder)
}

// TableStats returns the row count and latest date of a table.
func (a *Adapter) TableStats(ctx context.Context, table, dateColumn string) (*adapter.Stats, error) {
	return a.TableStatsCommon(ctx, table, dateColumn)
}

// CreateOrReplaceTable replaces table in a single statement; readers see
// either the old or the new table.
func (a *Adapter) CreateOrReplaceTable(ctx context.Context, table, query string) error {
	return a.Exec(ctx, fmt.Sprintf("CREATE OR REPLACE TABLE %s AS %s", table, query))
}

// LoadCSV loads a CSV file into a table, inferring the schema.
func (a *Adapter) LoadCSV(ctx context.Context, tableName string, filePath string) error {
	if a.DB == nil {
		return adapter.ErrNotConnected
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	query := fmt.Sprintf("SELECT * FROM read_csv_auto(%s, header=true)", adapter.QuoteLiteral(absPath))
	if err := a.CreateOrReplaceTable(ctx, tableName, query); err != nil {
		return fmt.Errorf("failed to load CSV %s: %w", filePath, err)
	}
	return nil
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
