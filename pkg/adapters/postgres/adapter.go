package postgres

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/oilcast/featurepipe/pkg/adapter"
	"github.com/oilcast/featurepipe/pkg/core"
)

const defaultSchema = "public"

// Adapter implements the adapter.Adapter interface for PostgreSQL.
type Adapter struct {
	adapter.BaseSQLAdapter
}

// New creates a new PostgreSQL adapter instance.
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
	return "postgres"
}

// Connect establishes a connection to PostgreSQL.
func (a *Adapter) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn := buildPostgresDSN(cfg)

	a.Logger.Debug("connecting to postgres", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: ping postgres: %w", core.ErrTransient, err)
	}

	a.DB = db
	a.Cfg = cfg
	return nil
}

// buildPostgresDSN constructs a key=value PostgreSQL connection string.
func buildPostgresDSN(cfg adapter.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslmode := "disable"
	if mode, ok := cfg.Options["sslmode"]; ok {
		sslmode = mode
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s", host, port, cfg.Database, sslmode)
	if cfg.Username != "" {
		dsn += " user=" + cfg.Username
	}
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	if app, ok := cfg.Options["application_name"]; ok {
		dsn += " application_name=" + app
	}
	return dsn
}

func (a *Adapter) schema() string {
	if a.Cfg.Schema != "" {
		return a.Cfg.Schema
	}
	return defaultSchema
}

// GetTableMetadata retrieves the ordered column catalog of a table or view.
func (a *Adapter) GetTableMetadata(ctx context.Context, table string) (*adapter.Metadata, error) {
	return a.GetTableMetadataCommon(ctx, table, a.schema(), adapter.DollarPlaceholder)
}

// TableStats returns the row count and latest date of a table.
func (a *Adapter) TableStats(ctx context.Context, table, dateColumn string) (*adapter.Stats, error) {
	return a.TableStatsCommon(ctx, table, dateColumn)
}

// CreateOrReplaceTable builds the new table under a scratch name and swaps
// it in within one transaction, so readers never observe a partial table.
func (a *Adapter) CreateOrReplaceTable(ctx context.Context, table, query string) error {
	if a.DB == nil {
		return adapter.ErrNotConnected
	}

	schema, name := adapter.ParseQualifiedName(table, a.schema())
	target := schema + "." + name
	scratch := name + "__swap"

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", schema, scratch),
		fmt.Sprintf("CREATE TABLE %s.%s AS %s", schema, scratch, query),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", target),
		fmt.Sprintf("ALTER TABLE %s.%s RENAME TO %s", schema, scratch, name),
	}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace of %s: %w", target, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return &core.QueryExecutionError{Query: stmt, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace of %s: %w", target, err)
	}
	return nil
}

// LoadCSV loads data from a CSV file into a table using COPY FROM STDIN.
// All columns are created as TEXT type.
func (a *Adapter) LoadCSV(ctx context.Context, tableName string, filePath string) error {
	if a.DB == nil {
		return adapter.ErrNotConnected
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	file, err := os.Open(absPath) //nolint:gosec // seed paths come from the project directory
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	headers, err := csv.NewReader(file).Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	if err := a.createTextTable(ctx, tableName, headers); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to reset file: %w", err)
	}

	if err := a.copyFromCSV(ctx, tableName, file); err != nil {
		return fmt.Errorf("failed to copy data: %w", err)
	}
	return nil
}

func (a *Adapter) createTextTable(ctx context.Context, tableName string, columns []string) error {
	if _, err := a.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+tableName); err != nil {
		return err
	}

	colDefs := make([]string, len(columns))
	for i, col := range columns {
		colDefs[i] = sanitizeIdentifier(col) + " TEXT"
	}

	_, err := a.DB.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", tableName, strings.Join(colDefs, ", ")))
	return err
}

func (a *Adapter) copyFromCSV(ctx context.Context, tableName string, file *os.File) error {
	conn, err := a.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	return conn.Raw(func(driverConn any) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()
		copySQL := fmt.Sprintf("COPY %s FROM STDIN WITH (FORMAT csv, HEADER true)", tableName)
		_, err := pgxConn.PgConn().CopyFrom(ctx, file, copySQL)
		return err
	})
}

// sanitizeIdentifier makes a CSV header safe to use as a column name.
func sanitizeIdentifier(name string) string {
	safe := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(name))
	if strings.ContainsAny(safe, "()[]{}.") || isReservedWord(safe) {
		return `"` + safe + `"`
	}
	return safe
}

var reservedWords = map[string]bool{
	"user": true, "order": true, "group": true, "table": true,
	"select": true, "from": true, "where": true, "index": true,
	"limit": true, "offset": true,
}

func isReservedWord(name string) bool {
	return reservedWords[strings.ToLower(name)]
}

// Ensure Adapter implements adapter.Adapter interface
var _ adapter.Adapter = (*Adapter)(nil)
