package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oilcast/featurepipe/pkg/core"
)

// ErrNotConnected is returned by every operation attempted before Connect.
var ErrNotConnected = errors.New("database connection not established")

// Placeholder formats the n-th (1-based) bind parameter for a driver.
type Placeholder func(n int) string

// QuestionPlaceholder formats "?" placeholders (DuckDB, SQLite).
func QuestionPlaceholder(int) string { return "?" }

// DollarPlaceholder formats "$N" placeholders (Postgres).
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// BaseSQLAdapter provides common database/sql functionality for adapters.
// Embed this struct in concrete adapter implementations to get standard
// Close, Exec, and Query implementations.
type BaseSQLAdapter struct {
	DB     *sql.DB
	Cfg    core.AdapterConfig
	Logger *slog.Logger
}

// Close closes the database connection.
func (b *BaseSQLAdapter) Close() error {
	if b.DB != nil {
		if b.Logger != nil {
			b.Logger.Debug("closing database connection")
		}
		return b.DB.Close()
	}
	return nil
}

// Exec executes a SQL statement that doesn't return rows.
func (b *BaseSQLAdapter) Exec(ctx context.Context, sqlStr string) error {
	if b.DB == nil {
		return ErrNotConnected
	}
	if _, err := b.DB.ExecContext(ctx, sqlStr); err != nil {
		return &core.QueryExecutionError{Query: sqlStr, Err: err}
	}
	return nil
}

// Query executes a SQL statement that returns rows.
func (b *BaseSQLAdapter) Query(ctx context.Context, sqlStr string) (*core.Rows, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}
	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := b.DB.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, &core.QueryExecutionError{Query: sqlStr, Err: err}
	}
	return &core.Rows{Rows: rows}, nil
}

// IsConnected returns true if the database connection is established.
func (b *BaseSQLAdapter) IsConnected() bool {
	return b.DB != nil
}

// ParseQualifiedName splits a table reference into schema and name,
// falling back to defaultSchema when the reference is unqualified.
func ParseQualifiedName(table, defaultSchema string) (schema, name string) {
	ref := core.ParseTableRef(table)
	if ref.Schema == "" {
		return defaultSchema, ref.Name
	}
	return ref.Schema, ref.Name
}

// GetTableMetadataCommon reads the ordered column catalog from
// information_schema.columns. A table without columns is reported as
// core.ErrSourceUnavailable.
func (b *BaseSQLAdapter) GetTableMetadataCommon(ctx context.Context, table, defaultSchema string, ph Placeholder) (*core.TableMetadata, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}

	schema, tableName := ParseQualifiedName(table, defaultSchema)

	//nolint:gosec // Placeholders are fixed driver formats
	query := fmt.Sprintf(`
		SELECT
			column_name,
			data_type,
			is_nullable,
			ordinal_position
		FROM information_schema.columns
		WHERE table_schema = %s AND table_name = %s
		ORDER BY ordinal_position
	`, ph(1), ph(2))

	rows, err := b.DB.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, &core.QueryExecutionError{Query: query, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var columns []core.Column
	for rows.Next() {
		var col core.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: table %s.%s not found", core.ErrSourceUnavailable, schema, tableName)
	}

	return &core.TableMetadata{
		Schema:  schema,
		Name:    tableName,
		Columns: columns,
	}, nil
}

// TableStatsCommon counts rows and reads the maximum of dateColumn.
// An empty dateColumn skips the max-date query.
func (b *BaseSQLAdapter) TableStatsCommon(ctx context.Context, table, dateColumn string) (*core.TableStats, error) {
	if b.DB == nil {
		return nil, ErrNotConnected
	}

	stats := &core.TableStats{}
	if dateColumn == "" {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table) //nolint:gosec // Table names come from configuration
		if err := b.DB.QueryRowContext(ctx, query).Scan(&stats.Rows); err != nil {
			return nil, &core.QueryExecutionError{Query: query, Err: err}
		}
		return stats, nil
	}

	//nolint:gosec // Table and column names come from configuration
	query := fmt.Sprintf("SELECT COUNT(*), MAX(CAST(%s AS DATE)) FROM %s", QuoteIdentifier(dateColumn), table)
	var latest sql.NullTime
	if err := b.DB.QueryRowContext(ctx, query).Scan(&stats.Rows, &latest); err != nil {
		return nil, &core.QueryExecutionError{Query: query, Err: err}
	}
	if latest.Valid {
		d := latest.Time.UTC()
		stats.LatestDate = &d
	}
	return stats, nil
}

// QuoteIdentifier renders name as a double-quoted SQL identifier, so
// mixed-case and reserved-word column names keep their meaning.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
