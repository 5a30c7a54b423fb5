package core

import (
	"context"
	"database/sql"
	"time"
)

// Adapter defines the interface that all warehouse adapters must implement.
type Adapter interface {
	// Connect establishes a connection to the warehouse.
	Connect(ctx context.Context, cfg AdapterConfig) error

	// Close closes the warehouse connection.
	Close() error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string) error

	// Query executes a SQL statement that returns rows.
	Query(ctx context.Context, sql string) (*Rows, error)

	// GetTableMetadata retrieves the ordered column catalog of a table.
	GetTableMetadata(ctx context.Context, table string) (*TableMetadata, error)

	// TableStats returns the row count and the maximum value of dateColumn.
	TableStats(ctx context.Context, table, dateColumn string) (*TableStats, error)

	// CreateOrReplaceTable atomically replaces table with the result of query.
	CreateOrReplaceTable(ctx context.Context, table, query string) error

	// LoadCSV loads data from a CSV file into a table.
	LoadCSV(ctx context.Context, tableName, filePath string) error

	// DialectName returns the SQL dialect spoken by the adapter.
	DialectName() string
}

// AdapterConfig holds configuration for connecting to a warehouse.
type AdapterConfig struct {
	Type     string
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	Options  map[string]string
	Params   map[string]any
}

// Column represents a column in a warehouse table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// TableMetadata holds metadata about a warehouse table.
type TableMetadata struct {
	Schema   string
	Name     string
	Columns  []Column
	RowCount int64
}

// ColumnNames returns the column names in catalog order.
func (m *TableMetadata) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// TableStats is the result of a row-count and max-date query.
type TableStats struct {
	Rows       int64
	LatestDate *time.Time
}

// Rows wraps sql.Rows to provide a consistent interface.
type Rows struct {
	*sql.Rows
}
