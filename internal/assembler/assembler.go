// Package assembler builds feature tables from SQL steps.
//
// Every build is a full replace of the step's target table. Before the
// SELECT runs, the columns a step declares for each of its sources are
// checked against the live catalog so upstream schema changes fail by name
// instead of surfacing as an engine error halfway through a query.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/pkg/adapter"
	"github.com/oilcast/featurepipe/pkg/core"
)

// Warehouse is the subset of the warehouse client the assembler needs.
type Warehouse interface {
	Exec(ctx context.Context, sql string) error
	GetTableMetadata(ctx context.Context, table string) (*core.TableMetadata, error)
	CreateOrReplaceTable(ctx context.Context, table, query string) error
	QueryInt64(ctx context.Context, sql string) (int64, error)
}

// Config configures an Assembler.
type Config struct {
	// DefaultSchema is applied to targets without a schema.
	DefaultSchema string
	Logger        *slog.Logger
}

// Assembler executes SQL steps against the warehouse.
type Assembler struct {
	wh     Warehouse
	schema string
	logger *slog.Logger
}

var _ steps.SQLRunner = (*Assembler)(nil)

// New returns an assembler over wh.
func New(wh Warehouse, cfg Config) *Assembler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Assembler{wh: wh, schema: cfg.DefaultSchema, logger: logger}
}

// Assemble rebuilds step.Target from step.SQL.
func (a *Assembler) Assemble(ctx context.Context, step *steps.SQLStep) error {
	if err := a.checkSources(ctx, step); err != nil {
		return err
	}

	target := step.Target.WithSchema(a.schema)
	if target.Schema != "" {
		if err := a.wh.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+target.Schema); err != nil {
			return fmt.Errorf("create schema %s: %w", target.Schema, err)
		}
	}

	a.logger.Debug("assembling", "step", step.Name, "target", target.String())
	if err := a.wh.CreateOrReplaceTable(ctx, target.String(), step.SQL); err != nil {
		return fmt.Errorf("build %s: %w", target, err)
	}
	return nil
}

// checkSources verifies that every declared source column exists.
func (a *Assembler) checkSources(ctx context.Context, step *steps.SQLStep) error {
	for _, table := range step.Inputs() {
		meta, err := a.wh.GetTableMetadata(ctx, table)
		if err != nil {
			if errors.Is(err, core.ErrTimeout) || errors.Is(err, core.ErrSourceUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %s: %w", core.ErrSourceUnavailable, table, err)
		}

		have := make(map[string]bool, len(meta.Columns))
		for _, c := range meta.Columns {
			have[strings.ToLower(c.Name)] = true
		}
		for _, col := range step.Sources[table] {
			if !have[strings.ToLower(col)] {
				return &core.MissingSourceColumnError{Step: step.Name, Table: table, Column: col}
			}
		}
	}
	return nil
}

// Columns returns table's columns in catalog order.
func (a *Assembler) Columns(ctx context.Context, table core.TableRef) ([]string, error) {
	meta, err := a.wh.GetTableMetadata(ctx, table.String())
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	return meta.ColumnNames(), nil
}

// CheckUniqueKey fails with a DuplicateKeyError when any combination of keys
// appears on more than one row of table.
func (a *Assembler) CheckUniqueKey(ctx context.Context, table core.TableRef, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = adapter.QuoteIdentifier(k)
	}
	cols := strings.Join(quoted, ", ")
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM (SELECT %s FROM %s GROUP BY %s HAVING COUNT(*) > 1) AS dup",
		cols, table, cols)

	n, err := a.wh.QueryInt64(ctx, query)
	if err != nil {
		return fmt.Errorf("check key uniqueness of %s: %w", table, err)
	}
	if n > 0 {
		return &core.DuplicateKeyError{Table: table.String(), Keys: keys, Duplicates: n}
	}
	return nil
}
