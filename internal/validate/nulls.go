package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/oilcast/featurepipe/pkg/adapter"
	"github.com/oilcast/featurepipe/pkg/core"
)

// NullSource counts null values per column over the rows that validation
// applies to.
type NullSource interface {
	CountNulls(ctx context.Context, columns []string) (map[string]int64, error)
}

// Rows is an in-memory NullSource. When Targets is set, only rows where at
// least one target is non-null are counted.
type Rows struct {
	Rows    []map[string]any
	Targets []string
}

// CountNulls implements NullSource. A missing key counts as null.
func (r Rows) CountNulls(_ context.Context, columns []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(columns))
	for _, row := range r.Rows {
		if !r.applies(row) {
			continue
		}
		for _, c := range columns {
			if row[c] == nil {
				counts[c]++
			}
		}
	}
	return counts, nil
}

func (r Rows) applies(row map[string]any) bool {
	if len(r.Targets) == 0 {
		return true
	}
	for _, t := range r.Targets {
		if row[t] != nil {
			return true
		}
	}
	return false
}

// Querier runs a single-value query.
type Querier interface {
	Query(ctx context.Context, sql string) (*core.Rows, error)
}

// TableNulls counts nulls in a warehouse table with one aggregate query.
type TableNulls struct {
	Warehouse Querier
	Table     core.TableRef
	Targets   []string
}

// CountNulls implements NullSource.
func (t TableNulls) CountNulls(ctx context.Context, columns []string) (map[string]int64, error) {
	if len(columns) == 0 {
		return map[string]int64{}, nil
	}

	rows, err := t.Warehouse.Query(ctx, t.query(columns))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	vals := make([]int64, len(columns))
	ptrs := make([]any, len(columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("null count on %s returned no rows", t.Table)
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan null counts: %w", err)
	}

	counts := make(map[string]int64, len(columns))
	for i, c := range columns {
		counts[c] = vals[i]
	}
	return counts, rows.Err()
}

func (t TableNulls) query(columns []string) string {
	exprs := make([]string, len(columns))
	for i, c := range columns {
		exprs[i] = fmt.Sprintf("COUNT(*) FILTER (WHERE %s IS NULL)", adapter.QuoteIdentifier(c))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), t.Table)
	if len(t.Targets) > 0 {
		conds := make([]string, len(t.Targets))
		for i, c := range t.Targets {
			conds[i] = adapter.QuoteIdentifier(c) + " IS NOT NULL"
		}
		q += " WHERE " + strings.Join(conds, " OR ")
	}
	return q
}
