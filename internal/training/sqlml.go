package training

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/oilcast/featurepipe/pkg/core"
)

// Warehouse runs SQL.
type Warehouse interface {
	Exec(ctx context.Context, sql string) error
	Query(ctx context.Context, sql string) (*core.Rows, error)
}

// SQLBackend trains models with SQL ML statements of the form
//
//	CREATE OR REPLACE MODEL m OPTIONS(...) AS SELECT ...
//	SELECT * FROM ML.EVALUATE(MODEL m)
type SQLBackend struct {
	wh Warehouse
	// ExceptKeyword is the star-modifier that drops columns: EXCEPT or EXCLUDE.
	ExceptKeyword string
}

// NewSQLBackend returns a backend issuing statements through wh.
func NewSQLBackend(wh Warehouse) *SQLBackend {
	return &SQLBackend{wh: wh, ExceptKeyword: "EXCEPT"}
}

// Train implements Backend. The job finishes when the CREATE MODEL
// statement returns.
func (b *SQLBackend) Train(ctx context.Context, req TrainRequest) (Job, error) {
	stmt, err := b.trainSQL(req)
	if err != nil {
		return nil, err
	}
	return startJob(ctx, req.Model, func(ctx context.Context) error {
		if err := b.wh.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("train %s: %w", req.Model, err)
		}
		return nil
	}), nil
}

func (b *SQLBackend) trainSQL(req TrainRequest) (string, error) {
	if req.Model == "" || req.Target == "" || req.InputTable.IsZero() {
		return "", fmt.Errorf("%w: training needs a model name, a target and an input table", core.ErrInvalidConfig)
	}

	opts := []string{fmt.Sprintf("input_label_cols = ['%s']", req.Target)}
	if req.Algorithm != "" {
		opts = append(opts, fmt.Sprintf("model_type = '%s'", req.Algorithm))
	}
	keys := make([]string, 0, len(req.Options))
	for k := range req.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, fmt.Sprintf("%s = %s", k, req.Options[k]))
	}

	sel := "*"
	if len(req.Exclude) > 0 {
		sel = fmt.Sprintf("* %s (%s)", b.ExceptKeyword, strings.Join(req.Exclude, ", "))
	}

	return fmt.Sprintf("CREATE OR REPLACE MODEL %s OPTIONS (%s) AS SELECT %s FROM %s WHERE %s IS NOT NULL",
		req.Model, strings.Join(opts, ", "), sel, req.InputTable, req.Target), nil
}

// Evaluate implements Backend. Every numeric column of the first result row
// becomes a metric.
func (b *SQLBackend) Evaluate(ctx context.Context, model string) (Metrics, error) {
	rows, err := b.wh.Query(ctx, fmt.Sprintf("SELECT * FROM ML.EVALUATE(MODEL %s)", model))
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", model, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("evaluate %s: no metrics returned", model)
	}

	vals := make([]sql.NullFloat64, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan metrics of %s: %w", model, err)
	}

	m := make(Metrics, len(cols))
	for i, c := range cols {
		if vals[i].Valid {
			m[c] = vals[i].Float64
		}
	}
	return m, rows.Err()
}
