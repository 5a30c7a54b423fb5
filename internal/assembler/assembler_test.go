package assembler

import (
	"context"
	"testing"

	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/internal/testutil"
	"github.com/oilcast/featurepipe/internal/warehouse"
	"github.com/oilcast/featurepipe/pkg/adapters/duckdb"
	"github.com/oilcast/featurepipe/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Assembler, *warehouse.Client) {
	t.Helper()
	ctx := context.Background()

	adp := duckdb.New(nil)
	require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Path: ":memory:"}))
	wh := warehouse.New(adp, warehouse.Config{Retries: 0})
	t.Cleanup(func() { _ = wh.Close() })

	require.NoError(t, wh.Exec(ctx, "CREATE SCHEMA raw"))
	require.NoError(t, wh.Exec(ctx, `CREATE TABLE raw.zl_daily AS
		SELECT * FROM (VALUES
			(DATE '2024-01-02', 47.10, 1200),
			(DATE '2024-01-03', 47.35, 1350),
			(DATE '2024-01-04', 46.90, 1100)
		) AS t(date, close, volume)`))

	return New(wh, Config{Logger: testutil.NewTestLogger(t)}), wh
}

func priceStep(sources map[string][]string) *steps.SQLStep {
	return &steps.SQLStep{
		Name:    "price_features",
		Target:  core.TableRef{Schema: "features", Name: "price_features"},
		Sources: sources,
		SQL:     "SELECT date, close, close - LAG(close) OVER (ORDER BY date) AS close_diff FROM raw.zl_daily",
	}
}

func TestAssemble_BuildsTarget(t *testing.T) {
	ctx := context.Background()
	a, wh := setup(t)
	step := priceStep(map[string][]string{"raw.zl_daily": {"date", "close"}})

	require.NoError(t, a.Assemble(ctx, step))

	cols, err := a.Columns(ctx, step.Target)
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "close", "close_diff"}, cols)

	n, err := wh.QueryInt64(ctx, "SELECT COUNT(*) FROM features.price_features")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAssemble_IsFullReplace(t *testing.T) {
	ctx := context.Background()
	a, wh := setup(t)
	step := priceStep(nil)

	for range 3 {
		require.NoError(t, a.Assemble(ctx, step))
	}

	n, err := wh.QueryInt64(ctx, "SELECT COUNT(*) FROM features.price_features")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "repeated assembly must not append")
}

func TestAssemble_SourceChecks(t *testing.T) {
	tests := []struct {
		name    string
		sources map[string][]string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "missing column names step table and column",
			sources: map[string][]string{"raw.zl_daily": {"date", "settle"}},
			check: func(t *testing.T, err error) {
				var merr *core.MissingSourceColumnError
				require.ErrorAs(t, err, &merr)
				assert.Equal(t, "price_features", merr.Step)
				assert.Equal(t, "raw.zl_daily", merr.Table)
				assert.Equal(t, "settle", merr.Column)
				assert.Equal(t, core.KindSchemaDrift, core.KindOf(err))
			},
		},
		{
			name:    "column names compare case-insensitively",
			sources: map[string][]string{"raw.zl_daily": {"DATE", "Close"}},
		},
		{
			name:    "missing source table",
			sources: map[string][]string{"raw.weather": {"date"}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, core.ErrSourceUnavailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := setup(t)
			err := a.Assemble(context.Background(), priceStep(tt.sources))
			if tt.check == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestAssemble_QueryErrorCarriesEngineText(t *testing.T) {
	a, _ := setup(t)
	step := priceStep(nil)
	step.SQL = "SELECT no_such_column FROM raw.zl_daily"

	err := a.Assemble(context.Background(), step)
	var qerr *core.QueryExecutionError
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, err.Error(), "no_such_column")
	assert.Equal(t, core.KindQuery, core.KindOf(err))
}

func TestCheckUniqueKey(t *testing.T) {
	ctx := context.Background()
	a, wh := setup(t)
	table := core.TableRef{Schema: "raw", Name: "zl_daily"}

	require.NoError(t, a.CheckUniqueKey(ctx, table, []string{"date"}))
	require.NoError(t, a.CheckUniqueKey(ctx, table, nil))

	require.NoError(t, wh.Exec(ctx, "INSERT INTO raw.zl_daily VALUES (DATE '2024-01-03', 47.40, 10), (DATE '2024-01-04', 1, 1)"))
	err := a.CheckUniqueKey(ctx, table, []string{"date"})

	var derr *core.DuplicateKeyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, int64(2), derr.Duplicates)
	assert.Equal(t, "raw.zl_daily", derr.Table)
}

func TestCheckUniqueKey_QuotesKeyColumns(t *testing.T) {
	ctx := context.Background()
	a, wh := setup(t)
	require.NoError(t, wh.Exec(ctx, `CREATE TABLE raw.keyed AS
		SELECT i % 3 AS "Date", i AS "order" FROM range(6) t(i)`))
	table := core.TableRef{Schema: "raw", Name: "keyed"}

	require.NoError(t, a.CheckUniqueKey(ctx, table, []string{"Date", "order"}))

	var derr *core.DuplicateKeyError
	require.ErrorAs(t, a.CheckUniqueKey(ctx, table, []string{"Date"}), &derr)
	assert.Equal(t, int64(3), derr.Duplicates)
}
