package adapter

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oilcast/featurepipe/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBase(t *testing.T) (*BaseSQLAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &BaseSQLAdapter{DB: db}, mock
}

func TestBaseSQLAdapter_NotConnected(t *testing.T) {
	ctx := context.Background()
	base := &BaseSQLAdapter{}

	assert.False(t, base.IsConnected())
	assert.NoError(t, base.Close())
	assert.ErrorIs(t, base.Exec(ctx, "SELECT 1"), ErrNotConnected)

	_, err := base.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = base.GetTableMetadataCommon(ctx, "t", "main", QuestionPlaceholder)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = base.TableStatsCommon(ctx, "t", "date")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBaseSQLAdapter_Exec(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		sql       string
		wantErr   bool
	}{
		{
			name: "exec success",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE TABLE prices").WillReturnResult(sqlmock.NewResult(0, 0))
			},
			sql: "CREATE TABLE prices (date DATE)",
		},
		{
			name: "exec error carries engine text",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("SELEC").WillReturnError(assert.AnError)
			},
			sql:     "SELEC 1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, mock := newMockBase(t)
			tt.setupMock(mock)

			err := base.Exec(context.Background(), tt.sql)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var qerr *core.QueryExecutionError
			require.ErrorAs(t, err, &qerr)
			assert.Equal(t, tt.sql, qerr.Query)
			assert.Contains(t, err.Error(), assert.AnError.Error())
			assert.Equal(t, core.KindQuery, core.KindOf(err))
		})
	}
}

func TestBaseSQLAdapter_Query(t *testing.T) {
	base, mock := newMockBase(t)
	mock.ExpectQuery("SELECT date, price").WillReturnRows(
		sqlmock.NewRows([]string{"date", "price"}).AddRow("2024-01-02", 48.1),
	)

	rows, err := base.Query(context.Background(), "SELECT date, price FROM prices")
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	assert.True(t, rows.Next())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseQualifiedName(t *testing.T) {
	schema, name := ParseQualifiedName("features", "main")
	assert.Equal(t, "main", schema)
	assert.Equal(t, "features", name)

	schema, name = ParseQualifiedName("staging.features", "main")
	assert.Equal(t, "staging", schema)
	assert.Equal(t, "features", name)
}

func TestBaseSQLAdapter_GetTableMetadataCommon(t *testing.T) {
	t.Run("ordered columns", func(t *testing.T) {
		base, mock := newMockBase(t)
		mock.ExpectQuery(regexp.QuoteMeta("table_schema = $1 AND table_name = $2")).
			WithArgs("public", "features").
			WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "ordinal_position"}).
				AddRow("date", "date", "NO", 1).
				AddRow("price", "double precision", "YES", 2))

		meta, err := base.GetTableMetadataCommon(context.Background(), "features", "public", DollarPlaceholder)
		require.NoError(t, err)
		assert.Equal(t, "public", meta.Schema)
		assert.Equal(t, []string{"date", "price"}, meta.ColumnNames())
		assert.False(t, meta.Columns[0].Nullable)
		assert.True(t, meta.Columns[1].Nullable)
	})

	t.Run("missing table is source unavailable", func(t *testing.T) {
		base, mock := newMockBase(t)
		mock.ExpectQuery("information_schema.columns").
			WithArgs("main", "gone").
			WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "ordinal_position"}))

		_, err := base.GetTableMetadataCommon(context.Background(), "gone", "main", QuestionPlaceholder)
		assert.ErrorIs(t, err, core.ErrSourceUnavailable)
	})
}

func TestBaseSQLAdapter_TableStatsCommon(t *testing.T) {
	latest := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		dateColumn string
		query      string
		rows       *sqlmock.Rows
		wantRows   int64
		wantLatest *time.Time
	}{
		{
			name:       "count and latest date",
			dateColumn: "date",
			query:      `SELECT COUNT(*), MAX(CAST("date" AS DATE)) FROM main.features`,
			rows:       sqlmock.NewRows([]string{"count", "max"}).AddRow(int64(100), latest),
			wantRows:   100,
			wantLatest: &latest,
		},
		{
			name:       "empty table has no latest date",
			dateColumn: "date",
			query:      `SELECT COUNT(*), MAX(CAST("date" AS DATE)) FROM main.features`,
			rows:       sqlmock.NewRows([]string{"count", "max"}).AddRow(int64(0), nil),
		},
		{
			name:     "no date column",
			query:    "SELECT COUNT(*) FROM main.features",
			rows:     sqlmock.NewRows([]string{"count"}).AddRow(int64(7)),
			wantRows: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, mock := newMockBase(t)
			mock.ExpectQuery(regexp.QuoteMeta(tt.query)).WillReturnRows(tt.rows)

			stats, err := base.TableStatsCommon(context.Background(), "main.features", tt.dateColumn)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRows, stats.Rows)
			if tt.wantLatest == nil {
				assert.Nil(t, stats.LatestDate)
			} else {
				require.NotNil(t, stats.LatestDate)
				assert.True(t, tt.wantLatest.Equal(*stats.LatestDate))
			}
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"close_ma5"`, QuoteIdentifier("close_ma5"))
	assert.Equal(t, `"Close MA5"`, QuoteIdentifier("Close MA5"))
	assert.Equal(t, `"order"`, QuoteIdentifier("order"))
	assert.Equal(t, `"a""b"`, QuoteIdentifier(`a"b`))
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'abc'", QuoteLiteral("abc"))
	assert.Equal(t, "'it''s'", QuoteLiteral("it's"))
}
