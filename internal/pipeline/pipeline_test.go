package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oilcast/featurepipe/internal/assembler"
	"github.com/oilcast/featurepipe/internal/contract"
	"github.com/oilcast/featurepipe/internal/docstore"
	"github.com/oilcast/featurepipe/internal/lock"
	"github.com/oilcast/featurepipe/internal/materialize"
	"github.com/oilcast/featurepipe/internal/state"
	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/internal/testutil"
	"github.com/oilcast/featurepipe/internal/warehouse"
	"github.com/oilcast/featurepipe/pkg/adapters/duckdb"
	"github.com/oilcast/featurepipe/pkg/core"
)

const pricesSQL = `/*---
target: stg.prices
sources:
  raw.zl_daily: [date, close, volume]
---*/
SELECT
    date,
    close,
    volume,
    CASE WHEN COUNT(*) OVER w < 5 THEN NULL ELSE AVG(close) OVER w END AS close_ma5,
    LEAD(close, 5) OVER (ORDER BY date) AS target_1w
FROM raw.zl_daily
WINDOW w AS (ORDER BY date ROWS BETWEEN 4 PRECEDING AND CURRENT ROW);
`

const featuresSQL = `/*---
target: features.daily
sources:
  stg.prices: [date, close, close_ma5, target_1w]
  raw.weather: [date, precip_mm]
---*/
SELECT p.date, p.close, p.close_ma5, w.precip_mm, p.target_1w
FROM stg.prices p
LEFT JOIN raw.weather w ON w.date = p.date
`

type harness struct {
	t            *testing.T
	ctx          context.Context
	dir          string
	wh           *warehouse.Client
	store        *state.SQLiteStore
	registry     *steps.Registry
	catalog      *steps.Catalog
	asm          *assembler.Assembler
	mat          *materialize.Materializer
	contracts    *contract.Store
	manifestPath string
	contractPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := testutil.NewTestLogger(t)

	adp := duckdb.New(logger)
	require.NoError(t, adp.Connect(ctx, core.AdapterConfig{Path: ":memory:"}))
	wh := warehouse.New(adp, warehouse.Config{Logger: logger})

	store, err := state.OpenStore(":memory:", logger)
	require.NoError(t, err)

	h := &harness{
		t:            t,
		ctx:          ctx,
		dir:          dir,
		wh:           wh,
		store:        store,
		manifestPath: filepath.Join(dir, "out", "manifest.json"),
		contractPath: filepath.Join(dir, "contract.json"),
	}
	t.Cleanup(h.close)

	require.NoError(t, wh.Exec(ctx, "CREATE SCHEMA raw"))
	require.NoError(t, wh.Exec(ctx, `CREATE TABLE raw.zl_daily AS
		SELECT CAST(DATE '2024-01-01' + INTERVAL (i) DAY AS DATE) AS date,
		       45.0 + i * 0.1 AS close,
		       1000 + i AS volume
		FROM range(40) t(i)`))
	require.NoError(t, wh.Exec(ctx, `CREATE TABLE raw.weather AS
		SELECT CAST(DATE '2024-01-01' + INTERVAL (i) DAY AS DATE) AS date, i % 7 AS precip_mm
		FROM range(40) t(i)`))

	testutil.WriteFiles(t, dir, map[string]string{
		"steps/prices.sql":   pricesSQL,
		"steps/features.sql": featuresSQL,
	})

	loaded, err := steps.LoadDir(filepath.Join(dir, "steps"))
	require.NoError(t, err)

	h.asm = assembler.New(wh, assembler.Config{Logger: logger})
	h.registry = steps.NewRegistry()
	require.NoError(t, steps.BindSQL(h.registry, loaded, h.asm))
	h.catalog = steps.NewCatalog(h.registry, logger)
	require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "prices", Order: 10}))
	require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "features", Order: 20}))

	manifestDoc, err := docstore.Open(ctx, h.manifestPath, docstore.Options{})
	require.NoError(t, err)
	h.mat = materialize.New(wh, manifestDoc, materialize.Config{
		Output:     core.TableRef{Schema: "published", Name: "soy_features"},
		DateColumn: "date",
		Logger:     logger,
	})

	contractDoc, err := docstore.Open(ctx, h.contractPath, docstore.Options{})
	require.NoError(t, err)
	h.contracts = contract.NewStore(contractDoc, wh, contract.Config{
		Version:  "test-v1",
		Critical: []string{"close_ma5"},
		Logger:   logger,
	})

	// Build the known-good table once, in catalog order, and publish its
	// contract. File order would run features before prices.
	_, err = h.catalog.RunAll(ctx, steps.Hooks{})
	require.NoError(t, err)
	_, err = h.contracts.Generate(ctx, core.TableRef{Schema: "features", Name: "daily"})
	require.NoError(t, err)

	return h
}

func (h *harness) close() {
	_ = h.wh.Close()
	_ = h.store.Close()
}

func (h *harness) config() Config {
	return Config{
		Environment:   "test",
		Assembled:     core.TableRef{Schema: "features", Name: "daily"},
		Sources:       []string{"raw.zl_daily", "raw.weather"},
		KeyColumns:    []string{"date"},
		TargetColumns: []string{"target_1w"},
		Logger:        testutil.NewTestLogger(h.t),
	}
}

func (h *harness) pipeline(cfg Config) *Pipeline {
	h.t.Helper()
	p, err := New(Deps{
		Warehouse:    h.wh,
		Contracts:    h.contracts,
		Catalog:      h.catalog,
		Assembler:    h.asm,
		Materializer: h.mat,
		Store:        h.store,
		Locker:       lock.NewStoreLock(h.store, "featurepipe", time.Minute),
	}, cfg)
	require.NoError(h.t, err)
	return p
}

func (h *harness) manifestExists() bool {
	_, err := os.Stat(h.manifestPath)
	return err == nil
}

func TestRun_EndToEndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(h.config())

	first, err := p.Run(h.ctx)
	require.NoError(t, err)
	second, err := p.Run(h.ctx)
	require.NoError(t, err)

	for _, r := range []*Report{first, second} {
		assert.Equal(t, core.RunStatusCompleted, r.Status)
		assert.Len(t, r.Steps, 2)
		assert.Equal(t, "published.soy_features", r.Output)
		require.NotNil(t, r.Manifest)
		assert.Equal(t, int64(40), r.Manifest.Rows)
		assert.Equal(t, "test-v1", r.Manifest.ContractVersion)
		assert.Equal(t, r.RunID, r.Manifest.RunID)
	}
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Manifest.Rows, second.Manifest.Rows)
	assert.Equal(t, first.Manifest.LatestDate, second.Manifest.LatestDate)
	assert.Equal(t, first.Manifest.Columns, second.Manifest.Columns)
	require.NotNil(t, first.Manifest.LatestDate)
	assert.Equal(t, "2024-02-09", first.Manifest.LatestDate.Format(time.DateOnly))

	assert.Nil(t, first.Changes, "no earlier snapshot to compare against")
	require.NotNil(t, second.Changes)
	assert.Equal(t, first.RunID, second.Changes.PreviousRunID)
	assert.Empty(t, second.Changes.Added)
	assert.Empty(t, second.Changes.Removed)

	loaded, err := h.mat.LoadManifest(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, loaded.RunID)

	stepRuns, err := h.store.GetStepRunsForRun(second.RunID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 2)
	for _, sr := range stepRuns {
		assert.Equal(t, core.StepRunStatusSuccess, sr.Status)
	}
}

func TestRun_LeadingNullsWarn(t *testing.T) {
	h := newHarness(t)
	logger, logs := testutil.NewLogRecorder(t)
	cfg := h.config()
	cfg.Logger = logger

	report, err := h.pipeline(cfg).Run(h.ctx)
	require.NoError(t, err)

	kind, ok := logs.Attr("data quality", "kind")
	require.True(t, ok)
	assert.Equal(t, string(core.KindDataQuality), kind.String())

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "close_ma5", report.Warnings[0].Column)
	assert.Equal(t, int64(4), report.Warnings[0].NullCount)
	assert.Equal(t, 1, report.Manifest.Warnings)

	stored, err := h.store.GetWarnings(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.Warnings, stored)
}

func TestRun_ContractMissingRunsNoStep(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.contractPath))

	report, err := h.pipeline(h.config()).Run(h.ctx)
	require.ErrorIs(t, err, core.ErrContractMissing)
	assert.Equal(t, StageContract, core.StageOf(err))
	assert.Equal(t, core.KindConfig, report.ErrorKind)
	assert.Empty(t, report.Steps)
	assert.False(t, h.manifestExists())

	run, err := h.store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.KindConfig, run.ErrorKind)
	assert.Equal(t, StageContract, run.Stage)
}

func TestRun_SchemaDriftPublishesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.contracts.Generate(h.ctx, core.TableRef{Schema: "stg", Name: "prices"})
	require.NoError(t, err)

	// The contract now lists volume where the assembled table has
	// precip_mm: same count, different identity.
	report, err := h.pipeline(h.config()).Run(h.ctx)
	var herr *core.SchemaHashMismatchError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, []string{"precip_mm"}, herr.Added)
	assert.Equal(t, []string{"volume"}, herr.Removed)
	assert.Equal(t, core.KindSchemaDrift, report.ErrorKind)
	assert.Equal(t, StageValidate, report.ErrorStage)
	assert.Equal(t, "HASH_FAIL", string(report.Stage))

	assert.False(t, h.manifestExists())
	_, err = h.wh.GetTableMetadata(h.ctx, "published.soy_features")
	assert.ErrorIs(t, err, core.ErrSourceUnavailable, "output table must not be created")
}

func TestRun_FailedStepStopsLaterSteps(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Bind("seasonality", steps.StepFunc(func(context.Context) error {
		return assert.AnError
	})))
	require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "seasonality", Order: 15}))

	report, err := h.pipeline(h.config()).Run(h.ctx)
	var serr *core.StepExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "seasonality", serr.Step)
	assert.Equal(t, core.KindStep, report.ErrorKind)
	assert.Equal(t, []string{"features"}, report.NotRun)
	require.Len(t, report.Steps, 2)
	assert.NotEmpty(t, report.Steps[1].Error)
	assert.False(t, h.manifestExists())

	stepRuns, err := h.store.GetStepRunsForRun(report.RunID)
	require.NoError(t, err)
	statuses := map[string]core.StepRunStatus{}
	for _, sr := range stepRuns {
		statuses[sr.StepName] = sr.Status
	}
	assert.Equal(t, map[string]core.StepRunStatus{
		"prices":      core.StepRunStatusSuccess,
		"seasonality": core.StepRunStatusFailed,
		"features":    core.StepRunStatusSkipped,
	}, statuses)
}

func TestRun_MissingSourceColumnFailsLoudly(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.wh.Exec(h.ctx, "ALTER TABLE raw.weather RENAME COLUMN precip_mm TO precipitation"))

	report, err := h.pipeline(h.config()).Run(h.ctx)
	var merr *core.MissingSourceColumnError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "features", merr.Step)
	assert.Equal(t, "raw.weather", merr.Table)
	assert.Equal(t, "precip_mm", merr.Column)
	assert.Equal(t, StageSteps, report.ErrorStage)
}

func TestRun_DependencyOrderChecked(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.Sources = []string{"raw.zl_daily"}

	report, err := h.pipeline(cfg).Run(h.ctx)
	require.ErrorIs(t, err, core.ErrStepDependency)
	assert.Empty(t, report.Steps)
}

func TestRun_TimeoutWritesNoManifest(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	h := newHarness(t)
	require.NoError(t, h.registry.Bind("slow", steps.StepFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))
	require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "slow", Order: 30}))

	cfg := h.config()
	cfg.Timeout = 200 * time.Millisecond
	report, err := h.pipeline(cfg).Run(h.ctx)

	var terr *core.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StageSteps, terr.Stage)
	assert.Equal(t, core.KindTimeout, report.ErrorKind)
	assert.False(t, h.manifestExists())

	run, err := h.store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.KindTimeout, run.ErrorKind)

	h.close()
	goleak.VerifyNone(t, ignore)
}

func TestRun_LockHeld(t *testing.T) {
	h := newHarness(t)
	other := lock.NewStoreLock(h.store, "featurepipe", time.Minute)
	require.NoError(t, other.Acquire(h.ctx))

	report, err := h.pipeline(h.config()).Run(h.ctx)
	require.ErrorIs(t, err, core.ErrLockHeld)
	assert.Equal(t, core.KindConflict, report.ErrorKind)
	assert.Empty(t, report.RunID, "no run record without the lock")

	runs, err := h.store.ListRuns(10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	require.NoError(t, other.Release(h.ctx))
	_, err = h.pipeline(h.config()).Run(h.ctx)
	require.NoError(t, err)
}

func TestRun_SkipStepsPublishesSourceView(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Bind("never", steps.StepFunc(func(context.Context) error {
		t.Error("steps must not execute when skipped")
		return nil
	})))
	require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "never", Order: 99}))

	logger, logs := testutil.NewLogRecorder(t)
	cfg := h.config()
	cfg.SkipSteps = true
	cfg.SourceView = core.TableRef{Schema: "features", Name: "daily"}
	cfg.Logger = logger

	report, err := h.pipeline(cfg).Run(h.ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	view, ok := logs.Attr("step execution skipped by configuration; publishing from source view", "source_view")
	require.True(t, ok, "skipping steps must be logged")
	assert.Equal(t, "features.daily", view.String())
	assert.Empty(t, report.Steps)
	assert.Equal(t, int64(40), report.Manifest.Rows)

	stepRuns, err := h.store.GetStepRunsForRun(report.RunID)
	require.NoError(t, err)
	require.Len(t, stepRuns, 3)
	for _, sr := range stepRuns {
		assert.Equal(t, core.StepRunStatusSkipped, sr.Status)
	}
}

func TestRun_DuplicateKeysFail(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.wh.Exec(h.ctx, "INSERT INTO raw.zl_daily SELECT * FROM raw.zl_daily WHERE date < DATE '2024-01-04'"))

	report, err := h.pipeline(h.config()).Run(h.ctx)
	var derr *core.DuplicateKeyError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, int64(3), derr.Duplicates)
	assert.Equal(t, StageUniqueKey, report.ErrorStage)
	assert.False(t, h.manifestExists())
}

func TestRun_KeepHistory(t *testing.T) {
	h := newHarness(t)
	cfg := h.config()
	cfg.KeepHistory = true

	report, err := h.pipeline(cfg).Run(h.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, report.History)

	n, err := h.wh.QueryInt64(h.ctx, "SELECT COUNT(*) FROM "+report.History)
	require.NoError(t, err)
	assert.Equal(t, report.Manifest.Rows, n)
}

func TestRun_ReportsRetryableFailures(t *testing.T) {
	tests := []struct {
		name      string
		stepErr   error
		wantKind  core.Kind
		retryable bool
	}{
		{"transient", fmt.Errorf("%w: connection reset by peer", core.ErrTransient), core.KindTransient, true},
		{"step bug", errors.New("division by zero"), core.KindStep, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.registry.Bind("flaky", steps.StepFunc(func(context.Context) error {
				return tt.stepErr
			})))
			require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "flaky", Order: 30}))

			report, err := h.pipeline(h.config()).Run(h.ctx)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, report.ErrorKind)
			assert.Equal(t, tt.retryable, report.Retryable)
			assert.False(t, h.manifestExists())
		})
	}
}

// revocableLock is held from Acquire until its lease is revoked.
type revocableLock struct {
	lost     chan struct{}
	released bool
}

func (l *revocableLock) Acquire(context.Context) error { return nil }
func (l *revocableLock) Release(context.Context) error { l.released = true; return nil }
func (l *revocableLock) Owner() string                 { return "revocable" }
func (l *revocableLock) Lost() <-chan struct{}         { return l.lost }

func TestRun_LockLostCancelsRun(t *testing.T) {
	h := newHarness(t)
	lk := &revocableLock{lost: make(chan struct{})}
	require.NoError(t, h.registry.Bind("slow", steps.StepFunc(func(ctx context.Context) error {
		close(lk.lost)
		<-ctx.Done()
		return ctx.Err()
	})))
	require.NoError(t, h.catalog.Register(core.StepDefinition{Name: "slow", Order: 30}))

	p, err := New(Deps{
		Warehouse:    h.wh,
		Contracts:    h.contracts,
		Catalog:      h.catalog,
		Assembler:    h.asm,
		Materializer: h.mat,
		Store:        h.store,
		Locker:       lk,
	}, h.config())
	require.NoError(t, err)

	report, err := p.Run(h.ctx)
	require.ErrorIs(t, err, core.ErrLockLost)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.KindConflict, report.ErrorKind)
	assert.Equal(t, StageSteps, report.ErrorStage)
	assert.Equal(t, core.RunStatusFailed, report.Status)
	assert.False(t, h.manifestExists())
	assert.True(t, lk.released)

	run, err := h.store.GetRun(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.KindConflict, run.ErrorKind)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	require.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "warehouse")
	assert.Contains(t, err.Error(), "run lock")

	_, err = New(Deps{}, Config{SkipSteps: true})
	assert.Contains(t, err.Error(), "source_view")
}
