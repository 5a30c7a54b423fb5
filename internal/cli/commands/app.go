// Package commands implements the featurepipe subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/assembler"
	"github.com/oilcast/featurepipe/internal/cli/config"
	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/internal/contract"
	"github.com/oilcast/featurepipe/internal/docstore"
	"github.com/oilcast/featurepipe/internal/lock"
	"github.com/oilcast/featurepipe/internal/materialize"
	"github.com/oilcast/featurepipe/internal/pipeline"
	"github.com/oilcast/featurepipe/internal/state"
	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/internal/warehouse"
	"github.com/oilcast/featurepipe/pkg/adapter"
	"github.com/oilcast/featurepipe/pkg/core"
)

// ExitError carries a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// ExitSourceUnavailable is returned when the source table cannot be read.
const ExitSourceUnavailable = 3

// app holds the collaborators a command opened. Fields a command did not ask
// for stay nil.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	wh        *warehouse.Client
	store     *state.SQLiteStore
	contracts *contract.Store
	manifests *materialize.Materializer

	closers []func() error
}

type needs struct {
	warehouse bool
	store     bool
}

func openApp(cmd *cobra.Command, n needs) (*app, error) {
	ctx := cmd.Context()
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration not loaded", core.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: config.GetLogger(ctx)}

	if n.warehouse {
		adp, err := adapter.Open(ctx, cfg.Target.AdapterConfig(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrSourceUnavailable, err)
		}
		a.wh = warehouse.New(adp, warehouse.Config{Retries: cfg.Target.Retries, Logger: a.logger})
		a.closers = append(a.closers, a.wh.Close)
	}

	if n.store {
		if dir := filepath.Dir(cfg.StatePath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
		}
		store, err := state.OpenStore(cfg.StatePath, a.logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	contractDoc, err := docstore.Open(ctx, cfg.Contract.Location, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, contractDoc.Close)

	manifestDoc, err := docstore.Open(ctx, cfg.Manifest.Location, cfg.Storage)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, manifestDoc.Close)

	var catalog contract.Catalog
	var mwh materialize.Warehouse
	if a.wh != nil {
		catalog = a.wh
		mwh = a.wh
	}
	a.contracts = contract.NewStore(contractDoc, catalog, contract.Config{
		Version:  cfg.Contract.Version,
		Critical: cfg.Contract.Critical,
		Logger:   a.logger,
	})
	a.manifests = materialize.New(mwh, manifestDoc, materialize.Config{
		Output:     core.ParseTableRef(cfg.Pipeline.OutputTable),
		DateColumn: cfg.Pipeline.DateColumn,
		Logger:     a.logger,
	})
	return a, nil
}

// Close releases everything in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// stepDefinitions returns the configured steps. Without a configured list
// every SQL file becomes a step, ordered by file name.
func stepDefinitions(cfg *config.Config, sqlSteps []*steps.SQLStep, logger *slog.Logger) []core.StepDefinition {
	if len(cfg.Steps) > 0 {
		return cfg.Steps
	}
	defs := make([]core.StepDefinition, len(sqlSteps))
	for i, s := range sqlSteps {
		defs[i] = core.StepDefinition{Name: s.Name, Order: i + 1}
	}
	if len(defs) > 0 {
		logger.Warn("no steps configured; ordering SQL steps by file name", "steps", len(defs))
	}
	return defs
}

func (a *app) catalog(asm steps.SQLRunner) (*steps.Catalog, error) {
	sqlSteps, err := steps.LoadDir(a.cfg.StepsDir)
	if err != nil {
		return nil, err
	}
	reg := steps.NewRegistry()
	if err := steps.BindSQL(reg, sqlSteps, asm); err != nil {
		return nil, err
	}
	cat := steps.NewCatalog(reg, a.logger)
	for _, def := range stepDefinitions(a.cfg, sqlSteps, a.logger) {
		if err := cat.Register(def); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case config.LockRedis:
		opts := a.cfg.Lock.Redis
		rdb, err := lock.DialRedis(ctx, opts)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		key := opts.Key
		if key == "" {
			key = "featurepipe:lock:" + a.cfg.Lock.Name
		}
		return lock.NewRedisLock(rdb, key, a.cfg.Lock.TTL), nil
	default:
		return lock.NewStoreLock(a.store, a.cfg.Lock.Name, a.cfg.Lock.TTL), nil
	}
}

// pipeline builds a pipeline over an app opened with a warehouse and store.
func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	pc := a.cfg.Pipeline

	asm := assembler.New(a.wh, assembler.Config{DefaultSchema: a.cfg.Target.Schema, Logger: a.logger})

	var cat *steps.Catalog
	if !pc.SkipSteps {
		var err error
		if cat, err = a.catalog(asm); err != nil {
			return nil, err
		}
	}

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}

	pcfg := pipeline.Config{
		Environment:       a.cfg.Environment,
		Sources:           pc.Sources,
		SkipSteps:         pc.SkipSteps,
		KeyColumns:        pc.KeyColumns,
		TargetColumns:     pc.TargetColumns,
		Critical:          a.cfg.CriticalColumns(),
		Timeout:           pc.Timeout,
		KeepHistory:       pc.KeepHistory,
		SnapshotRetention: pc.SnapshotRetention,
		Logger:            a.logger,
	}
	if pc.AssembledTable != "" {
		pcfg.Assembled = core.ParseTableRef(pc.AssembledTable)
	}
	if pc.SourceView != "" {
		pcfg.SourceView = core.ParseTableRef(pc.SourceView)
	}

	return pipeline.New(pipeline.Deps{
		Warehouse:    a.wh,
		Contracts:    a.contracts,
		Catalog:      cat,
		Assembler:    asm,
		Materializer: a.manifests,
		Store:        a.store,
		Locker:       locker,
	}, pcfg)
}

func renderer(cmd *cobra.Command) *output.Renderer {
	return output.FromContext(cmd.Context())
}

func configFrom(cmd *cobra.Command) *config.Config {
	return config.FromContext(cmd.Context())
}
