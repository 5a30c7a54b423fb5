// Package pipeline runs the feature pipeline end to end.
//
// A run holds the run lock from the first step through the manifest write:
//
//	lock -> run record -> contract -> steps -> key check -> validate
//	     -> materialize -> manifest -> column snapshot -> run record
//
// Any hard failure stops the run before the output table or manifest is
// touched. Warnings never stop a run.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/oilcast/featurepipe/internal/lock"
	"github.com/oilcast/featurepipe/internal/materialize"
	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/internal/telemetry"
	"github.com/oilcast/featurepipe/internal/validate"
	"github.com/oilcast/featurepipe/pkg/core"
)

// Stage names recorded on failed runs.
const (
	StageLock        = "lock"
	StageContract    = "contract"
	StageSteps       = "steps"
	StageUniqueKey   = "unique_key"
	StageValidate    = "validate"
	StageMaterialize = "materialize"
	StageManifest    = "manifest"
	StageHistory     = "history"
)

// ContractLoader loads the published schema contract.
type ContractLoader interface {
	Load(ctx context.Context) (*core.SchemaContract, error)
}

// Assembler inspects assembled tables.
type Assembler interface {
	Columns(ctx context.Context, table core.TableRef) ([]string, error)
	CheckUniqueKey(ctx context.Context, table core.TableRef, keys []string) error
}

// Materializer publishes the validated table.
type Materializer interface {
	Output() core.TableRef
	Materialize(ctx context.Context, source core.TableRef) (core.TableRef, error)
	WriteManifest(ctx context.Context, table core.TableRef, meta materialize.Meta) (*core.Manifest, error)
	Snapshot(ctx context.Context, runID string) (core.TableRef, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Warehouse    validate.Querier
	Contracts    ContractLoader
	Catalog      *steps.Catalog
	Assembler    Assembler
	Materializer Materializer
	Store        core.Store
	Locker       lock.Locker
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Config controls a run.
type Config struct {
	Environment string
	// Assembled is the table the steps build and validation checks.
	Assembled core.TableRef
	// Sources are the external tables steps may read without an earlier
	// step producing them.
	Sources []string
	// SkipSteps bypasses the step catalog and publishes SourceView.
	SkipSteps  bool
	SourceView core.TableRef

	KeyColumns    []string
	TargetColumns []string
	Critical      []string

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration

	KeepHistory bool
	// SnapshotRetention is the number of runs whose column snapshots are
	// kept. Zero keeps all.
	SnapshotRetention int

	Logger *slog.Logger
}

// Pipeline runs the feature pipeline.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New validates deps and returns a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	var errs []error
	if deps.Warehouse == nil {
		errs = append(errs, errors.New("pipeline needs a warehouse"))
	}
	if deps.Contracts == nil {
		errs = append(errs, errors.New("pipeline needs a contract store"))
	}
	if deps.Catalog == nil && !cfg.SkipSteps {
		errs = append(errs, errors.New("pipeline needs a step catalog"))
	}
	if deps.Assembler == nil {
		errs = append(errs, errors.New("pipeline needs an assembler"))
	}
	if deps.Materializer == nil {
		errs = append(errs, errors.New("pipeline needs a materializer"))
	}
	if deps.Store == nil {
		errs = append(errs, errors.New("pipeline needs a state store"))
	}
	if deps.Locker == nil {
		errs = append(errs, errors.New("pipeline needs a run lock"))
	}
	if cfg.SkipSteps && cfg.SourceView.IsZero() {
		errs = append(errs, errors.New("pipeline.skip_steps requires pipeline.source_view"))
	}
	if !cfg.SkipSteps && cfg.Assembled.IsZero() {
		errs = append(errs, errors.New("pipeline.assembled_table is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, errors.Join(core.ErrInvalidConfig, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if len(cfg.KeyColumns) == 0 {
		cfg.KeyColumns = []string{"date"}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger, tracer: tracer}, nil
}

// ColumnChanges compares the published columns with the previous run's.
type ColumnChanges struct {
	PreviousRunID string   `json:"previous_run_id,omitempty"`
	Added         []string `json:"added,omitempty"`
	Removed       []string `json:"removed,omitempty"`
}

// Report describes one run.
type Report struct {
	RunID      string             `json:"run_id,omitempty"`
	Status     core.RunStatus     `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
	Skipped    bool               `json:"steps_skipped"`
	Steps      []StepReport       `json:"steps"`
	NotRun     []string           `json:"not_run,omitempty"`
	Stage      validate.Stage     `json:"validation_stage,omitempty"`
	Warnings   []core.RunWarning  `json:"warnings,omitempty"`
	Output     string             `json:"output,omitempty"`
	Manifest   *core.Manifest     `json:"manifest,omitempty"`
	History    string             `json:"history_table,omitempty"`
	Changes    *ColumnChanges     `json:"column_changes,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorKind  core.Kind          `json:"error_kind,omitempty"`
	ErrorStage string             `json:"error_stage,omitempty"`
	// Retryable is set when the failure may clear if the run is repeated
	// unchanged.
	Retryable bool `json:"retryable,omitempty"`
}

// StepReport is one executed step.
type StepReport struct {
	Name     string        `json:"name"`
	Order    int           `json:"order"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
