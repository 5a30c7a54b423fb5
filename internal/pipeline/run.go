package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oilcast/featurepipe/internal/contract"
	"github.com/oilcast/featurepipe/internal/materialize"
	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/internal/validate"
	"github.com/oilcast/featurepipe/pkg/core"
)

// Run executes one pipeline run. The returned report is never nil; on
// failure it records the failing stage and error kind.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Status: core.RunStatusFailed, StartedAt: start.UTC()}

	err := p.run(ctx, report)
	report.Duration = time.Since(start)
	if err != nil {
		report.Error = err.Error()
		report.ErrorKind = core.KindOf(err)
		report.ErrorStage = core.StageOf(err)
		report.Retryable = report.ErrorKind.Retryable()
		if errors.Is(err, context.Canceled) {
			report.Status = core.RunStatusCancelled
		}
		return report, err
	}
	report.Status = core.RunStatusCompleted
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, report *Report) (err error) {
	if err := p.deps.Locker.Acquire(ctx); err != nil {
		return &core.StageError{Stage: StageLock, Err: err}
	}
	defer func() {
		if rerr := p.deps.Locker.Release(context.WithoutCancel(ctx)); rerr != nil {
			p.logger.Warn("failed to release run lock", "owner", p.deps.Locker.Owner(), "error", rerr)
		}
	}()

	run, err := p.deps.Store.CreateRun(p.cfg.Environment)
	if err != nil {
		return fmt.Errorf("create run record: %w", err)
	}
	report.RunID = run.ID
	logger := p.logger.With("run_id", run.ID)
	logger.Info("starting run", "environment", p.cfg.Environment, "lock_owner", p.deps.Locker.Owner())

	// Losing the lease mid-run cancels everything still in flight.
	held, cancelHeld := context.WithCancelCause(ctx)
	defer cancelHeld(nil)
	go func(lost <-chan struct{}) {
		select {
		case <-lost:
			cancelHeld(core.ErrLockLost)
		case <-held.Done():
		}
	}(p.deps.Locker.Lost())

	runCtx := held
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(held, p.cfg.Timeout)
		defer cancel()
	}

	runCtx, span := p.tracer.Start(runCtx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.environment", p.cfg.Environment),
	))
	defer func() {
		endSpan(span, err)
		status := core.RunStatusCompleted
		switch {
		case errors.Is(err, context.Canceled):
			status = core.RunStatusCancelled
		case err != nil:
			status = core.RunStatusFailed
		}
		if cerr := p.deps.Store.CompleteRun(run.ID, status, core.FailureOf(err)); cerr != nil {
			logger.Error("failed to complete run record", "error", cerr)
		}
		if err != nil {
			logger.Error("run failed", "stage", core.StageOf(err), "kind", string(core.KindOf(err)), "error", err.Error())
		} else {
			logger.Info("run completed", "rows", report.Manifest.Rows, "warnings", len(report.Warnings))
		}
	}()

	var sc *core.SchemaContract
	if err := p.stage(runCtx, StageContract, func(ctx context.Context) error {
		var err error
		sc, err = p.deps.Contracts.Load(ctx)
		return err
	}); err != nil {
		return err
	}
	logger.Debug("contract loaded", "version", sc.Version, "columns", sc.TotalColumns)

	assembled := p.cfg.Assembled
	if p.cfg.SkipSteps {
		assembled = p.cfg.SourceView
		report.Skipped = true
		logger.Warn("step execution skipped by configuration; publishing from source view",
			"source_view", assembled.String())
		p.recordSkipped(run.ID, nil, "skipped by configuration")
	} else if err := p.stage(runCtx, StageSteps, func(ctx context.Context) error {
		return p.runSteps(ctx, run.ID, report, logger)
	}); err != nil {
		return err
	}

	if err := p.stage(runCtx, StageUniqueKey, func(ctx context.Context) error {
		return p.deps.Assembler.CheckUniqueKey(ctx, assembled, p.cfg.KeyColumns)
	}); err != nil {
		return err
	}

	var result *validate.Result
	if err := p.stage(runCtx, StageValidate, func(ctx context.Context) error {
		cols, err := p.deps.Assembler.Columns(ctx, assembled)
		if err != nil {
			return err
		}
		result, err = validate.Validate(ctx, validate.Input{
			Columns:  cols,
			Contract: sc,
			Critical: p.cfg.Critical,
			Nulls: validate.TableNulls{
				Warehouse: p.deps.Warehouse,
				Table:     assembled,
				Targets:   p.cfg.TargetColumns,
			},
		})
		if result != nil {
			report.Stage = result.Stage
		}
		return err
	}); err != nil {
		return err
	}

	report.Warnings = result.Warnings
	for _, w := range result.Warnings {
		logger.Warn("data quality", "kind", string(core.KindDataQuality), "column", w.Column, "null_count", w.NullCount)
	}
	if err := p.deps.Store.SaveWarnings(run.ID, result.Warnings); err != nil {
		logger.Warn("failed to store warnings", "error", err)
	}

	var output core.TableRef
	if err := p.stage(runCtx, StageMaterialize, func(ctx context.Context) error {
		var err error
		output, err = p.deps.Materializer.Materialize(ctx, assembled)
		return err
	}); err != nil {
		return err
	}
	report.Output = output.String()

	if err := p.stage(runCtx, StageManifest, func(ctx context.Context) error {
		var err error
		report.Manifest, err = p.deps.Materializer.WriteManifest(ctx, output, materialize.Meta{
			ContractVersion: sc.Version,
			ContentHash:     sc.ContentHash,
			RunID:           run.ID,
			Warnings:        len(result.Warnings),
		})
		return err
	}); err != nil {
		return err
	}

	report.Changes = p.snapshotColumns(run.ID, output, report.Manifest.Columns, logger)

	if p.cfg.KeepHistory {
		if err := p.stage(runCtx, StageHistory, func(ctx context.Context) error {
			snap, err := p.deps.Materializer.Snapshot(ctx, run.ID)
			report.History = snap.String()
			return err
		}); err != nil {
			return err
		}
	}

	return nil
}

// stage runs fn in its own span and tags its error with the stage name.
// A missed deadline becomes a TimeoutError and a lost lock ErrLockLost.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return &core.StageError{Stage: name, Err: interrupted(ctx, name, err)}
	}
	if err := fn(ctx); err != nil {
		return &core.StageError{Stage: name, Err: interrupted(ctx, name, err)}
	}
	return nil
}

// interrupted names why ctx ended when err came from its cancellation.
func interrupted(ctx context.Context, stage string, err error) error {
	if errors.Is(context.Cause(ctx), core.ErrLockLost) {
		return fmt.Errorf("%w while in %s", core.ErrLockLost, stage)
	}
	if errors.Is(err, core.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &core.TimeoutError{Stage: stage, Err: err}
	}
	return err
}

func (p *Pipeline) runSteps(ctx context.Context, runID string, report *Report, logger *slog.Logger) error {
	if err := p.deps.Catalog.Check(p.cfg.Sources); err != nil {
		p.recordSkipped(runID, nil, "dependency check failed")
		return err
	}

	stepRuns := map[string]string{}
	hooks := steps.Hooks{
		Start: func(ctx context.Context, def core.StepDefinition) context.Context {
			sr := &core.StepRun{RunID: runID, StepName: def.Name, StepOrder: def.Order, Status: core.StepRunStatusRunning}
			if err := p.deps.Store.RecordStepRun(sr); err != nil {
				logger.Warn("failed to record step run", "step", def.Name, "error", err)
			} else {
				stepRuns[def.Name] = sr.ID
			}
			ctx, _ = p.tracer.Start(ctx, "step "+def.Name, trace.WithAttributes(
				attribute.String("step.name", def.Name),
				attribute.Int("step.order", def.Order),
			))
			return ctx
		},
		Finish: func(ctx context.Context, def core.StepDefinition, _ time.Duration, err error) {
			endSpan(trace.SpanFromContext(ctx), err)
			id, ok := stepRuns[def.Name]
			if !ok {
				return
			}
			status, msg := core.StepRunStatusSuccess, ""
			if err != nil {
				status, msg = core.StepRunStatusFailed, err.Error()
			}
			if uerr := p.deps.Store.UpdateStepRun(id, status, msg); uerr != nil {
				logger.Warn("failed to update step run", "step", def.Name, "error", uerr)
			}
		},
	}

	result, err := p.deps.Catalog.RunAll(ctx, hooks)
	for _, o := range result.Executed {
		sr := StepReport{Name: o.Name, Order: o.Order, Duration: o.Duration}
		if o.Err != nil {
			sr.Error = o.Err.Error()
		}
		report.Steps = append(report.Steps, sr)
	}
	report.NotRun = result.NotRun
	if len(result.NotRun) > 0 {
		p.recordSkipped(runID, result.NotRun, "run aborted: an earlier step failed")
	}
	return err
}

// recordSkipped marks steps as skipped in the run history. nil means every
// step in the catalog.
func (p *Pipeline) recordSkipped(runID string, names []string, reason string) {
	if p.deps.Catalog == nil {
		return
	}
	skip := map[string]bool{}
	for _, n := range names {
		skip[n] = true
	}
	for _, def := range p.deps.Catalog.Ordered() {
		if names != nil && !skip[def.Name] {
			continue
		}
		sr := &core.StepRun{
			RunID:     runID,
			StepName:  def.Name,
			StepOrder: def.Order,
			Status:    core.StepRunStatusSkipped,
			Error:     reason,
		}
		if err := p.deps.Store.RecordStepRun(sr); err != nil {
			p.logger.Warn("failed to record skipped step", "step", def.Name, "error", err)
		}
	}
}

// snapshotColumns records the published columns and reports how they
// differ from the previous snapshot. Store failures are logged only.
func (p *Pipeline) snapshotColumns(runID string, output core.TableRef, columns []string, logger *slog.Logger) *ColumnChanges {
	table := output.String()
	var changes *ColumnChanges

	prev, prevRun, err := p.deps.Store.GetColumnSnapshot(table)
	if err != nil {
		logger.Warn("failed to read column snapshot", "table", table, "error", err)
	} else if prevRun != "" {
		added, removed := contract.Diff(prev, columns)
		changes = &ColumnChanges{PreviousRunID: prevRun, Added: added, Removed: removed}
		if len(added) > 0 || len(removed) > 0 {
			logger.Info("published columns changed since last run",
				"previous_run", prevRun, "added", added, "removed", removed)
		}
	}

	if err := p.deps.Store.SaveColumnSnapshot(runID, table, columns); err != nil {
		logger.Warn("failed to save column snapshot", "table", table, "error", err)
	}
	if p.cfg.SnapshotRetention > 0 {
		if err := p.deps.Store.DeleteOldSnapshots(p.cfg.SnapshotRetention); err != nil {
			logger.Warn("failed to prune column snapshots", "error", err)
		}
	}
	return changes
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
