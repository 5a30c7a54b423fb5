package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oilcast/featurepipe/pkg/core"
)

// Hooks observe step execution. Either field may be nil.
type Hooks struct {
	// Start runs before a step executes. The returned context is the one
	// handed to the step.
	Start func(ctx context.Context, def core.StepDefinition) context.Context
	// Finish runs after a step returns, with its error.
	Finish func(ctx context.Context, def core.StepDefinition, elapsed time.Duration, err error)
}

// Outcome records one executed step.
type Outcome struct {
	Name     string
	Order    int
	Duration time.Duration
	Err      error
}

// RunResult summarizes RunAll.
type RunResult struct {
	Executed []Outcome
	// NotRun lists steps that never executed because an earlier one failed.
	NotRun []string
}

// Failed returns the failed outcome, if any.
func (r *RunResult) Failed() *Outcome {
	for i := range r.Executed {
		if r.Executed[i].Err != nil {
			return &r.Executed[i]
		}
	}
	return nil
}

// Catalog is the ordered set of step definitions.
type Catalog struct {
	registry *Registry
	defs     []core.StepDefinition
	byName   map[string]bool
	byOrder  map[int]string
	logger   *slog.Logger
}

// NewCatalog returns an empty catalog resolving entrypoints in registry.
func NewCatalog(registry *Registry, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Catalog{
		registry: registry,
		byName:   make(map[string]bool),
		byOrder:  make(map[int]string),
		logger:   logger,
	}
}

// Register adds def to the catalog.
func (c *Catalog) Register(def core.StepDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: step without a name", core.ErrInvalidConfig)
	}
	if c.byName[def.Name] {
		return fmt.Errorf("%w: %s", core.ErrDuplicateStepName, def.Name)
	}
	if other, ok := c.byOrder[def.Order]; ok {
		return fmt.Errorf("%w: %d is used by both %s and %s", core.ErrDuplicateOrderIndex, def.Order, other, def.Name)
	}

	c.byName[def.Name] = true
	c.byOrder[def.Order] = def.Name
	c.defs = append(c.defs, def)
	sort.SliceStable(c.defs, func(i, j int) bool { return c.defs[i].Order < c.defs[j].Order })
	return nil
}

// Len returns the number of registered steps.
func (c *Catalog) Len() int { return len(c.defs) }

// Ordered returns the definitions in execution order.
func (c *Catalog) Ordered() []core.StepDefinition {
	out := make([]core.StepDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// IO returns the tables def reads and writes. Explicit definition fields
// take precedence over what the entrypoint declares.
func (c *Catalog) IO(def core.StepDefinition) (requires, produces []string) {
	requires, produces = def.Requires, def.Produces
	if s, ok := c.registry.Resolve(def.EntrypointName()); ok {
		if d, ok := s.(Declarer); ok {
			if len(requires) == 0 {
				requires = d.Inputs()
			}
			if len(produces) == 0 {
				produces = d.Outputs()
			}
		}
	}
	return requires, produces
}

// Check verifies that every table a step requires is either one of the
// external sources or produced by an earlier step.
func (c *Catalog) Check(external []string) error {
	available := make(map[string]string, len(external))
	for _, t := range external {
		available[tableKey(t)] = "source"
	}

	var errs []error
	for _, def := range c.defs {
		requires, produces := c.IO(def)
		for _, t := range requires {
			if _, ok := available[tableKey(t)]; !ok {
				errs = append(errs, fmt.Errorf("%w: step %s (order %d) requires %s, which no earlier step produces and is not a declared source",
					core.ErrStepDependency, def.Name, def.Order, t))
			}
		}
		for _, t := range produces {
			available[tableKey(t)] = def.Name
		}
	}
	return errors.Join(errs...)
}

// resolveAll resolves every entrypoint before anything executes.
func (c *Catalog) resolveAll() ([]Step, error) {
	resolved := make([]Step, len(c.defs))
	var errs []error
	for i, def := range c.defs {
		s, ok := c.registry.Resolve(def.EntrypointName())
		if !ok {
			errs = append(errs, &core.StepResolutionError{Step: def.Name, Entrypoint: def.EntrypointName()})
			continue
		}
		resolved[i] = s
	}
	return resolved, errors.Join(errs...)
}

// RunAll executes every step in ascending order and stops at the first
// failure.
func (c *Catalog) RunAll(ctx context.Context, hooks Hooks) (*RunResult, error) {
	result := &RunResult{}

	resolved, err := c.resolveAll()
	if err != nil {
		for _, def := range c.defs {
			result.NotRun = append(result.NotRun, def.Name)
		}
		return result, err
	}

	for i, def := range c.defs {
		if err := ctx.Err(); err != nil {
			result.NotRun = names(c.defs[i:])
			return result, fmt.Errorf("before step %s: %w", def.Name, err)
		}

		stepCtx := ctx
		if hooks.Start != nil {
			stepCtx = hooks.Start(ctx, def)
		}

		c.logger.Info("running step", slog.String("step", def.Name), slog.Int("order", def.Order))
		start := time.Now()
		runErr := resolved[i].Execute(stepCtx)
		elapsed := time.Since(start)

		if runErr != nil {
			runErr = &core.StepExecutionError{Step: def.Name, Order: def.Order, Err: runErr}
		}
		if hooks.Finish != nil {
			hooks.Finish(stepCtx, def, elapsed, runErr)
		}
		result.Executed = append(result.Executed, Outcome{Name: def.Name, Order: def.Order, Duration: elapsed, Err: runErr})

		if runErr != nil {
			result.NotRun = names(c.defs[i+1:])
			c.logger.Error("step failed",
				slog.String("step", def.Name),
				slog.Int("order", def.Order),
				slog.Int("not_run", len(result.NotRun)),
				slog.String("error", runErr.Error()))
			return result, runErr
		}
		c.logger.Debug("step finished", slog.String("step", def.Name), slog.Duration("elapsed", elapsed))
	}

	return result, nil
}

func names(defs []core.StepDefinition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func tableKey(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
