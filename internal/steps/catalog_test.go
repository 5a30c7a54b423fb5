package steps

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oilcast/featurepipe/internal/testutil"
	"github.com/oilcast/featurepipe/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type declaredStep struct {
	StepFunc
	in, out []string
}

func (d declaredStep) Inputs() []string  { return d.in }
func (d declaredStep) Outputs() []string { return d.out }

func TestCatalog_Register(t *testing.T) {
	tests := []struct {
		name    string
		defs    []core.StepDefinition
		wantErr error
	}{
		{
			name: "distinct steps",
			defs: []core.StepDefinition{{Name: "a", Order: 1}, {Name: "b", Order: 2}},
		},
		{
			name:    "duplicate name",
			defs:    []core.StepDefinition{{Name: "a", Order: 1}, {Name: "a", Order: 2}},
			wantErr: core.ErrDuplicateStepName,
		},
		{
			name:    "duplicate order",
			defs:    []core.StepDefinition{{Name: "a", Order: 1}, {Name: "b", Order: 1}},
			wantErr: core.ErrDuplicateOrderIndex,
		},
		{
			name:    "empty name",
			defs:    []core.StepDefinition{{Order: 1}},
			wantErr: core.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCatalog(NewRegistry(), testutil.NewTestLogger(t))
			var err error
			for _, d := range tt.defs {
				if err = c.Register(d); err != nil {
					break
				}
			}
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, core.KindConfig, core.KindOf(err))
		})
	}
}

func TestCatalog_OrderedIsAscending(t *testing.T) {
	c := NewCatalog(NewRegistry(), nil)
	for _, d := range []core.StepDefinition{{Name: "c", Order: 30}, {Name: "a", Order: 10}, {Name: "b", Order: 20}} {
		require.NoError(t, c.Register(d))
	}

	var got []string
	for _, d := range c.Ordered() {
		got = append(got, d.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("Ordered() mismatch (-want +got):\n%s", diff)
	}
}

// buildCatalog registers n steps named step1..stepN, each appending its
// name to *executed. failAt makes that step return boom.
func buildCatalog(t *testing.T, n, failAt int, executed *[]string) *Catalog {
	t.Helper()
	reg := NewRegistry()
	c := NewCatalog(reg, testutil.NewTestLogger(t))
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("step%d", i)
		i := i
		require.NoError(t, reg.Bind(name, StepFunc(func(context.Context) error {
			*executed = append(*executed, name)
			if i == failAt {
				return errors.New("boom")
			}
			return nil
		})))
		require.NoError(t, c.Register(core.StepDefinition{Name: name, Order: i}))
	}
	return c
}

func TestCatalog_RunAll_Sequential(t *testing.T) {
	var executed []string
	c := buildCatalog(t, 5, 0, &executed)

	res, err := c.RunAll(context.Background(), Hooks{})
	require.NoError(t, err)
	assert.Equal(t, []string{"step1", "step2", "step3", "step4", "step5"}, executed)
	assert.Len(t, res.Executed, 5)
	assert.Empty(t, res.NotRun)
	assert.Nil(t, res.Failed())
}

func TestCatalog_RunAll_AbortsOnFailure(t *testing.T) {
	var executed []string
	c := buildCatalog(t, 8, 3, &executed)

	res, err := c.RunAll(context.Background(), Hooks{})
	require.Error(t, err)

	var serr *core.StepExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "step3", serr.Step)
	assert.Equal(t, 3, serr.Order)
	assert.Equal(t, core.KindStep, core.KindOf(err))

	assert.Equal(t, []string{"step1", "step2", "step3"}, executed, "steps 4-8 must never execute")
	assert.Equal(t, []string{"step4", "step5", "step6", "step7", "step8"}, res.NotRun)
	require.NotNil(t, res.Failed())
	assert.Equal(t, "step3", res.Failed().Name)
}

func TestCatalog_RunAll_UnresolvedEntrypointRunsNothing(t *testing.T) {
	var executed []string
	c := buildCatalog(t, 3, 0, &executed)
	require.NoError(t, c.Register(core.StepDefinition{Name: "seasonality", Order: 4, Entrypoint: "stl_decompose"}))

	res, err := c.RunAll(context.Background(), Hooks{})
	var rerr *core.StepResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "seasonality", rerr.Step)
	assert.Equal(t, "stl_decompose", rerr.Entrypoint)
	assert.Empty(t, executed)
	assert.Len(t, res.NotRun, 4)
}

func TestCatalog_RunAll_Hooks(t *testing.T) {
	var executed []string
	c := buildCatalog(t, 3, 2, &executed)

	type key struct{}
	var started, finished []string
	var finishErrs []error
	hooks := Hooks{
		Start: func(ctx context.Context, def core.StepDefinition) context.Context {
			started = append(started, def.Name)
			return context.WithValue(ctx, key{}, def.Name)
		},
		Finish: func(ctx context.Context, def core.StepDefinition, _ time.Duration, err error) {
			assert.Equal(t, def.Name, ctx.Value(key{}))
			finished = append(finished, def.Name)
			finishErrs = append(finishErrs, err)
		},
	}

	_, err := c.RunAll(context.Background(), hooks)
	require.Error(t, err)
	assert.Equal(t, []string{"step1", "step2"}, started)
	assert.Equal(t, []string{"step1", "step2"}, finished)
	assert.NoError(t, finishErrs[0])
	assert.ErrorIs(t, finishErrs[1], core.ErrStepExecution)
}

func TestCatalog_RunAll_CancelledBetweenSteps(t *testing.T) {
	reg := NewRegistry()
	c := NewCatalog(reg, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ran := 0
	require.NoError(t, reg.Bind("first", StepFunc(func(context.Context) error { ran++; cancel(); return nil })))
	require.NoError(t, reg.Bind("second", StepFunc(func(context.Context) error { ran++; return nil })))
	require.NoError(t, c.Register(core.StepDefinition{Name: "first", Order: 1}))
	require.NoError(t, c.Register(core.StepDefinition{Name: "second", Order: 2}))

	res, err := c.RunAll(ctx, Hooks{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"second"}, res.NotRun)
}

func TestCatalog_Check(t *testing.T) {
	noop := StepFunc(func(context.Context) error { return nil })

	tests := []struct {
		name     string
		defs     []core.StepDefinition
		bind     map[string]Step
		external []string
		wantErr  bool
	}{
		{
			name: "chain satisfied",
			defs: []core.StepDefinition{
				{Name: "prices", Order: 1, Requires: []string{"raw.zl_daily"}, Produces: []string{"stg.prices"}},
				{Name: "features", Order: 2, Requires: []string{"stg.prices"}, Produces: []string{"features.daily"}},
			},
			external: []string{"raw.zl_daily"},
		},
		{
			name: "reordered steps are caught",
			defs: []core.StepDefinition{
				{Name: "features", Order: 1, Requires: []string{"stg.prices"}},
				{Name: "prices", Order: 2, Requires: []string{"raw.zl_daily"}, Produces: []string{"stg.prices"}},
			},
			external: []string{"raw.zl_daily"},
			wantErr:  true,
		},
		{
			name: "undeclared source",
			defs: []core.StepDefinition{
				{Name: "weather", Order: 1, Requires: []string{"raw.weather"}},
			},
			wantErr: true,
		},
		{
			name: "entrypoint declarations are used when definition is silent",
			defs: []core.StepDefinition{
				{Name: "prices", Order: 1},
				{Name: "features", Order: 2},
			},
			bind: map[string]Step{
				"prices":   declaredStep{StepFunc: noop, in: []string{"raw.zl_daily"}, out: []string{"stg.prices"}},
				"features": declaredStep{StepFunc: noop, in: []string{"STG.PRICES"}, out: []string{"features.daily"}},
			},
			external: []string{"raw.zl_daily"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			for name, s := range tt.bind {
				require.NoError(t, reg.Bind(name, s))
			}
			c := NewCatalog(reg, nil)
			for _, d := range tt.defs {
				require.NoError(t, c.Register(d))
			}

			err := c.Check(tt.external)
			if tt.wantErr {
				assert.ErrorIs(t, err, core.ErrStepDependency)
				assert.Equal(t, core.KindConfig, core.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_Bind(t *testing.T) {
	reg := NewRegistry()
	noop := StepFunc(func(context.Context) error { return nil })

	require.NoError(t, reg.Bind("a", noop))
	assert.Error(t, reg.Bind("a", noop))
	assert.Error(t, reg.Bind("", noop))
	assert.Error(t, reg.Bind("b", nil))
	assert.Equal(t, []string{"a"}, reg.Names())

	_, ok := reg.Resolve("missing")
	assert.False(t, ok)
}
