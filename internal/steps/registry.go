package steps

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Step is an executable unit of feature computation. Its effect is the
// warehouse state it leaves behind.
type Step interface {
	Execute(ctx context.Context) error
}

// StepFunc adapts a plain function to Step.
type StepFunc func(ctx context.Context) error

// Execute calls f.
func (f StepFunc) Execute(ctx context.Context) error { return f(ctx) }

// Declarer is implemented by steps that know which tables they read and write.
type Declarer interface {
	Inputs() []string
	Outputs() []string
}

// Registry maps entrypoint names to steps. It is populated at startup.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Bind registers step under name. Binding a name twice is an error.
func (r *Registry) Bind(name string, step Step) error {
	if name == "" {
		return fmt.Errorf("cannot bind a step without a name")
	}
	if step == nil {
		return fmt.Errorf("cannot bind nil step %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[name]; ok {
		return fmt.Errorf("entrypoint %q is already bound", name)
	}
	r.steps[name] = step
	return nil
}

// Resolve returns the step bound to name.
func (r *Registry) Resolve(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	return s, ok
}

// Names returns the bound entrypoint names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
