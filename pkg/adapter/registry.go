package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/oilcast/featurepipe/pkg/core"
)

// Factory builds an unconnected adapter.
type Factory func(*slog.Logger) Adapter

// Registration describes a warehouse type. Adapter packages register one in
// init().
type Registration struct {
	// Type is the canonical target.type value.
	Type    string
	Aliases []string
	Factory Factory

	// DefaultSchema is applied when target.schema is empty.
	DefaultSchema string
	// DefaultPort is applied when target.port is zero. Zero means the type
	// has no network port.
	DefaultPort int
	// LocalFile marks types whose target.database is a file path, resolved
	// against the project root.
	LocalFile bool
}

var (
	registryMu sync.RWMutex
	byType     = make(map[string]Registration)
	aliases    = make(map[string]string)
)

// Register adds r, replacing any earlier registration of the same type.
func Register(r Registration) {
	if r.Type == "" || r.Factory == nil {
		panic("adapter: Register needs a type and a factory")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	key := strings.ToLower(r.Type)
	byType[key] = r
	for _, a := range r.Aliases {
		aliases[strings.ToLower(a)] = key
	}
}

// Lookup finds the registration for a type name or alias, ignoring case.
func Lookup(name string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	key := strings.ToLower(name)
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	r, ok := byType[key]
	return r, ok
}

// Types returns the registered canonical type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(byType))
}

// NewAdapter creates an unconnected adapter for cfg.Type.
func NewAdapter(cfg core.AdapterConfig, logger *slog.Logger) (Adapter, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("%w: adapter type not specified", core.ErrInvalidConfig)
	}
	r, ok := Lookup(cfg.Type)
	if !ok {
		return nil, &UnknownAdapterError{Type: cfg.Type, Available: Types()}
	}
	return r.Factory(logger), nil
}

// Open creates an adapter for cfg and connects it.
func Open(ctx context.Context, cfg core.AdapterConfig, logger *slog.Logger) (Adapter, error) {
	a, err := NewAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.Connect(ctx, cfg); err != nil {
		return nil, fmt.Errorf("connect %s warehouse: %w", cfg.Type, err)
	}
	return a, nil
}

// UnknownAdapterError is returned for a target.type nothing registered.
type UnknownAdapterError struct {
	Type      string
	Available []string
}

func (e *UnknownAdapterError) Error() string {
	return fmt.Sprintf("unknown warehouse type %q (available: %s); check target.type in featurepipe.yaml",
		e.Type, strings.Join(e.Available, ", "))
}

// Is lets callers treat an unknown type as a configuration error.
func (e *UnknownAdapterError) Is(target error) bool { return target == core.ErrInvalidConfig }
