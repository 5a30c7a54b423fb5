package config

import (
	"errors"
	"fmt"

	"github.com/oilcast/featurepipe/pkg/adapter"
	"github.com/oilcast/featurepipe/pkg/core"
)

// DefaultSchemaForType returns the default schema for a warehouse type.
func DefaultSchemaForType(dbType string) string {
	if r, ok := adapter.Lookup(dbType); ok && r.DefaultSchema != "" {
		return r.DefaultSchema
	}
	return "main"
}

// ApplyTargetDefaults canonicalizes the type and fills the schema, port and
// retry count from the adapter registration.
func ApplyTargetDefaults(t *TargetConfig) {
	if t == nil {
		return
	}
	r, ok := adapter.Lookup(t.Type)
	if ok {
		t.Type = r.Type
	}
	if t.Schema == "" {
		t.Schema = DefaultSchemaForType(t.Type)
	}
	if ok && t.Port == 0 {
		t.Port = r.DefaultPort
	}
	if t.Retries == 0 {
		t.Retries = 3
	}
}

// ValidateTarget checks that the target names a registered adapter.
func ValidateTarget(t *TargetConfig) error {
	if t == nil || t.Type == "" {
		return fmt.Errorf("%w: target type is required", core.ErrInvalidConfig)
	}
	if _, ok := adapter.Lookup(t.Type); !ok {
		return &adapter.UnknownAdapterError{Type: t.Type, Available: adapter.Types()}
	}
	return nil
}

// localDatabase reports whether target.database is a file path.
func localDatabase(t *TargetConfig) bool {
	r, ok := adapter.Lookup(t.Type)
	return ok && r.LocalFile
}

// Validate checks settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Contract.Location == "" {
		errs = append(errs, errors.New("contract.location is required"))
	}
	if c.Manifest.Location == "" {
		errs = append(errs, errors.New("manifest.location is required"))
	}
	if c.Pipeline.OutputTable == "" {
		errs = append(errs, errors.New("pipeline.output_table is required"))
	}
	if c.Pipeline.SkipSteps && c.Pipeline.SourceView == "" {
		errs = append(errs, errors.New("pipeline.skip_steps requires pipeline.source_view"))
	}
	if !c.Pipeline.SkipSteps && c.Pipeline.AssembledTable == "" {
		errs = append(errs, errors.New("pipeline.assembled_table is required"))
	}
	switch c.Lock.Backend {
	case LockStore:
	case LockRedis:
		if c.Lock.Redis.Addr == "" {
			errs = append(errs, errors.New("lock.redis.addr is required for the redis lock"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend must be %q or %q, got %q", LockStore, LockRedis, c.Lock.Backend))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock.ttl must be positive, got %s", c.Lock.TTL))
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Join(core.ErrInvalidConfig, err)
	}
	return nil
}

// ContractSource returns the table regenerate-schema-contract reads.
func (c *Config) ContractSource() string {
	if c.Contract.SourceTable != "" {
		return c.Contract.SourceTable
	}
	if c.Pipeline.SkipSteps {
		return c.Pipeline.SourceView
	}
	return c.Pipeline.AssembledTable
}

// CriticalColumns is the union of the contract's and the pipeline's lists.
func (c *Config) CriticalColumns() []string {
	seen := make(map[string]bool)
	var out []string
	for _, col := range append(append([]string{}, c.Contract.Critical...), c.Pipeline.Critical...) {
		if !seen[col] {
			seen[col] = true
			out = append(out, col)
		}
	}
	return out
}
