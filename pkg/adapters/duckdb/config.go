package duckdb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/oilcast/featurepipe/pkg/adapter"
)

// Params holds DuckDB-specific configuration.
// Parsed from adapter.Config.Params using mapstructure.
type Params struct {
	// Extensions to install and load (e.g., "httpfs", "json")
	Extensions []string `mapstructure:"extensions"`

	// Secrets for cloud storage authentication
	Secrets []SecretConfig `mapstructure:"secrets"`

	// Settings to apply at session level (e.g., memory_limit, threads)
	Settings map[string]string `mapstructure:"settings"`
}

// SecretConfig defines a DuckDB secret for reading source files from cloud storage.
type SecretConfig struct {
	// Type: "s3", "gcs", "r2"
	Type     string `mapstructure:"type"`
	Provider string `mapstructure:"provider"`
	Region   string `mapstructure:"region,omitempty"`

	// Scope limits the secret to specific paths (string or []string)
	Scope any `mapstructure:"scope,omitempty"`

	KeyID    string `mapstructure:"key_id,omitempty"`
	Secret   string `mapstructure:"secret,omitempty"`
	Endpoint string `mapstructure:"endpoint,omitempty"`
}

// ParseParams decodes raw target params into Params.
func ParseParams(raw map[string]any) (*Params, error) {
	p := &Params{}
	if len(raw) == 0 {
		return p, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           p,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("invalid duckdb params: %w", err)
	}
	return p, nil
}

// setupStatements renders the session statements implied by p, in the order
// they must run: extensions, settings, then secrets.
func (p *Params) setupStatements() []string {
	var stmts []string
	for _, ext := range p.Extensions {
		stmts = append(stmts, "INSTALL "+ext, "LOAD "+ext)
	}

	keys := make([]string, 0, len(p.Settings))
	for k := range p.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		stmts = append(stmts, fmt.Sprintf("SET %s = %s", k, adapter.QuoteLiteral(p.Settings[k])))
	}

	for i, s := range p.Secrets {
		stmts = append(stmts, s.createSQL(i))
	}
	return stmts
}

func (s SecretConfig) createSQL(i int) string {
	opts := []string{"TYPE " + s.Type}
	if s.Provider != "" {
		opts = append(opts, "PROVIDER "+s.Provider)
	}
	add := func(key, val string) {
		if val != "" {
			opts = append(opts, key+" "+adapter.QuoteLiteral(val))
		}
	}
	add("KEY_ID", s.KeyID)
	add("SECRET", s.Secret)
	add("REGION", s.Region)
	add("ENDPOINT", s.Endpoint)

	switch scope := s.Scope.(type) {
	case string:
		add("SCOPE", scope)
	case []any:
		for _, v := range scope {
			if str, ok := v.(string); ok {
				add("SCOPE", str)
			}
		}
	case []string:
		for _, v := range scope {
			add("SCOPE", v)
		}
	}

	return fmt.Sprintf("CREATE OR REPLACE SECRET featurepipe_%s_%d (%s)", s.Type, i, strings.Join(opts, ", "))
}
