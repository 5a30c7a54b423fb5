package config

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/oilcast/featurepipe/pkg/core"
)

// EnvPrefix prefixes environment variables that override config keys.
// FEATUREPIPE_PIPELINE__OUTPUT_TABLE sets pipeline.output_table.
const EnvPrefix = "FEATUREPIPE_"

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

var configFileNames = []string{"featurepipe.yaml", "featurepipe.yml"}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

type (
	configKey struct{}
	loggerKey struct{}
)

// configExistsIn returns the config file in dir, or "".
func configExistsIn(dir string) string {
	for _, name := range configFileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// findProjectRootUpward searches upward from startDir for a config file.
func findProjectRootUpward(startDir string) string {
	dir := startDir
	for range maxUpwardSearchLevels {
		if configExistsIn(dir) != "" {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// inferProjectRoot picks the directory relative paths are resolved against:
// the explicit config file's directory, else the nearest ancestor of the
// working directory holding a config file, else the working directory.
func inferProjectRoot(cfgFile string) string {
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			return filepath.Dir(abs)
		}
	}
	cwd, err := os.Getwd()
	if err != nil || cwd == "" {
		return "."
	}
	if root := findProjectRootUpward(cwd); root != "" {
		return root
	}
	return cwd
}

func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path
	}
	return filepath.Join(baseDir, path)
}

func defaults() map[string]any {
	return map[string]any{
		"steps_dir":                   DefaultStepsDir,
		"seeds_dir":                   DefaultSeedsDir,
		"state_path":                  DefaultStateFile,
		"environment":                 DefaultEnv,
		"verbose":                     false,
		"output":                      DefaultOutput,
		"contract.location":           DefaultContract,
		"manifest.location":           DefaultManifest,
		"pipeline.date_column":        DefaultDateColumn,
		"pipeline.key_columns":        []string{DefaultDateColumn},
		"pipeline.timeout":            DefaultTimeout.String(),
		"pipeline.snapshot_retention": 30,
		"lock.backend":                LockStore,
		"lock.name":                   DefaultLockName,
		"lock.ttl":                    DefaultLockTTL.String(),
		"telemetry.exporter":          "none",
		"telemetry.sample_ratio":      1.0,
		"server.addr":                 DefaultAddr,
		"server.watch":                true,
	}
}

// Load loads configuration from defaults, the config file, environment
// variables and flags, in increasing precedence. envOverride selects the
// environments.<name> block instead of the configured environment. flags may
// be nil; only flags the user changed are applied.
func Load(cfgFile, envOverride string, flags *pflag.FlagSet) (*Config, string, error) {
	k := koanf.New(".")

	projectRoot := inferProjectRoot(cfgFile)

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load defaults: %w", err)
	}

	used := cfgFile
	if used == "" {
		used = configExistsIn(projectRoot)
	}
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("%w: error reading config file %s: %w", core.ErrInvalidConfig, used, err)
		}
	}

	// FEATUREPIPE_STATE_PATH -> state_path, FEATUREPIPE_LOCK__BACKEND -> lock.backend
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, "", fmt.Errorf("failed to load env vars: %w", err)
	}

	var flagPaths map[string]string
	if flags != nil {
		flagPaths = absFlagPaths(flags)
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			switch f.Name {
			case "config", "target":
				// Select files and environments; not config keys.
				return "", nil
			case "state":
				return "state_path", posflag.FlagVal(flags, f)
			case "env":
				return "environment", posflag.FlagVal(flags, f)
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, "", fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, "", fmt.Errorf("%w: unable to decode config: %w", core.ErrInvalidConfig, err)
	}
	cfg.ProjectRoot = projectRoot

	envName := cfg.Environment
	if envOverride != "" {
		envName = envOverride
		cfg.Environment = envOverride
	}
	if envCfg, ok := cfg.Environments[envName]; ok {
		applyEnvironment(&cfg, envCfg)
	}

	if cfg.Target == nil {
		cfg.Target = &TargetConfig{Type: "duckdb", Database: ".featurepipe/warehouse.duckdb"}
	}
	ApplyTargetDefaults(cfg.Target)
	expandTargetEnvVars(cfg.Target)
	cfg.Lock.Redis.Password = expandEnvVars(cfg.Lock.Redis.Password)

	// Paths given as flags are relative to the working directory, all
	// others to the project root.
	cfg.StepsDir = pick(flagPaths["steps-dir"], resolvePathRelativeTo(cfg.StepsDir, projectRoot))
	cfg.SeedsDir = pick(flagPaths["seeds-dir"], resolvePathRelativeTo(cfg.SeedsDir, projectRoot))
	cfg.StatePath = pick(flagPaths["state"], resolvePathRelativeTo(cfg.StatePath, projectRoot))
	cfg.Contract.Location = resolvePathRelativeTo(cfg.Contract.Location, projectRoot)
	cfg.Manifest.Location = resolvePathRelativeTo(cfg.Manifest.Location, projectRoot)
	if localDatabase(cfg.Target) {
		cfg.Target.Database = resolvePathRelativeTo(cfg.Target.Database, projectRoot)
	}

	if err := ValidateTarget(cfg.Target); err != nil {
		return nil, "", fmt.Errorf("invalid target configuration: %w", err)
	}
	return &cfg, used, nil
}

func absFlagPaths(flags *pflag.FlagSet) map[string]string {
	out := make(map[string]string)
	for _, name := range []string{"steps-dir", "seeds-dir", "state"} {
		f := flags.Lookup(name)
		if f == nil || !f.Changed || f.Value.String() == "" {
			continue
		}
		if abs, err := filepath.Abs(f.Value.String()); err == nil {
			out[name] = abs
		}
	}
	return out
}

func pick(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func applyEnvironment(cfg *Config, env EnvConfig) {
	if env.StepsDir != "" {
		cfg.StepsDir = env.StepsDir
	}
	if env.Target != nil {
		cfg.Target = MergeTargetConfig(cfg.Target, env.Target)
	}
	if env.Contract.Location != "" {
		cfg.Contract.Location = env.Contract.Location
	}
	if env.Contract.Version != "" {
		cfg.Contract.Version = env.Contract.Version
	}
	if env.Manifest.Location != "" {
		cfg.Manifest.Location = env.Manifest.Location
	}
	if env.Lock != nil {
		if env.Lock.Backend != "" {
			cfg.Lock.Backend = env.Lock.Backend
		}
		if env.Lock.Redis.Addr != "" {
			cfg.Lock.Redis = env.Lock.Redis
		}
	}
}

// expandEnvVars expands ${VAR} patterns. Unset variables are left as written.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

func expandTargetEnvVars(t *TargetConfig) {
	if t == nil {
		return
	}
	t.Password = expandEnvVars(t.Password)
	t.User = expandEnvVars(t.User)
	t.Host = expandEnvVars(t.Host)
	t.Database = expandEnvVars(t.Database)
}

// MergeTargetConfig merges two target configs, with override taking precedence.
func MergeTargetConfig(base, override *TargetConfig) *TargetConfig {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}

	merged := *base
	merged.Options = make(map[string]string)
	merged.Params = make(map[string]any)
	maps.Copy(merged.Options, base.Options)
	maps.Copy(merged.Params, base.Params)

	if override.Type != "" {
		merged.Type = override.Type
	}
	if override.Database != "" {
		merged.Database = override.Database
	}
	if override.Host != "" {
		merged.Host = override.Host
	}
	if override.Port != 0 {
		merged.Port = override.Port
	}
	if override.User != "" {
		merged.User = override.User
	}
	if override.Password != "" {
		merged.Password = override.Password
	}
	if override.Schema != "" {
		merged.Schema = override.Schema
	}
	if override.Retries != 0 {
		merged.Retries = override.Retries
	}
	maps.Copy(merged.Options, override.Options)
	maps.Copy(merged.Params, override.Params)

	return &merged
}

// WithConfig stores cfg in ctx.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the config stored by WithConfig, or nil.
func FromContext(ctx context.Context) *Config {
	c, _ := ctx.Value(configKey{}).(*Config)
	return c
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
