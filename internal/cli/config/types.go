// Package config loads featurepipe.yaml for the CLI.
package config

import (
	"time"

	"github.com/oilcast/featurepipe/internal/docstore"
	"github.com/oilcast/featurepipe/internal/lock"
	"github.com/oilcast/featurepipe/internal/telemetry"
	"github.com/oilcast/featurepipe/internal/training"
	"github.com/oilcast/featurepipe/pkg/core"
)

// TargetConfig is the warehouse target.
type TargetConfig = core.TargetConfig

// Config holds all CLI configuration options.
type Config struct {
	// ProjectRoot anchors every relative path. It is not read from the file.
	ProjectRoot string `koanf:"-"`

	StepsDir     string `koanf:"steps_dir"`
	SeedsDir     string `koanf:"seeds_dir"`
	StatePath    string `koanf:"state_path"`
	Environment  string `koanf:"environment"`
	Verbose      bool   `koanf:"verbose"`
	OutputFormat string `koanf:"output"`

	Target       *TargetConfig         `koanf:"target"`
	Contract     ContractConfig        `koanf:"contract"`
	Manifest     ManifestConfig        `koanf:"manifest"`
	Pipeline     PipelineConfig        `koanf:"pipeline"`
	Steps        []core.StepDefinition `koanf:"steps"`
	Lock         LockConfig            `koanf:"lock"`
	Storage      docstore.Options      `koanf:"storage"`
	Telemetry    telemetry.Config      `koanf:"telemetry"`
	Training     training.Config       `koanf:"training"`
	Server       ServerConfig          `koanf:"server"`
	Environments map[string]EnvConfig  `koanf:"environments"`
}

// ContractConfig locates and labels the schema contract.
type ContractConfig struct {
	Location string `koanf:"location"`
	Version  string `koanf:"version"`
	// SourceTable is what regenerate-schema-contract reads. Defaults to
	// pipeline.assembled_table.
	SourceTable string   `koanf:"source_table"`
	Critical    []string `koanf:"critical"`
}

// ManifestConfig locates the manifest.
type ManifestConfig struct {
	Location string `koanf:"location"`
}

// PipelineConfig controls a run.
type PipelineConfig struct {
	AssembledTable    string        `koanf:"assembled_table"`
	OutputTable       string        `koanf:"output_table"`
	DateColumn        string        `koanf:"date_column"`
	KeyColumns        []string      `koanf:"key_columns"`
	TargetColumns     []string      `koanf:"target_columns"`
	Critical          []string      `koanf:"critical"`
	Sources           []string      `koanf:"sources"`
	Timeout           time.Duration `koanf:"timeout"`
	KeepHistory       bool          `koanf:"keep_history"`
	SnapshotRetention int           `koanf:"snapshot_retention"`
	SkipSteps         bool          `koanf:"skip_steps"`
	SourceView        string        `koanf:"source_view"`
}

// Lock backends.
const (
	LockStore = "store"
	LockRedis = "redis"
)

// LockConfig selects the run lock.
type LockConfig struct {
	Backend string            `koanf:"backend"`
	Name    string            `koanf:"name"`
	TTL     time.Duration     `koanf:"ttl"`
	Redis   lock.RedisOptions `koanf:"redis"`
}

// ServerConfig configures `featurepipe serve`.
type ServerConfig struct {
	Addr  string `koanf:"addr"`
	Watch bool   `koanf:"watch"`
}

// EnvConfig holds environment-specific overrides.
type EnvConfig struct {
	StepsDir string         `koanf:"steps_dir"`
	Target   *TargetConfig  `koanf:"target"`
	Contract ContractConfig `koanf:"contract"`
	Manifest ManifestConfig `koanf:"manifest"`
	Lock     *LockConfig    `koanf:"lock"`
}

// Default configuration values.
const (
	DefaultStepsDir   = "steps"
	DefaultSeedsDir   = "seeds"
	DefaultStateFile  = ".featurepipe/state.db"
	DefaultEnv        = "dev"
	DefaultOutput     = "auto"
	DefaultContract   = "contract/schema_contract.json"
	DefaultManifest   = "published/manifest.json"
	DefaultDateColumn = "date"
	DefaultLockName   = "featurepipe"
	DefaultLockTTL    = time.Hour
	DefaultTimeout    = 30 * time.Minute
	DefaultAddr       = ":8080"
)
