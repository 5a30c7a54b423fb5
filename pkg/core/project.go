package core

// TargetConfig holds warehouse target configuration.
type TargetConfig struct {
	Type string `koanf:"type"` // duckdb, postgres

	// File-based warehouses (DuckDB)
	Database string `koanf:"database"` // file path or database name

	// Network warehouses
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// Common
	Schema string `koanf:"schema"`

	// Retries is the number of automatic retries for transient failures.
	Retries int `koanf:"retries"`

	// Additional driver-specific options
	Options map[string]string `koanf:"options"`

	// Params holds adapter-specific configuration (e.g., DuckDB extensions, settings)
	Params map[string]any `koanf:"params"`
}

// AdapterConfig converts the target into the adapter connection config.
func (t *TargetConfig) AdapterConfig() AdapterConfig {
	return AdapterConfig{
		Type:     t.Type,
		Path:     t.Database,
		Database: t.Database,
		Schema:   t.Schema,
		Host:     t.Host,
		Port:     t.Port,
		Username: t.User,
		Password: t.Password,
		Options:  t.Options,
		Params:   t.Params,
	}
}
