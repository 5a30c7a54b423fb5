// Package postgres provides a PostgreSQL warehouse adapter for featurepipe.
//
// Import this package with a blank identifier to register the adapter:
//
//	import _ "github.com/oilcast/featurepipe/pkg/adapters/postgres"
package postgres

import (
	"log/slog"

	"github.com/oilcast/featurepipe/pkg/adapter"
)

func init() {
	adapter.Register(adapter.Registration{
		Type:          "postgres",
		Aliases:       []string{"postgresql", "pg"},
		Factory:       func(logger *slog.Logger) adapter.Adapter { return New(logger) },
		DefaultSchema: defaultSchema,
		DefaultPort:   5432,
	})
}
