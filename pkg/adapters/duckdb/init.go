// Package duckdb provides a DuckDB warehouse adapter for featurepipe.
//
// Import this package with a blank identifier to register the adapter:
//
//	import _ "github.com/oilcast/featurepipe/pkg/adapters/duckdb"
package duckdb

import (
	"log/slog"

	"github.com/oilcast/featurepipe/pkg/adapter"
)

func init() {
	adapter.Register(adapter.Registration{
		Type:          "duckdb",
		Factory:       func(logger *slog.Logger) adapter.Adapter { return New(logger) },
		DefaultSchema: defaultSchema,
		LocalFile:     true,
	})
}
