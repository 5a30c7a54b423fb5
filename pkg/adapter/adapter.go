// Package adapter provides the warehouse adapter contract and the shared
// database/sql plumbing that concrete adapters embed.
//
// Concrete adapter implementations are in pkg/adapters/ subdirectories and
// register themselves from init().
package adapter

import (
	"github.com/oilcast/featurepipe/pkg/core"
)

// Type aliases so adapter implementations can stay in one import.
type (
	// Adapter is an alias for core.Adapter.
	Adapter = core.Adapter

	// Config is an alias for core.AdapterConfig.
	Config = core.AdapterConfig

	// Column is an alias for core.Column.
	Column = core.Column

	// Metadata is an alias for core.TableMetadata.
	Metadata = core.TableMetadata

	// Stats is an alias for core.TableStats.
	Stats = core.TableStats

	// Rows is an alias for core.Rows.
	Rows = core.Rows
)
