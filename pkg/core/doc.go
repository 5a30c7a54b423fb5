// Package core defines the shared language of the featurepipe system.
//
// This package contains:
//   - Domain entities (SchemaContract, Manifest, StepDefinition, Run, etc.)
//   - Service interfaces (Adapter, Store)
//   - Configuration types (TargetConfig)
//   - The error taxonomy shared by every pipeline stage
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
