// Package state persists pipeline run history in SQLite: runs, step runs,
// data-quality warnings, column snapshots, run locks and training runs.
//
// Types are defined in pkg/core; this package only stores them.
package state

import (
	"github.com/oilcast/featurepipe/pkg/core"
)

type (
	// Store is an alias for core.Store.
	Store = core.Store

	// Run is an alias for core.Run.
	Run = core.Run

	// StepRun is an alias for core.StepRun.
	StepRun = core.StepRun
)
