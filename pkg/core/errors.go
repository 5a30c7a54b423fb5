package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can branch on it instead of on
// message text.
type Kind string

// Error kinds.
const (
	KindUnknown     Kind = "unknown"
	KindConfig      Kind = "config"
	KindTransient   Kind = "transient"
	KindSchemaDrift Kind = "schema_drift"
	KindDataQuality Kind = "data_quality"
	KindStep        Kind = "step"
	KindTimeout     Kind = "timeout"
	KindQuery       Kind = "query"
	KindIO          Kind = "io"
	KindConflict    Kind = "conflict"
)

// Retryable reports whether an error of this kind may succeed when retried
// without changing anything.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Sentinel errors. Typed errors below match these with errors.Is.
var (
	ErrContractMissing        = errors.New("schema contract missing")
	ErrContractInvalid        = errors.New("schema contract invalid")
	ErrSourceUnavailable      = errors.New("source table unavailable")
	ErrDuplicateStepName      = errors.New("duplicate step name")
	ErrDuplicateOrderIndex    = errors.New("duplicate step order index")
	ErrStepDependency         = errors.New("step dependency not satisfied")
	ErrStepResolution         = errors.New("step resolution failed")
	ErrStepExecution          = errors.New("step execution failed")
	ErrMissingSourceColumn    = errors.New("missing source column")
	ErrColumnCountMismatch    = errors.New("column count mismatch")
	ErrSchemaHashMismatch     = errors.New("schema hash mismatch")
	ErrMissingCriticalFeature = errors.New("missing critical feature")
	ErrDuplicateKey           = errors.New("duplicate primary key")
	ErrManifestMissing        = errors.New("manifest missing")
	ErrManifestWrite          = errors.New("manifest write failed")
	ErrQueryExecution         = errors.New("query execution failed")
	ErrTransient              = errors.New("transient infrastructure error")
	ErrTimeout                = errors.New("run timed out")
	ErrLockHeld               = errors.New("pipeline lock held by another run")
	ErrLockLost               = errors.New("pipeline lock lost during the run")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrRunNotFound            = errors.New("run not found")
)

// kindTable is ordered by precedence: the first matching entry wins.
var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrTimeout, KindTimeout},
	{context.DeadlineExceeded, KindTimeout},
	{ErrColumnCountMismatch, KindSchemaDrift},
	{ErrSchemaHashMismatch, KindSchemaDrift},
	{ErrMissingCriticalFeature, KindSchemaDrift},
	{ErrMissingSourceColumn, KindSchemaDrift},
	{ErrContractMissing, KindConfig},
	{ErrContractInvalid, KindConfig},
	{ErrDuplicateStepName, KindConfig},
	{ErrDuplicateOrderIndex, KindConfig},
	{ErrStepDependency, KindConfig},
	{ErrStepResolution, KindConfig},
	{ErrInvalidConfig, KindConfig},
	{ErrLockHeld, KindConflict},
	{ErrLockLost, KindConflict},
	{ErrTransient, KindTransient},
	{ErrSourceUnavailable, KindQuery},
	{ErrQueryExecution, KindQuery},
	{ErrDuplicateKey, KindStep},
	{ErrStepExecution, KindStep},
	{ErrManifestMissing, KindIO},
	{ErrManifestWrite, KindIO},
}

// KindOf classifies err. Nil yields the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, e := range kindTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// StageError records the pipeline stage an error surfaced in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the innermost stage recorded on err, or "".
func StageOf(err error) string {
	stage := ""
	for err != nil {
		var se *StageError
		if !errors.As(err, &se) {
			break
		}
		stage = se.Stage
		err = se.Err
	}
	return stage
}

// ColumnCountMismatchError is raised when the assembled column count differs
// from the contract.
type ColumnCountMismatchError struct {
	Expected int
	Actual   int
	Added    []string
	Removed  []string
}

func (e *ColumnCountMismatchError) Error() string {
	return fmt.Sprintf("column count mismatch: contract expects %d columns, assembled table has %d%s",
		e.Expected, e.Actual, formatDiff(e.Added, e.Removed))
}

func (e *ColumnCountMismatchError) Is(target error) bool { return target == ErrColumnCountMismatch }

// SchemaHashMismatchError is raised when the column identity differs from the
// contract even though the count matches.
type SchemaHashMismatchError struct {
	Expected string
	Actual   string
	Added    []string
	Removed  []string
}

func (e *SchemaHashMismatchError) Error() string {
	return fmt.Sprintf("schema hash mismatch: contract %s, assembled %s%s",
		e.Expected, e.Actual, formatDiff(e.Added, e.Removed))
}

func (e *SchemaHashMismatchError) Is(target error) bool { return target == ErrSchemaHashMismatch }

// MissingCriticalFeatureError lists critical columns absent from the table.
type MissingCriticalFeatureError struct {
	Columns []string
}

func (e *MissingCriticalFeatureError) Error() string {
	return fmt.Sprintf("missing critical feature column(s): %s", strings.Join(e.Columns, ", "))
}

func (e *MissingCriticalFeatureError) Is(target error) bool {
	return target == ErrMissingCriticalFeature
}

// MissingSourceColumnError is raised when a step references a column its
// source table no longer has.
type MissingSourceColumnError struct {
	Step   string
	Table  string
	Column string
}

func (e *MissingSourceColumnError) Error() string {
	return fmt.Sprintf("step %s: source %s has no column %q", e.Step, e.Table, e.Column)
}

func (e *MissingSourceColumnError) Is(target error) bool { return target == ErrMissingSourceColumn }

// StepResolutionError is raised when a step's entrypoint is not registered.
type StepResolutionError struct {
	Step       string
	Entrypoint string
}

func (e *StepResolutionError) Error() string {
	return fmt.Sprintf("step %s: no entrypoint registered as %q", e.Step, e.Entrypoint)
}

func (e *StepResolutionError) Is(target error) bool { return target == ErrStepResolution }

// StepExecutionError wraps a failure raised by a step's entrypoint.
type StepExecutionError struct {
	Step  string
	Order int
	Err   error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (order %d) failed: %v", e.Step, e.Order, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

// QueryExecutionError carries the engine-provided error text of a failed query.
type QueryExecutionError struct {
	Query string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

func (e *QueryExecutionError) Is(target error) bool { return target == ErrQueryExecution }

// DuplicateKeyError reports primary-key fan-out in an assembled table.
type DuplicateKeyError struct {
	Table      string
	Keys       []string
	Duplicates int64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("table %s: %d duplicated key value(s) over (%s)",
		e.Table, e.Duplicates, strings.Join(e.Keys, ", "))
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

// ManifestWriteError is raised when the manifest cannot be persisted.
// The materialized table is still valid when this happens.
type ManifestWriteError struct {
	Location string
	Err      error
}

func (e *ManifestWriteError) Error() string {
	return fmt.Sprintf("write manifest to %s: %v", e.Location, e.Err)
}

func (e *ManifestWriteError) Unwrap() error { return e.Err }

func (e *ManifestWriteError) Is(target error) bool { return target == ErrManifestWrite }

// TimeoutError is raised when a run exceeds its wall-clock budget.
type TimeoutError struct {
	Stage string
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run exceeded its time budget during %s: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func formatDiff(added, removed []string) string {
	var b strings.Builder
	if len(added) > 0 {
		b.WriteString("; unexpected: ")
		b.WriteString(strings.Join(added, ", "))
	}
	if len(removed) > 0 {
		b.WriteString("; missing: ")
		b.WriteString(strings.Join(removed, ", "))
	}
	return b.String()
}
