// Package validate checks an assembled feature table against the schema
// contract.
//
// Checks run in a fixed order and stop at the first hard failure: column
// count, column-identity hash, critical-column presence. Null values in
// critical columns never fail validation; they are collected as warnings.
package validate

import (
	"context"
	"fmt"
	"sort"

	"github.com/oilcast/featurepipe/internal/contract"
	"github.com/oilcast/featurepipe/pkg/core"
)

// Stage is a validation state.
type Stage string

// Validation states. Every *_FAIL state is terminal and comes with an error.
const (
	StagePending     Stage = "PENDING"
	StageCountOK     Stage = "COUNT_OK"
	StageCountFail   Stage = "COUNT_FAIL"
	StageHashOK      Stage = "HASH_OK"
	StageHashFail    Stage = "HASH_FAIL"
	StagePresentOK   Stage = "PRESENT_OK"
	StagePresentFail Stage = "PRESENT_FAIL"
	StageValidated   Stage = "VALIDATED"
)

// Warning is a non-blocking finding.
type Warning = core.RunWarning

// Input is what Validate checks.
type Input struct {
	// Columns of the assembled table.
	Columns  []string
	Contract *core.SchemaContract
	// Critical columns in addition to the contract's own.
	Critical []string
	// Nulls counts null critical values. Nil skips the nullness check.
	Nulls NullSource
}

// Result is the outcome of Validate.
type Result struct {
	Stage    Stage
	Hash     string
	Warnings []Warning
}

// Validate runs the checks in order. On a hard failure the returned Result
// carries the failing stage alongside the error.
func Validate(ctx context.Context, in Input) (*Result, error) {
	res := &Result{Stage: StagePending}
	if in.Contract == nil {
		return res, fmt.Errorf("%w: no contract to validate against", core.ErrContractMissing)
	}

	actual := contract.Normalize(in.Columns)
	added, removed := contract.Diff(in.Contract.Columns, actual)

	if len(actual) != in.Contract.TotalColumns {
		res.Stage = StageCountFail
		return res, &core.ColumnCountMismatchError{
			Expected: in.Contract.TotalColumns,
			Actual:   len(actual),
			Added:    added,
			Removed:  removed,
		}
	}
	res.Stage = StageCountOK

	res.Hash = contract.HashColumns(actual)
	if res.Hash != in.Contract.ContentHash {
		res.Stage = StageHashFail
		return res, &core.SchemaHashMismatchError{
			Expected: in.Contract.ContentHash,
			Actual:   res.Hash,
			Added:    added,
			Removed:  removed,
		}
	}
	res.Stage = StageHashOK

	critical := criticalSet(in.Contract.CriticalColumns, in.Critical)
	present := make(map[string]bool, len(actual))
	for _, c := range actual {
		present[c] = true
	}
	var missing []string
	for _, c := range critical {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		res.Stage = StagePresentFail
		return res, &core.MissingCriticalFeatureError{Columns: missing}
	}
	res.Stage = StagePresentOK

	if in.Nulls != nil && len(critical) > 0 {
		counts, err := in.Nulls.CountNulls(ctx, critical)
		if err != nil {
			return res, fmt.Errorf("count critical nulls: %w", err)
		}
		for _, c := range critical {
			if n := counts[c]; n > 0 {
				res.Warnings = append(res.Warnings, Warning{
					Column:    c,
					NullCount: n,
					Message:   fmt.Sprintf("critical column %s is null in %d row(s)", c, n),
				})
			}
		}
	}

	res.Stage = StageValidated
	return res, nil
}

func criticalSet(sets ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range sets {
		for _, c := range s {
			if c != "" && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}
