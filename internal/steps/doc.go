// Package steps holds the step catalog: the total order of feature steps,
// the registry that binds step names to executable entrypoints, and the
// loader for SQL steps kept as files under the steps directory.
//
// Steps run strictly one after another in ascending order. A step that
// cannot be resolved or that fails aborts the whole run; later steps never
// execute.
package steps
