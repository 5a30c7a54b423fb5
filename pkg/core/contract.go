package core

import (
	"fmt"
	"sort"
	"time"
)

// SchemaContract is the agreed-upon column identity of a feature table.
// It is regenerated as a whole and never edited in place.
type SchemaContract struct {
	Version         string    `json:"version"`
	SourceTable     string    `json:"source_table"`
	ExportedAt      time.Time `json:"exported_at"`
	TotalColumns    int       `json:"total_columns"`
	Columns         []string  `json:"columns"`
	ContentHash     string    `json:"content_hash"`
	CriticalColumns []string  `json:"critical_columns,omitempty"`
}

// Check verifies the structural invariants of a loaded contract.
// hash is the column-hash function used at generation time.
func (c *SchemaContract) Check(hash func([]string) string) error {
	if c.TotalColumns != len(c.Columns) {
		return fmt.Errorf("%w: total_columns=%d but %d columns listed",
			ErrContractInvalid, c.TotalColumns, len(c.Columns))
	}
	if !sort.StringsAreSorted(c.Columns) {
		return fmt.Errorf("%w: columns are not sorted", ErrContractInvalid)
	}
	if got := hash(c.Columns); got != c.ContentHash {
		return fmt.Errorf("%w: content_hash %s does not match columns (%s)",
			ErrContractInvalid, c.ContentHash, got)
	}
	return nil
}

// HasColumn reports whether name is part of the contract.
func (c *SchemaContract) HasColumn(name string) bool {
	i := sort.SearchStrings(c.Columns, name)
	return i < len(c.Columns) && c.Columns[i] == name
}
