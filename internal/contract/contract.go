// Package contract generates, persists and loads the schema contract: the
// sorted column set of the feature table and its content hash.
//
// A contract is only ever replaced as a whole by Generate. There is no
// operation that edits a published contract.
package contract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oilcast/featurepipe/internal/docstore"
	"github.com/oilcast/featurepipe/pkg/core"
)

// Catalog reads a table's column catalog.
type Catalog interface {
	GetTableMetadata(ctx context.Context, table string) (*core.TableMetadata, error)
}

// Config configures a Store.
type Config struct {
	// Version labels newly generated contracts. Empty derives one from the
	// export time.
	Version string
	// Critical columns recorded in newly generated contracts.
	Critical []string
	Logger   *slog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Store owns the persisted contract document.
type Store struct {
	doc     docstore.Document
	catalog Catalog
	cfg     Config
	logger  *slog.Logger
}

// NewStore creates a contract store over doc. catalog may be nil when the
// store is only used to Load.
func NewStore(doc docstore.Document, catalog Catalog, cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{doc: doc, catalog: catalog, cfg: cfg, logger: logger}
}

// Location returns where the contract is persisted.
func (s *Store) Location() string { return s.doc.Location() }

// Generate introspects source, builds a new contract and persists it,
// replacing any previous contract.
func (s *Store) Generate(ctx context.Context, source core.TableRef) (*core.SchemaContract, error) {
	if s.catalog == nil {
		return nil, errors.New("contract store has no warehouse catalog")
	}

	meta, err := s.catalog.GetTableMetadata(ctx, source.String())
	if err != nil {
		if errors.Is(err, core.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, core.ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: introspect %s: %w", core.ErrSourceUnavailable, source, err)
	}

	columns := Normalize(meta.ColumnNames())
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s has no columns", core.ErrSourceUnavailable, source)
	}

	exportedAt := s.cfg.Now().UTC().Truncate(time.Second)
	version := s.cfg.Version
	if version == "" {
		version = exportedAt.Format("20060102T150405Z")
	}

	c := &core.SchemaContract{
		Version:         version,
		SourceTable:     source.String(),
		ExportedAt:      exportedAt,
		TotalColumns:    len(columns),
		Columns:         columns,
		ContentHash:     HashColumns(columns),
		CriticalColumns: Normalize(s.cfg.Critical),
	}

	var missing []string
	for _, col := range c.CriticalColumns {
		if !c.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: critical column(s) %v are not in %s", core.ErrInvalidConfig, missing, source)
	}

	if err := docstore.WriteJSON(ctx, s.doc, c); err != nil {
		return nil, fmt.Errorf("persist schema contract: %w", err)
	}

	s.logger.Info("schema contract generated",
		slog.String("source", c.SourceTable),
		slog.String("version", c.Version),
		slog.Int("columns", c.TotalColumns),
		slog.String("hash", c.ContentHash),
		slog.String("location", s.doc.Location()))

	return c, nil
}

// Load reads the persisted contract and checks its invariants.
func (s *Store) Load(ctx context.Context) (*core.SchemaContract, error) {
	var c core.SchemaContract
	if err := docstore.ReadJSON(ctx, s.doc, &c); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w at %s; run regenerate-schema-contract first", core.ErrContractMissing, s.doc.Location())
		}
		return nil, fmt.Errorf("%w: %w", core.ErrContractInvalid, err)
	}
	if err := c.Check(HashColumns); err != nil {
		return nil, fmt.Errorf("contract at %s: %w", s.doc.Location(), err)
	}
	return &c, nil
}

// HashColumns returns the hex SHA-256 of the JSON array of the sorted,
// de-duplicated column names. Order of the input does not matter.
func HashColumns(cols []string) string {
	data, _ := json.Marshal(Normalize(cols)) // []string always encodes
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize returns a sorted copy of cols without duplicates.
func Normalize(cols []string) []string {
	out := make([]string, 0, len(cols))
	out = append(out, cols...)
	sort.Strings(out)

	n := 0
	for i, c := range out {
		if i > 0 && c == out[n-1] {
			continue
		}
		out[n] = c
		n++
	}
	return out[:n]
}

// Diff reports the names in actual that are not in expected (added) and the
// names in expected that are not in actual (removed). Both are sorted.
func Diff(expected, actual []string) (added, removed []string) {
	exp := Normalize(expected)
	act := Normalize(actual)
	for _, a := range act {
		if !contains(exp, a) {
			added = append(added, a)
		}
	}
	for _, e := range exp {
		if !contains(act, e) {
			removed = append(removed, e)
		}
	}
	return added, removed
}

func contains(sorted []string, name string) bool {
	i := sort.SearchStrings(sorted, name)
	return i < len(sorted) && sorted[i] == name
}
