// Package materialize publishes a validated feature table and records its
// provenance manifest.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oilcast/featurepipe/internal/docstore"
	"github.com/oilcast/featurepipe/pkg/core"
)

// Warehouse is the subset of the warehouse client the materializer needs.
type Warehouse interface {
	Exec(ctx context.Context, sql string) error
	GetTableMetadata(ctx context.Context, table string) (*core.TableMetadata, error)
	TableStats(ctx context.Context, table, dateColumn string) (*core.TableStats, error)
	CreateOrReplaceTable(ctx context.Context, table, query string) error
}

// Config configures a Materializer.
type Config struct {
	// Output is the canonical published table.
	Output core.TableRef
	// DateColumn is used for the manifest's latest_date. Empty leaves it null.
	DateColumn string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Materializer writes the output table and its manifest.
type Materializer struct {
	wh       Warehouse
	manifest docstore.Document
	cfg      Config
	logger   *slog.Logger
}

// New returns a materializer. manifest is where the manifest document lives.
func New(wh Warehouse, manifest docstore.Document, cfg Config) *Materializer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Materializer{wh: wh, manifest: manifest, cfg: cfg, logger: logger}
}

// Output returns the canonical output table.
func (m *Materializer) Output() core.TableRef { return m.cfg.Output }

// Materialize replaces the output table with the contents of source.
// Callers must only pass a source that has passed validation.
func (m *Materializer) Materialize(ctx context.Context, source core.TableRef) (core.TableRef, error) {
	out := m.cfg.Output
	if err := m.replace(ctx, out, source); err != nil {
		return core.TableRef{}, err
	}
	m.logger.Info("materialized", "source", source.String(), "table", out.String())
	return out, nil
}

// Snapshot copies the output table to a dated history table named
// <table>__<YYYYMMDD>_<run id prefix>. The canonical table is unaffected.
func (m *Materializer) Snapshot(ctx context.Context, runID string) (core.TableRef, error) {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	snap := m.cfg.Output
	snap.Name = fmt.Sprintf("%s__%s_%s", snap.Name, m.cfg.Now().UTC().Format("20060102"), short)

	if err := m.replace(ctx, snap, m.cfg.Output); err != nil {
		return core.TableRef{}, err
	}
	m.logger.Debug("history snapshot written", "table", snap.String())
	return snap, nil
}

func (m *Materializer) replace(ctx context.Context, dst, src core.TableRef) error {
	if dst.Schema != "" {
		if err := m.wh.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+dst.Schema); err != nil {
			return fmt.Errorf("create schema %s: %w", dst.Schema, err)
		}
	}
	if err := m.wh.CreateOrReplaceTable(ctx, dst.String(), "SELECT * FROM "+src.String()); err != nil {
		return fmt.Errorf("materialize %s from %s: %w", dst, src, err)
	}
	return nil
}

// Meta is the provenance that does not come from the table itself.
type Meta struct {
	ContractVersion string
	ContentHash     string
	RunID           string
	Warnings        int
}

// WriteManifest reads the row count, latest date and columns of table and
// writes the manifest document. A failed write returns a ManifestWriteError
// and leaves the table in place.
func (m *Materializer) WriteManifest(ctx context.Context, table core.TableRef, meta Meta) (*core.Manifest, error) {
	stats, err := m.wh.TableStats(ctx, table.String(), m.cfg.DateColumn)
	if err != nil {
		return nil, fmt.Errorf("read stats of %s: %w", table, err)
	}
	md, err := m.wh.GetTableMetadata(ctx, table.String())
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}

	manifest := &core.Manifest{
		RefreshedAt:     m.cfg.Now().UTC(),
		Rows:            stats.Rows,
		LatestDate:      stats.LatestDate,
		Columns:         md.ColumnNames(),
		Table:           table.String(),
		ContractVersion: meta.ContractVersion,
		ContentHash:     meta.ContentHash,
		RunID:           meta.RunID,
		Warnings:        meta.Warnings,
	}

	if err := docstore.WriteJSON(ctx, m.manifest, manifest); err != nil {
		return nil, &core.ManifestWriteError{Location: m.manifest.Location(), Err: err}
	}

	m.logger.Info("manifest written",
		"location", m.manifest.Location(),
		"rows", manifest.Rows,
		"columns", len(manifest.Columns))
	return manifest, nil
}

// LoadManifest reads the current manifest.
func (m *Materializer) LoadManifest(ctx context.Context) (*core.Manifest, error) {
	return LoadManifest(ctx, m.manifest)
}

// LoadManifest reads the manifest stored in doc.
func LoadManifest(ctx context.Context, doc docstore.Document) (*core.Manifest, error) {
	var manifest core.Manifest
	if err := docstore.ReadJSON(ctx, doc, &manifest); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w at %s", core.ErrManifestMissing, doc.Location())
		}
		return nil, fmt.Errorf("read manifest %s: %w", doc.Location(), err)
	}
	return &manifest, nil
}
