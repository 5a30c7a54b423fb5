package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/pkg/core"
)

type seedResult struct {
	Table string `json:"table"`
	File  string `json:"file"`
	Rows  int64  `json:"rows"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load CSV files from the seeds directory into the warehouse",
		Long: `Load every CSV under the seeds directory as a table, replacing it if it
exists. seeds/raw/zl_daily.csv becomes raw.zl_daily; files directly in the
seeds directory go to the target schema.`,
		Args: cobra.NoArgs,
		RunE: runSeed,
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(cmd, needs{warehouse: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	files, err := seedFiles(a.cfg.SeedsDir)
	if err != nil {
		return err
	}

	schemas := make(map[string]bool)
	results := make([]seedResult, 0, len(files))
	for _, f := range files {
		table := seedTable(a.cfg.SeedsDir, f).WithSchema(a.cfg.Target.Schema)
		if !schemas[table.Schema] {
			if err := a.wh.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+table.Schema); err != nil {
				return fmt.Errorf("create schema %s: %w", table.Schema, err)
			}
			schemas[table.Schema] = true
		}
		if err := a.wh.LoadCSV(ctx, table.String(), f); err != nil {
			return fmt.Errorf("seed %s: %w", f, err)
		}
		n, err := a.wh.QueryInt64(ctx, "SELECT COUNT(*) FROM "+table.String())
		if err != nil {
			return err
		}
		a.logger.Info("seeded table", "table", table.String(), "rows", n)
		results = append(results, seedResult{Table: table.String(), File: f, Rows: n})
	}

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(results)
	}
	if len(results) == 0 {
		r.Warning("no CSV files in " + a.cfg.SeedsDir)
		return nil
	}
	for _, res := range results {
		r.Success(fmt.Sprintf("%s (%d rows)", res.Table, res.Rows))
	}
	return nil
}

func seedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".csv") {
			files = append(files, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seeds directory: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// seedTable names the table for a seed file: the first directory below the
// seeds root is the schema.
func seedTable(root, path string) core.TableRef {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel)))
	schema, name, ok := strings.Cut(rel, "/")
	if !ok {
		return core.TableRef{Name: rel}
	}
	return core.TableRef{Schema: schema, Name: strings.ReplaceAll(name, "/", "_")}
}
