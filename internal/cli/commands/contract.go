package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/assembler"
	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/pkg/core"
)

// NewContractCommand creates the contract command group.
func NewContractCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect or regenerate the schema contract",
	}
	cmd.AddCommand(newRegenerateCommand("regenerate"))
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active schema contract",
		Args:  cobra.NoArgs,
		RunE:  runContractShow,
	})
	return cmd
}

// NewRegenerateSchemaContractCommand creates the top-level
// regenerate-schema-contract command.
func NewRegenerateSchemaContractCommand() *cobra.Command {
	return newRegenerateCommand("regenerate-schema-contract")
}

func newRegenerateCommand(use string) *cobra.Command {
	var (
		source string
		build  bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: "Regenerate the schema contract from the assembled table",
		Long: `Read the column catalog of the source table and replace the schema contract
with its sorted column list and content hash.

With --build the steps run first, so a new project can create its first
contract from the table they assemble.

Exits with status 3 when the source table cannot be reached, 1 on any other
error. A failed regeneration leaves the previous contract untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRegenerate(cmd, source, build)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Table to read (default contract.source_table or pipeline.assembled_table)")
	cmd.Flags().BoolVar(&build, "build", false, "Run the steps before reading the table")
	return cmd
}

func runRegenerate(cmd *cobra.Command, source string, build bool) error {
	err := regenerate(cmd, source, build)
	if errors.Is(err, core.ErrSourceUnavailable) {
		return &ExitError{Code: ExitSourceUnavailable, Err: err}
	}
	return err
}

func regenerate(cmd *cobra.Command, source string, build bool) error {
	a, err := openApp(cmd, needs{warehouse: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if build {
		if err := a.buildSteps(cmd.Context()); err != nil {
			return err
		}
	}

	if source == "" {
		source = a.cfg.ContractSource()
	}
	c, err := a.contracts.Generate(cmd.Context(), core.ParseTableRef(source))
	if err != nil {
		return err
	}

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(c)
	}
	r.Success("schema contract written to " + a.contracts.Location())
	renderContract(r, c, false)
	return nil
}

// buildSteps runs every step once outside a pipeline run. Nothing is
// validated or published.
func (a *app) buildSteps(ctx context.Context) error {
	asm := assembler.New(a.wh, assembler.Config{DefaultSchema: a.cfg.Target.Schema, Logger: a.logger})
	cat, err := a.catalog(asm)
	if err != nil {
		return err
	}
	if err := cat.Check(a.cfg.Pipeline.Sources); err != nil {
		return err
	}
	_, err = cat.RunAll(ctx, steps.Hooks{})
	return err
}

func runContractShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, needs{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	c, err := a.contracts.Load(cmd.Context())
	if err != nil {
		return err
	}

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(c)
	}
	renderContract(r, c, true)
	return nil
}

func renderContract(r *output.Renderer, c *core.SchemaContract, withColumns bool) {
	r.Header(1, "Schema contract")
	r.KeyValue("version", c.Version)
	r.KeyValue("source", c.SourceTable)
	r.KeyValue("exported", c.ExportedAt.Format(time.RFC3339))
	r.KeyValue("columns", c.TotalColumns)
	r.KeyValue("hash", c.ContentHash)
	if !withColumns {
		return
	}
	r.Println()

	critical := make(map[string]bool, len(c.CriticalColumns))
	for _, col := range c.CriticalColumns {
		critical[col] = true
	}
	rows := make([][]any, len(c.Columns))
	for i, col := range c.Columns {
		mark := ""
		if critical[col] {
			mark = "critical"
		}
		rows[i] = []any{col, mark}
	}
	r.Table([]string{"column", ""}, rows)
}
