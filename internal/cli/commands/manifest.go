package commands

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/output"
)

// NewManifestCommand creates the manifest command group.
func NewManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the published table manifest",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the manifest of the last published table",
		Args:  cobra.NoArgs,
		RunE:  runManifestShow,
	})
	return cmd
}

func runManifestShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, needs{})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	m, err := a.manifests.LoadManifest(cmd.Context())
	if err != nil {
		return err
	}

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(m)
	}
	r.Header(1, "Manifest")
	r.KeyValue("table", m.Table)
	r.KeyValue("refreshed", m.RefreshedAt.Format(time.RFC3339))
	r.KeyValue("rows", m.Rows)
	if m.LatestDate != nil {
		r.KeyValue("latest date", m.LatestDate.Format(time.DateOnly))
	} else {
		r.KeyValue("latest date", "-")
	}
	r.KeyValue("contract", m.ContractVersion)
	r.KeyValue("hash", m.ContentHash)
	if m.RunID != "" {
		r.KeyValue("run", m.RunID)
	}
	if m.Warnings > 0 {
		r.Warning(pluralize(m.Warnings, "data-quality warning"))
	}
	r.KeyValue("columns", strings.Join(m.Columns, ", "))
	return nil
}
