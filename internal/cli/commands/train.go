package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/internal/training"
)

// NewTrainCommand creates the train command.
func NewTrainCommand() *cobra.Command {
	var horizons []string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one model per forecast horizon from the published table",
		Long: `Train and evaluate one model per configured horizon, reading the table
named in the manifest. Every other horizon's target column is excluded from
the features of each model.

Training is refused when no manifest exists.`,
		Example: `  # Train every configured horizon
  featurepipe train

  # Train only the one-week horizon
  featurepipe train --horizon 1w`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, horizons)
		},
	}
	cmd.Flags().StringSliceVar(&horizons, "horizon", nil, "Train only these horizons (repeatable)")
	return cmd
}

func runTrain(cmd *cobra.Command, only []string) error {
	a, err := openApp(cmd, needs{warehouse: true, store: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	tc := a.cfg.Training
	tc.Logger = a.logger
	tc.Only = only

	runner := training.NewRunner(training.NewSQLBackend(a.wh), a.manifests, a.store, tc)
	runs, trainErr := runner.TrainHorizons(cmd.Context())

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		if err := r.JSON(runs); err != nil {
			return err
		}
		return trainErr
	}

	if len(runs) > 0 {
		r.Header(1, "Training")
		for _, run := range runs {
			detail := run.Model
			if run.Error != "" {
				detail = run.Error
			}
			r.StatusLine(run.Horizon, run.Status, detail)
			if len(run.Metrics) > 0 {
				r.Muted("    " + formatMetrics(run.Metrics))
			}
		}
	}
	return trainErr
}

func formatMetrics(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4g", k, m[k])
	}
	return strings.Join(parts, " ")
}
