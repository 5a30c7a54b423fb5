package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/internal/pipeline"
	"github.com/oilcast/featurepipe/internal/telemetry"
)

// RunOptions holds options for the run command.
type RunOptions struct {
	SkipSteps  bool
	SourceView string
	Timeout    time.Duration
	JSONOutput bool
}

// NewRunCommand creates the run command.
func NewRunCommand(version string) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build, validate and publish the feature table",
		Long: `Run every configured step in order, validate the assembled table against
the schema contract, then publish it and write the manifest.

The run stops at the first failing step or validation check. Nothing is
published unless every check passes. Null values in critical columns are
reported as warnings and do not stop the run.`,
		Example: `  # Run the pipeline
  featurepipe run

  # Publish an existing view without running the steps
  featurepipe run --skip-steps --source-view legacy.features_v

  # Machine-readable report
  featurepipe run --json`,
		Aliases: []string{"run-pipeline"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts, version)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipSteps, "skip-steps", false, "Publish pipeline.source_view without running steps")
	cmd.Flags().StringVar(&opts.SourceView, "source-view", "", "Table or view to publish with --skip-steps")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Abort the run after this long (default pipeline.timeout)")
	cmd.Flags().BoolVar(&opts.JSONOutput, "json", false, "Print the run report as JSON")

	return cmd
}

func runPipeline(cmd *cobra.Command, opts *RunOptions, version string) error {
	ctx := cmd.Context()
	cfg := configFrom(cmd)
	if cmd.Flags().Changed("skip-steps") {
		cfg.Pipeline.SkipSteps = opts.SkipSteps
	}
	if opts.SourceView != "" {
		cfg.Pipeline.SourceView = opts.SourceView
	}
	if opts.Timeout > 0 {
		cfg.Pipeline.Timeout = opts.Timeout
	}

	a, err := openApp(cmd, needs{warehouse: true, store: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	shutdown, err := setupTelemetry(cmd, a, version)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(ctx) }()

	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}

	report, runErr := p.Run(ctx)

	r := renderer(cmd)
	if opts.JSONOutput || r.EffectiveMode() == output.ModeJSON {
		if err := r.JSON(report); err != nil {
			return err
		}
		return runErr
	}
	renderReport(r, report)
	return runErr
}

func setupTelemetry(cmd *cobra.Command, a *app, version string) (telemetry.ShutdownFunc, error) {
	tc := a.cfg.Telemetry
	tc.ServiceName = "featurepipe"
	tc.Environment = a.cfg.Environment
	tc.Version = version
	tc.Writer = cmd.ErrOrStderr()
	return telemetry.Setup(cmd.Context(), tc, a.logger)
}

func renderReport(r *output.Renderer, rep *pipeline.Report) {
	r.Header(1, "Pipeline run")
	if rep.RunID != "" {
		r.KeyValue("run", rep.RunID)
	}
	r.KeyValue("status", string(rep.Status))
	r.KeyValue("duration", rep.Duration.Round(time.Millisecond))
	if rep.Skipped {
		r.Warning("steps skipped; published the configured source view")
	}
	r.Println()

	if len(rep.Steps) > 0 || len(rep.NotRun) > 0 {
		r.Header(2, "Steps")
		for _, s := range rep.Steps {
			status, detail := "success", s.Duration.Round(time.Millisecond).String()
			if s.Error != "" {
				status, detail = "failed", s.Error
			}
			r.StatusLine(fmt.Sprintf("%d. %s", s.Order, s.Name), status, detail)
		}
		for _, name := range rep.NotRun {
			r.StatusLine(name, "skipped", "not run")
		}
		r.Println()
	}

	if rep.Stage != "" {
		r.KeyValue("validation", string(rep.Stage))
	}
	for _, w := range rep.Warnings {
		r.Warning(w.Message)
	}

	if rep.Error != "" {
		r.Error(fmt.Sprintf("run failed at %s (%s): %s", stageName(rep.ErrorStage), rep.ErrorKind, rep.Error))
		if rep.Retryable {
			r.Muted("the failure was transient; running again may succeed")
		}
		return
	}

	r.Success("published " + rep.Output)
	if m := rep.Manifest; m != nil {
		r.KeyValue("rows", m.Rows)
		if m.LatestDate != nil {
			r.KeyValue("latest date", m.LatestDate.Format(time.DateOnly))
		}
		r.KeyValue("columns", len(m.Columns))
		r.KeyValue("contract", m.ContractVersion)
	}
	if rep.History != "" {
		r.KeyValue("history", rep.History)
	}
	if c := rep.Changes; c != nil && (len(c.Added) > 0 || len(c.Removed) > 0) {
		if len(c.Added) > 0 {
			r.KeyValue("columns added", strings.Join(c.Added, ", "))
		}
		if len(c.Removed) > 0 {
			r.KeyValue("columns removed", strings.Join(c.Removed, ", "))
		}
	}
}

func stageName(s string) string {
	if s == "" {
		return "startup"
	}
	return s
}
