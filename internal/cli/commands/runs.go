package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/pkg/core"
)

type runSummary struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect pipeline run history",
	}

	var limit int
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent runs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRunsList(cmd, limit)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its steps and warnings",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}

	cmd.AddCommand(list, show)
	return cmd
}

func summarize(r *core.Run) runSummary {
	return runSummary{
		ID:          r.ID,
		Environment: r.Environment,
		Status:      string(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Stage:       r.Stage,
		ErrorKind:   string(r.ErrorKind),
		Error:       r.Error,
	}
}

func runRunsList(cmd *cobra.Command, limit int) error {
	a, err := openApp(cmd, needs{store: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	runs, err := a.store.ListRuns(limit)
	if err != nil {
		return err
	}
	out := make([]runSummary, len(runs))
	for i, run := range runs {
		out[i] = summarize(run)
	}

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(out)
	}
	r.Header(1, "Runs")
	rows := make([][]any, len(out))
	for i, s := range out {
		duration := "-"
		if s.CompletedAt != nil {
			duration = s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
		}
		rows[i] = []any{s.ID, s.Environment, r.Styles().Status(s.Status).Render(s.Status), s.StartedAt.Local().Format(time.DateTime), duration, s.ErrorKind}
	}
	r.Table([]string{"id", "env", "status", "started", "duration", "failure"}, rows)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, needs{store: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	run, err := a.store.GetRun(args[0])
	if err != nil {
		return err
	}
	stepRuns, err := a.store.GetStepRunsForRun(run.ID)
	if err != nil {
		return err
	}
	warnings, err := a.store.GetWarnings(run.ID)
	if err != nil {
		return err
	}

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(struct {
			runSummary
			Steps    []*core.StepRun   `json:"steps"`
			Warnings []core.RunWarning `json:"warnings"`
		}{summarize(run), stepRuns, warnings})
	}

	r.Header(1, "Run "+run.ID)
	r.KeyValue("environment", run.Environment)
	r.KeyValue("status", string(run.Status))
	r.KeyValue("started", run.StartedAt.Local().Format(time.DateTime))
	if run.Error != "" {
		r.Error(fmt.Sprintf("%s (%s): %s", stageName(run.Stage), run.ErrorKind, run.Error))
	}
	r.Println()

	if len(stepRuns) > 0 {
		r.Header(2, "Steps")
		for _, sr := range stepRuns {
			detail := fmt.Sprintf("%dms", sr.ExecutionMS)
			if sr.Error != "" {
				detail = sr.Error
			}
			r.StatusLine(fmt.Sprintf("%d. %s", sr.StepOrder, sr.StepName), string(sr.Status), detail)
		}
	}
	for _, w := range warnings {
		r.Warning(w.Message)
	}
	return nil
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
