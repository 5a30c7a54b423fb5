package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/config"
	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/internal/steps"
)

type stepInfo struct {
	Order      int      `json:"order"`
	Name       string   `json:"name"`
	Entrypoint string   `json:"entrypoint"`
	Requires   []string `json:"requires,omitempty"`
	Produces   []string `json:"produces,omitempty"`
	Resolved   bool     `json:"resolved"`
}

// NewStepsCommand creates the steps command group.
func NewStepsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Inspect pipeline steps",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List steps in execution order and check their dependencies",
		Args:    cobra.NoArgs,
		RunE:    runStepsList,
	})
	return cmd
}

// inspectRunner binds SQL steps for listing only; nothing is executed.
type inspectRunner struct{}

func (inspectRunner) Assemble(context.Context, *steps.SQLStep) error { return nil }

func runStepsList(cmd *cobra.Command, _ []string) error {
	cfg := configFrom(cmd)
	logger := config.GetLogger(cmd.Context())

	sqlSteps, err := steps.LoadDir(cfg.StepsDir)
	if err != nil {
		return err
	}
	reg := steps.NewRegistry()
	if err := steps.BindSQL(reg, sqlSteps, inspectRunner{}); err != nil {
		return err
	}
	cat := steps.NewCatalog(reg, logger)
	for _, def := range stepDefinitions(cfg, sqlSteps, logger) {
		if err := cat.Register(def); err != nil {
			return err
		}
	}

	infos := make([]stepInfo, 0, cat.Len())
	for _, def := range cat.Ordered() {
		requires, produces := cat.IO(def)
		_, ok := reg.Resolve(def.EntrypointName())
		infos = append(infos, stepInfo{
			Order:      def.Order,
			Name:       def.Name,
			Entrypoint: def.EntrypointName(),
			Requires:   requires,
			Produces:   produces,
			Resolved:   ok,
		})
	}
	checkErr := cat.Check(cfg.Pipeline.Sources)

	r := renderer(cmd)
	if r.EffectiveMode() == output.ModeJSON {
		if err := r.JSON(infos); err != nil {
			return err
		}
		return checkErr
	}

	r.Header(1, "Steps")
	rows := make([][]any, len(infos))
	for i, s := range infos {
		entry := s.Entrypoint
		if !s.Resolved {
			entry += " (unresolved)"
		}
		rows[i] = []any{s.Order, s.Name, entry, strings.Join(s.Requires, ", "), strings.Join(s.Produces, ", ")}
	}
	r.Table([]string{"order", "name", "entrypoint", "requires", "produces"}, rows)

	if checkErr != nil {
		for _, line := range strings.Split(checkErr.Error(), "\n") {
			r.Error(line)
		}
		return checkErr
	}
	if len(cfg.Pipeline.Sources) > 0 {
		r.Success("dependencies satisfied by sources " + strings.Join(cfg.Pipeline.Sources, ", "))
	}
	return nil
}
