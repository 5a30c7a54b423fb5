package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history, the manifest and the contract over HTTP",
		Long: `Start a read-only JSON API over the state store and published documents.

Routes:
  GET /healthz
  GET /api/manifest
  GET /api/contract
  GET /api/steps
  GET /api/runs?limit=N
  GET /api/runs/{id}
  GET /api/training?limit=N`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("watch") {
				cfg.Server.Watch = watch
			}
			return runServe(cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload SQL steps when the steps directory changes")
	return cmd
}

func runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cmd, needs{store: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	srv, err := server.New(server.Config{
		Addr:      a.cfg.Server.Addr,
		Store:     a.store,
		Manifests: a.manifests,
		Contracts: a.contracts,
		Steps:     a.cfg.Steps,
		StepsDir:  a.cfg.StepsDir,
		Watch:     a.cfg.Server.Watch,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	renderer(cmd).Muted("listening on " + a.cfg.Server.Addr)
	return srv.Serve(ctx)
}
