// Package cli provides the command-line interface for featurepipe.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oilcast/featurepipe/internal/cli/commands"
	"github.com/oilcast/featurepipe/internal/cli/config"
	"github.com/oilcast/featurepipe/internal/cli/output"
	"github.com/oilcast/featurepipe/pkg/core"

	// Register warehouse adapters.
	_ "github.com/oilcast/featurepipe/pkg/adapters/duckdb"
	_ "github.com/oilcast/featurepipe/pkg/adapters/postgres"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var (
		cfgFile    string
		targetFlag string
	)

	rootCmd := &cobra.Command{
		Use:   "featurepipe",
		Short: "featurepipe - feature table pipeline with a schema contract",
		Long: `featurepipe builds the soybean-oil feature table from ordered SQL steps,
validates it against a versioned schema contract and publishes it together
with a manifest that downstream training reads.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Skip config loading for help and completion commands
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}

			cfg, used, err := config.Load(cfgFile, targetFlag, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			mode := output.Mode(cfg.OutputFormat)
			if !mode.Valid() {
				return fmt.Errorf("%w: unknown output format %q", core.ErrInvalidConfig, cfg.OutputFormat)
			}

			level := slog.LevelWarn
			if cfg.Verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			ctx := config.WithConfig(cmd.Context(), cfg)
			ctx = config.WithLogger(ctx, logger)
			ctx = output.WithRenderer(ctx, output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode))
			cmd.SetContext(ctx)

			if used != "" {
				logger.Debug("using config file", "path", used)
			}
			logger.Debug("configuration loaded", "environment", cfg.Environment, "target", cfg.Target.Type)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./featurepipe.yaml)")
	rootCmd.PersistentFlags().StringVarP(&targetFlag, "target", "t", "", "Environment block to apply (e.g., dev, prod)")
	rootCmd.PersistentFlags().String("steps-dir", "", "Path to SQL steps directory")
	rootCmd.PersistentFlags().String("seeds-dir", "", "Path to seeds directory")
	rootCmd.PersistentFlags().String("state", "", "Path to state database")
	rootCmd.PersistentFlags().String("env", "", "Environment name")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format (auto|text|markdown|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"auto", "text", "markdown", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("target", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"dev", "prod"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(commands.NewVersionCommand(Version, GitCommit))
	rootCmd.AddCommand(commands.NewRunCommand(Version))
	rootCmd.AddCommand(commands.NewContractCommand())
	rootCmd.AddCommand(commands.NewRegenerateSchemaContractCommand())
	rootCmd.AddCommand(commands.NewManifestCommand())
	rootCmd.AddCommand(commands.NewStepsCommand())
	rootCmd.AddCommand(commands.NewRunsCommand())
	rootCmd.AddCommand(commands.NewSeedCommand())
	rootCmd.AddCommand(commands.NewTrainCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	return rootCmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return run(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := NewRootCmd()
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return commands.ExitCode(err)
}

// NewCompletionCommand creates the completion command.
func NewCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for featurepipe.

To load completions:

Bash:
  $ source <(featurepipe completion bash)

Zsh:
  $ featurepipe completion zsh > "${fpath[1]}/_featurepipe"

Fish:
  $ featurepipe completion fish | source

PowerShell:
  PS> featurepipe completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
	return cmd
}
