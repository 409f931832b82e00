// Command conductor runs phased deployments of services to environments,
// alone or as a portfolio, with checkpointed resume and rollback.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)

	var exitErr *ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.Err == nil:
		// The command already reported the outcome.
	default:
		fmt.Fprintln(stderr, colorize(color.FgRed, "Error: %v", err))
	}
	return exitCode(err)
}

// =============================================================================
// Root Command
// =============================================================================

// cli is the state shared by every subcommand.
type cli struct {
	configPath string
	noColor    bool

	cfg    *Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Phased deployment orchestration with checkpoints and rollback",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initColors(c.noColor)
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := LoadConfig(c.configPath)
			if err != nil {
				return configError("load config", err)
			}
			c.cfg = cfg
			c.logger = SetupLogger(cfg, c.stderr)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to config file")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newDeployCommand(c),
		newPortfolioCommand(c),
		newStatusCommand(c),
		newCapabilitiesCommand(c),
		newServeCommand(c),
		newVersionCommand(c),
	)
	return root
}

func newVersionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.stdout, "conductor %s (built %s)\n", Version, BuildTime)
		},
	}
}
