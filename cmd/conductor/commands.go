package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/orchestrator"
	"github.com/artpar/conductor/internal/shell/store"
)

// statusExit turns a finished execution into the command result.
func statusExit(op string, s domain.ExecutionStatus) error {
	switch s {
	case domain.StatusSucceeded:
		return nil
	case domain.StatusRolledBack:
		return &ExitError{Op: op, ExitCode: ExitRolledBack}
	case domain.StatusCancelled:
		return &ExitError{Op: op, ExitCode: ExitCancelled}
	default:
		return &ExitError{Op: op, ExitCode: ExitFailed}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// deploy
// =============================================================================

type deployOptions struct {
	profile         string
	service         string
	environment     string
	address         string
	remote          bool
	continueOnError bool
	executionID     string
	enable          []string
	disable         []string
	settings        []string
	secrets         []string
	jsonOutput      bool
}

func newDeployCommand(c *cli) *cobra.Command {
	o := &deployOptions{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy one service to one environment",
		Long: `Run initialization, validation, prepare, deploy, verify and monitor for one
target. Every phase is checkpointed; re-running with the same --execution-id
resumes after the last completed phase.`,
		Example: `  conductor deploy --service api --env staging --remote --set health_url=https://api.example.dev/health
  conductor deploy --profile enterprise --service api --env production --set regions=us-east-1,eu-west-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("profile") {
				o.profile = c.cfg.Pipeline.Profile
			}
			return runDeploy(cmd, c, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.profile, "profile", "p", "single", "Profile: single, portfolio or enterprise")
	f.StringVarP(&o.service, "service", "s", "", "Service to deploy")
	f.StringVarP(&o.environment, "env", "e", "", "Target environment")
	f.StringVarP(&o.address, "target", "t", "", "Host running the platform CLI (local:// or ssh://user@host:port)")
	f.BoolVar(&o.remote, "remote", false, "Deploy to the remote platform instead of the local emulator")
	f.BoolVar(&o.continueOnError, "continue-on-error", false, "Keep running phases after a failure and skip rollback")
	f.StringVar(&o.executionID, "execution-id", "", "Resume or name the execution")
	f.StringSliceVar(&o.enable, "enable", nil, "Enable capabilities on top of the profile's set")
	f.StringSliceVar(&o.disable, "disable", nil, "Disable capabilities from the profile's set")
	f.StringArrayVar(&o.settings, "set", nil, "Execution setting key=value (repeatable)")
	f.StringSliceVar(&o.secrets, "secret", nil, "Secret names to provision; missing values are generated")
	f.BoolVar(&o.jsonOutput, "json", false, "Print the execution as JSON")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func runDeploy(cmd *cobra.Command, c *cli, o *deployOptions) error {
	reg, err := buildRegistry(o.profile, o.enable, o.disable)
	if err != nil {
		return err
	}
	settings, err := parseSettings(o.settings)
	if err != nil {
		return err
	}
	if names := splitNames(o.secrets); len(names) > 0 {
		settings[orchestrator.ConfigSecrets] = toAny(names)
	}

	rt, err := newRuntime(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	deps, err := rt.deps()
	if err != nil {
		return err
	}
	hooks, err := orchestrator.NewProfile(o.profile, deps)
	if err != nil {
		return configError("profile", err)
	}
	p, err := rt.pipeline(hooks, reg, o.profile)
	if err != nil {
		return err
	}

	exec, err := p.Execute(cmd.Context(), orchestrator.Options{
		ExecutionID:     o.executionID,
		Target:          domain.Target{Service: o.service, Environment: o.environment, Address: o.address},
		IsRemote:        o.remote,
		ContinueOnError: o.continueOnError,
		Secrets:         orchestrator.EnvSecrets{},
		Config:          settings,
	})
	if exec != nil {
		if perr := printResult(c.stdout, exec, o.jsonOutput); perr != nil {
			return perr
		}
	}
	switch {
	case errors.Is(err, orchestrator.ErrExecutionTerminal), errors.Is(err, orchestrator.ErrTargetMismatch):
		return configError("deploy", err)
	case err != nil:
		return storeError("deploy", err)
	}
	return statusExit("deploy", exec.Status)
}

func printResult(w io.Writer, exec *domain.DeploymentExecution, asJSON bool) error {
	if asJSON {
		return writeJSON(w, exec)
	}
	return printExecution(w, exec)
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// =============================================================================
// portfolio
// =============================================================================

type portfolioOptions struct {
	file            string
	profile         string
	concurrency     int
	remote          bool
	continueOnError bool
	executionID     string
	enable          []string
	disable         []string
	jsonOutput      bool
}

func newPortfolioCommand(c *cli) *cobra.Command {
	o := &portfolioOptions{}
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Deploy every target listed in a portfolio file",
		Long: `Deploy each target of the file with its own pipeline, at most --concurrency at
a time. One target's failure does not stop the others. Secrets are
resolved once and shared by every target.`,
		Example: `  conductor portfolio -f targets.yaml --concurrency 4 --remote`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPortfolio(cmd, c, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "Portfolio file (YAML), - for stdin")
	f.StringVarP(&o.profile, "profile", "p", "", "Profile for every target (default: the file's, else portfolio)")
	f.IntVar(&o.concurrency, "concurrency", 0, "Maximum simultaneous executions (default: the file's, else portfolio.concurrency)")
	f.BoolVar(&o.remote, "remote", false, "Deploy to the remote platform instead of the local emulator")
	f.BoolVar(&o.continueOnError, "continue-on-error", false, "Keep running phases after a failure and skip rollback")
	f.StringVar(&o.executionID, "execution-id", "", "Prefix for per-target execution IDs; re-use it to resume")
	f.StringSliceVar(&o.enable, "enable", nil, "Enable capabilities on top of the profile's set")
	f.StringSliceVar(&o.disable, "disable", nil, "Disable capabilities from the profile's set")
	f.BoolVar(&o.jsonOutput, "json", false, "Print the result as JSON")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runPortfolio(cmd *cobra.Command, c *cli, o *portfolioOptions) error {
	pf, err := LoadPortfolioFile(o.file)
	if err != nil {
		return configError("portfolio", err)
	}

	profile := firstNonEmpty(o.profile, pf.Profile, string(capability.ProfilePortfolio))
	concurrency := o.concurrency
	if concurrency <= 0 {
		concurrency = pf.Concurrency
	}
	if concurrency <= 0 {
		concurrency = c.cfg.Portfolio.Concurrency
	}

	reg, err := buildRegistry(profile, o.enable, o.disable)
	if err != nil {
		return err
	}

	rt, err := newRuntime(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	deps, err := rt.deps()
	if err != nil {
		return err
	}
	hooks, err := orchestrator.NewProfile(profile, deps)
	if err != nil {
		return configError("profile", err)
	}

	config := pf.Config
	if config == nil {
		config = make(map[string]any)
	}
	if len(pf.Secrets) > 0 {
		config[orchestrator.ConfigSecrets] = toAny(pf.Secrets)
	}

	coord := orchestrator.NewCoordinator(orchestrator.CoordinatorConfig{
		Concurrency: concurrency,
		Registry:    reg,
		Logger:      c.logger,
	})
	res := coord.Run(cmd.Context(), pf.Targets, func(domain.Target) (*orchestrator.Pipeline, error) {
		return rt.pipeline(hooks, reg, profile)
	}, orchestrator.Options{
		ExecutionID:     o.executionID,
		IsRemote:        o.remote,
		ContinueOnError: o.continueOnError,
		Secrets:         orchestrator.NewSecretPool(orchestrator.EnvSecrets{}, pf.Secrets...),
		Config:          config,
	})

	if o.jsonOutput {
		if err := writeJSON(c.stdout, res); err != nil {
			return err
		}
	} else if err := printPortfolio(c.stdout, res); err != nil {
		return err
	}
	return portfolioExit(res)
}

// portfolioExit reports the worst outcome across targets.
func portfolioExit(res orchestrator.PortfolioResult) error {
	switch {
	case res.OK():
		return nil
	case res.Errors > 0:
		return &ExitError{Op: "portfolio", ExitCode: ExitStoreError}
	case res.Failed > 0:
		return &ExitError{Op: "portfolio", ExitCode: ExitFailed}
	case res.RolledBack > 0:
		return &ExitError{Op: "portfolio", ExitCode: ExitRolledBack}
	case res.Cancelled > 0:
		return &ExitError{Op: "portfolio", ExitCode: ExitCancelled}
	default:
		return &ExitError{Op: "portfolio", ExitCode: ExitFailed}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// status
// =============================================================================

func newStatusCommand(c *cli) *cobra.Command {
	var (
		jsonOutput bool
		limit      int
		status     string
	)
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution, or list recent executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 0 {
				return listExecutions(cmd, c, s, limit, status, jsonOutput)
			}

			exec, err := s.GetExecution(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return configError("status", fmt.Errorf("no execution %q", args[0]))
			}
			if err != nil {
				return storeError("status", err)
			}
			if err := printResult(c.stdout, exec, jsonOutput); err != nil {
				return err
			}
			if exec.Status.Terminal() {
				return statusExit("status", exec.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "Executions to list")
	cmd.Flags().StringVar(&status, "status", "", "Only list executions with this status")
	return cmd
}

func listExecutions(cmd *cobra.Command, c *cli, s store.Store, limit int, status string, asJSON bool) error {
	opts := store.DefaultListOptions()
	opts.Limit = limit
	opts.Status = domain.ExecutionStatus(status)
	execs, err := s.ListExecutions(cmd.Context(), opts.Normalize())
	if err != nil {
		return storeError("status", err)
	}
	if asJSON {
		return writeJSON(c.stdout, execs)
	}
	if len(execs) == 0 {
		fmt.Fprintln(c.stdout, "No executions found.")
		return nil
	}
	data := make([][]string, 0, len(execs))
	for _, e := range execs {
		data = append(data, []string{
			e.ID,
			e.Target.String(),
			e.Profile,
			colorize(statusColor(e.Status), "%s", e.Status),
			e.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return renderTable(c.stdout, []string{"ID", "Target", "Profile", "Status", "Updated"}, data)
}

// =============================================================================
// capabilities
// =============================================================================

func newCapabilitiesCommand(c *cli) *cobra.Command {
	var (
		profile    string
		enable     []string
		disable    []string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List the capability catalog and what a profile enables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profile == "" {
				profile = c.cfg.Pipeline.Profile
			}
			reg, err := buildRegistry(profile, enable, disable)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(c.stdout, reg.Report())
			}
			return printCapabilities(c.stdout, reg)
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Profile: single, portfolio or enterprise")
	cmd.Flags().StringSliceVar(&enable, "enable", nil, "Also enable these capabilities")
	cmd.Flags().StringSliceVar(&disable, "disable", nil, "Disable these capabilities")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	return cmd
}
