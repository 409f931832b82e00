package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/command"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/core/monitoring"
	coreprovider "github.com/artpar/conductor/internal/core/provider"
	"github.com/artpar/conductor/internal/core/retry"
	"github.com/artpar/conductor/internal/core/rollback"
	"github.com/artpar/conductor/internal/shell/executor"
	"github.com/artpar/conductor/internal/shell/health"
	"github.com/artpar/conductor/internal/shell/provider"
)

// DefaultBackupCron is the disaster-recovery schedule when none is configured.
const DefaultBackupCron = "0 */6 * * *"

// =============================================================================
// Dependencies
// =============================================================================

// HealthSettings tune the verify and monitor phases.
type HealthSettings struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Samples     int           `mapstructure:"samples"`
	Interval    time.Duration `mapstructure:"interval"`
	SlowLatency time.Duration `mapstructure:"slow_latency"`
}

// DefaultHealthSettings returns the settings used for zero fields.
func DefaultHealthSettings() HealthSettings {
	return HealthSettings{
		Timeout:  10 * time.Second,
		Samples:  3,
		Interval: 2 * time.Second,
	}
}

// Deps are the collaborators the stock profiles run phases with.
type Deps struct {
	Commands command.Builder

	// BackendFor resolves the runner for a target. When nil, Backend is
	// used for every target.
	BackendFor func(domain.Target) (executor.Backend, error)
	Backend    executor.Backend

	Checker health.Checker
	Regions provider.RegionLister

	// Retry applies to transient backend and health-check errors. A zero
	// policy means retry.DefaultPolicy.
	Retry  retry.Policy
	Health HealthSettings
	Logger *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Commands.Binary == "" {
		d.Commands = command.NewBuilder("", d.Commands.Database)
	}
	if d.Checker == nil {
		d.Checker = health.NewHTTPChecker(nil, d.Logger)
	}
	if d.Regions == nil {
		d.Regions = provider.StaticLister{Regions: coreprovider.AWSRegions()}
	}
	if d.Retry.MaxRetries == 0 && d.Retry.BaseDelay == 0 && d.Retry.Sleep == nil {
		d.Retry = retry.DefaultPolicy()
	}
	def := DefaultHealthSettings()
	if d.Health.Timeout <= 0 {
		d.Health.Timeout = def.Timeout
	}
	if d.Health.Samples <= 0 {
		d.Health.Samples = def.Samples
	}
	if d.Health.Interval < 0 {
		d.Health.Interval = 0
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// =============================================================================
// Profiles
// =============================================================================

// SingleProfile deploys one service to one environment.
type SingleProfile struct{ standardHooks }

// PortfolioProfile deploys one of many targets coordinated by a portfolio
// run, sharing generated secrets through a SecretPool.
type PortfolioProfile struct{ standardHooks }

// EnterpriseProfile adds compliance, backups, multi-region replication and
// disaster recovery. Degraded health fails production deployments.
type EnterpriseProfile struct{ standardHooks }

// NewSingleProfile creates the single-target profile.
func NewSingleProfile(deps Deps) *SingleProfile {
	return &SingleProfile{newStandardHooks(capability.ProfileSingle, deps)}
}

// NewPortfolioProfile creates the portfolio profile.
func NewPortfolioProfile(deps Deps) *PortfolioProfile {
	return &PortfolioProfile{newStandardHooks(capability.ProfilePortfolio, deps)}
}

// NewEnterpriseProfile creates the enterprise profile.
func NewEnterpriseProfile(deps Deps) *EnterpriseProfile {
	h := newStandardHooks(capability.ProfileEnterprise, deps)
	h.strictInProduction = true
	return &EnterpriseProfile{h}
}

// NewProfile creates the profile named name.
func NewProfile(name string, deps Deps) (Hooks, error) {
	p, err := capability.ParseProfile(name)
	if err != nil {
		return nil, err
	}
	switch p {
	case capability.ProfileSingle:
		return NewSingleProfile(deps), nil
	case capability.ProfilePortfolio:
		return NewPortfolioProfile(deps), nil
	default:
		return NewEnterpriseProfile(deps), nil
	}
}

// =============================================================================
// Standard Hooks
// =============================================================================

// standardHooks implements every phase in terms of the enabled
// capabilities. It holds no per-execution state, so one value may serve
// concurrent pipelines.
type standardHooks struct {
	profile            capability.Profile
	deps               Deps
	strictInProduction bool
}

func newStandardHooks(p capability.Profile, deps Deps) standardHooks {
	return standardHooks{profile: p, deps: deps.withDefaults()}
}

// Profile returns the profile the hooks implement.
func (h *standardHooks) Profile() capability.Profile {
	return h.profile
}

// ---- initialize ----

func (h *standardHooks) OnInitialize(ctx context.Context, s *Scope) (map[string]any, error) {
	ec := s.Context()
	if err := ec.Target.Validate(); err != nil {
		return nil, err
	}
	if _, err := h.backend(ec.Target); err != nil {
		return nil, err
	}

	out := map[string]any{
		"target":       ec.Target.String(),
		"profile":      string(h.profile),
		"scope":        command.ScopeOf(ec.IsRemote, ec.Target.Environment).String(),
		"capabilities": ec.Capabilities.Names(),
	}

	if _, err := s.Capability(ctx, capability.SecretGeneration, func(ctx context.Context) error {
		secrets, err := ec.Secrets(ctx)
		if err != nil {
			return err
		}
		out["secrets"] = sortedKeys(secrets)
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.SecretCoordination, func(ctx context.Context) error {
		if !ec.SharedSecrets() {
			s.Logger().Warn("secret coordination enabled without a shared pool, secrets are per target")
		}
		out["shared_secrets"] = ec.SharedSecrets()
		return nil
	}); err != nil {
		return out, err
	}
	return out, nil
}

// ---- validate ----

func (h *standardHooks) OnValidation(ctx context.Context, s *Scope) (map[string]any, error) {
	ec := s.Context()
	out := map[string]any{}

	if _, err := s.Capability(ctx, capability.BasicValidation, func(ctx context.Context) error {
		if err := ec.Target.Validate(); err != nil {
			return err
		}
		allowed := ec.Capabilities.Strings(capability.BasicValidation, "environments")
		if len(allowed) == 0 {
			allowed = domain.KnownEnvironments()
		}
		for _, env := range allowed {
			if env == ec.Target.Environment {
				out["environment"] = env
				return nil
			}
		}
		return domain.Validationf("environment %q is not one of %s", ec.Target.Environment, strings.Join(allowed, ", "))
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.ComprehensiveValidation, func(ctx context.Context) error {
		res, err := h.run(ctx, s, command.OpVersion, command.Params{})
		if err != nil {
			return fmt.Errorf("platform CLI probe failed: %w", err)
		}
		out["platform_version"] = firstLine(res.Stdout)
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.ComplianceChecks, func(ctx context.Context) error {
		required := ec.Capabilities.Strings(capability.ComplianceChecks, "required_config")
		if len(required) == 0 {
			required = []string{ConfigHealthURL}
		}
		var missing []string
		for _, key := range required {
			if v, ok := ec.config[key]; !ok || v == nil || v == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return domain.Validationf("compliance: missing required config %s", strings.Join(missing, ", "))
		}
		if ec.Target.IsProduction() && !s.Enabled(capability.AuditLogging) {
			return domain.Validationf("compliance: production deployments require %s", capability.AuditLogging)
		}
		out["compliance"] = "passed"
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.MultiRegionReplication, func(ctx context.Context) error {
		regions := coreprovider.Dedupe(ec.ConfigStrings(ConfigRegions))
		if len(regions) == 0 {
			return domain.Validationf("multi-region replication needs at least one region")
		}
		available, err := h.deps.Regions.ListRegions(ctx)
		if err != nil {
			return fmt.Errorf("%w: list regions: %v", domain.ErrTransient, err)
		}
		if err := coreprovider.ValidateRegions(regions, available); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		out["regions"] = regions
		return nil
	}); err != nil {
		return out, err
	}
	return out, nil
}

// ---- prepare ----

func (h *standardHooks) OnPrepare(ctx context.Context, s *Scope) (map[string]any, error) {
	ec := s.Context()
	out := map[string]any{}

	if _, err := s.Capability(ctx, capability.BackupBeforeDeploy, func(ctx context.Context) error {
		if h.deps.Commands.Database == "" {
			out["backup"] = "skipped: no database"
			return nil
		}
		file := h.backupFile(ec)
		if _, err := h.run(ctx, s, command.OpBackup, command.Params{File: file}); err != nil {
			return err
		}
		h.registerRestore(s, file)
		out["backup_file"] = file
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.SecretGeneration, func(ctx context.Context) error {
		secrets, err := ec.Secrets(ctx)
		if err != nil {
			return err
		}
		var put []string
		for _, name := range sortedKeys(secrets) {
			if _, err := h.run(ctx, s, command.OpSecretPut, command.Params{Name: name, Value: secrets[name]}); err != nil {
				out["secrets_put"] = put
				return err
			}
			h.registerSecretDelete(s, name)
			put = append(put, name)
		}
		out["secrets_put"] = put
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.DatabaseMigration, func(ctx context.Context) error {
		if h.deps.Commands.Database == "" {
			out["migrated"] = false
			return nil
		}
		if _, err := h.run(ctx, s, command.OpMigrate, command.Params{}); err != nil {
			return err
		}
		h.registerMigrateRollback(s)
		out["migrated"] = true
		return nil
	}); err != nil {
		return out, err
	}
	return out, nil
}

// ---- deploy ----

func (h *standardHooks) OnDeploy(ctx context.Context, s *Scope) (map[string]any, error) {
	ec := s.Context()
	out := map[string]any{}

	if s.Enabled(capability.MultiRegionReplication) {
		_, err := s.Capability(ctx, capability.MultiRegionReplication, func(ctx context.Context) error {
			var deployed []string
			for _, region := range coreprovider.Dedupe(ec.ConfigStrings(ConfigRegions)) {
				res, err := h.run(ctx, s, command.OpDeploy, command.Params{Region: region})
				if err != nil {
					out["regions_deployed"] = deployed
					return fmt.Errorf("deploy to %s: %w", region, err)
				}
				h.registerPlatformRollback(s, region)
				deployed = append(deployed, region)
				if u := findURL(res.Stdout); u != "" && out["url"] == nil {
					out["url"] = u
				}
			}
			out["regions_deployed"] = deployed
			return nil
		})
		return out, err
	}

	mode := capability.SingleTargetDeploy
	if s.Enabled(capability.MultiTargetCoordination) {
		mode = capability.MultiTargetCoordination
	}
	if !s.Enabled(mode) {
		return out, domain.Validationf("no deployment mode capability is enabled")
	}

	_, err := s.Capability(ctx, mode, func(ctx context.Context) error {
		res, err := h.run(ctx, s, command.OpDeploy, command.Params{})
		if err != nil {
			return err
		}
		h.registerPlatformRollback(s, "")
		out["deployed"] = true
		if u := findURL(res.Stdout); u != "" {
			out["url"] = u
		}
		return nil
	})
	return out, err
}

// ---- verify ----

func (h *standardHooks) OnVerify(ctx context.Context, s *Scope) (map[string]any, error) {
	ec := s.Context()
	out := map[string]any{}

	if _, err := s.Capability(ctx, capability.HealthCheck, func(ctx context.Context) error {
		target, err := h.healthURL(ec)
		if err != nil {
			return err
		}
		res, err := h.check(ctx, s, target)
		if err != nil {
			return err
		}
		out["health_url"] = target
		out["status_code"] = res.StatusCode
		out["latency_ms"] = res.Latency.Milliseconds()
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.IntegrationTesting, func(ctx context.Context) error {
		n, err := h.checkPaths(ctx, s, ec, ec.ConfigStrings(ConfigIntegrationPaths))
		out["integration_checks"] = n
		return err
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.ProductionTesting, func(ctx context.Context) error {
		n, err := h.checkPaths(ctx, s, ec, ec.ConfigStrings(ConfigSmokePaths))
		out["smoke_checks"] = n
		return err
	}); err != nil {
		return out, err
	}
	return out, nil
}

// ---- monitor ----

func (h *standardHooks) OnMonitor(ctx context.Context, s *Scope) (map[string]any, error) {
	ec := s.Context()
	out := map[string]any{}

	var observed *monitoring.Summary
	if _, err := s.Capability(ctx, capability.HealthCheck, func(ctx context.Context) error {
		target, err := h.healthURL(ec)
		if err != nil {
			return err
		}
		hs := h.deps.Health
		samples := health.SampleN(ctx, h.deps.Checker, target, hs.Samples, hs.Interval, hs.Timeout)
		summary := monitoring.Aggregate(samples, monitoring.Thresholds{SlowLatency: hs.SlowLatency})
		out["health"] = string(summary.Status)
		out["samples"] = summary.Samples
		out["failures"] = summary.Failures
		out["avg_latency_ms"] = summary.AvgLatency.Milliseconds()
		observed = &summary

		for _, sm := range samples {
			if !sm.OK {
				s.Logger().Warn("health sample failed", "detail", monitoring.SampleMessage(sm))
			}
		}
		strict := h.strictInProduction && ec.Target.IsProduction()
		if !summary.Acceptable(strict) {
			return fmt.Errorf("%w: deployment is %s (%d of %d samples failed)",
				domain.ErrFatal, summary.Status, summary.Failures, summary.Samples)
		}
		return nil
	}); err != nil {
		return out, err
	}

	// High availability tolerates no failed sample in any environment.
	if _, err := s.Capability(ctx, capability.HighAvailability, func(ctx context.Context) error {
		if observed == nil {
			return fmt.Errorf("%w: high availability needs health samples", domain.ErrValidation)
		}
		if !observed.Acceptable(true) {
			return fmt.Errorf("%w: high availability requires every sample healthy: deployment is %s (%d of %d samples failed)",
				domain.ErrFatal, observed.Status, observed.Failures, observed.Samples)
		}
		out["high_availability"] = "verified"
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.DisasterRecovery, func(ctx context.Context) error {
		if h.deps.Commands.Database == "" {
			out["backup_schedule"] = "skipped: no database"
			return nil
		}
		cron := ec.ConfigString(ConfigBackupCron, DefaultBackupCron)
		if _, err := h.run(ctx, s, command.OpScheduleBackups, command.Params{Cron: cron}); err != nil {
			return err
		}
		out["backup_schedule"] = cron
		return nil
	}); err != nil {
		return out, err
	}

	if _, err := s.Capability(ctx, capability.MultiRegionDatabase, func(ctx context.Context) error {
		var replicas []string
		for _, region := range coreprovider.Dedupe(ec.ConfigStrings(ConfigRegions)) {
			if _, err := h.run(ctx, s, command.OpCreateReplica, command.Params{Region: region}); err != nil {
				out["replicas"] = replicas
				return fmt.Errorf("replica in %s: %w", region, err)
			}
			replicas = append(replicas, region)
		}
		out["replicas"] = replicas
		return nil
	}); err != nil {
		return out, err
	}
	return out, nil
}

// =============================================================================
// Rollback Restoration
// =============================================================================

// RestoreRollback re-registers the compensations recorded in a phase
// output restored from a checkpoint.
func (h *standardHooks) RestoreRollback(s *Scope, result domain.PhaseResult) {
	switch result.Phase {
	case domain.PhasePrepare:
		if file, ok := result.Output["backup_file"].(string); ok && file != "" {
			h.registerRestore(s, file)
		}
		for _, name := range anyStrings(result.Output["secrets_put"]) {
			h.registerSecretDelete(s, name)
		}
		if migrated, _ := result.Output["migrated"].(bool); migrated {
			h.registerMigrateRollback(s)
		}
	case domain.PhaseDeploy:
		if deployed, _ := result.Output["deployed"].(bool); deployed {
			h.registerPlatformRollback(s, "")
		}
		for _, region := range anyStrings(result.Output["regions_deployed"]) {
			h.registerPlatformRollback(s, region)
		}
	}
}

func (h *standardHooks) registerRestore(s *Scope, file string) {
	s.RegisterRollback(rollback.TypeRestoreBackup, "restore database from "+file,
		h.compensate(s.Context(), command.OpRestore, command.Params{File: file}))
}

func (h *standardHooks) registerSecretDelete(s *Scope, name string) {
	s.RegisterRollback(rollback.TypeSecretDelete, "delete secret "+name,
		h.compensate(s.Context(), command.OpSecretDelete, command.Params{Name: name}))
}

func (h *standardHooks) registerMigrateRollback(s *Scope) {
	s.RegisterRollback(rollback.TypeMigrateRollback, "roll back migrations on "+h.deps.Commands.Database,
		h.compensate(s.Context(), command.OpMigrateRollback, command.Params{}))
}

func (h *standardHooks) registerPlatformRollback(s *Scope, region string) {
	if region == "" {
		s.RegisterRollback(rollback.TypePlatformRollback, "roll back deployment of "+s.Context().Target.String(),
			h.compensate(s.Context(), command.OpRollback, command.Params{}))
		return
	}
	s.RegisterRollback(rollback.TypeRegionRollback, "roll back deployment in "+region,
		h.compensate(s.Context(), command.OpRollback, command.Params{Region: region}))
}

// compensate returns a rollback action running op once, without retries.
func (h *standardHooks) compensate(ec *ExecutionContext, op command.Op, p command.Params) func(ctx context.Context) error {
	target, remote := ec.Target, ec.IsRemote
	return func(ctx context.Context) error {
		cmd, err := h.deps.Commands.For(op, remote, target, p)
		if err != nil {
			return err
		}
		backend, err := h.backend(target)
		if err != nil {
			return err
		}
		res, err := backend.Run(ctx, cmd)
		if err != nil {
			return err
		}
		return command.Classify(cmd, res)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (h *standardHooks) backend(t domain.Target) (executor.Backend, error) {
	var (
		b   executor.Backend
		err error
	)
	switch {
	case h.deps.BackendFor != nil:
		b, err = h.deps.BackendFor(t)
	case h.deps.Backend != nil:
		b = h.deps.Backend
	default:
		return nil, fmt.Errorf("%w: no execution backend configured", domain.ErrFatal)
	}
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return b, nil
}

// run builds op for the execution's scope and runs it, retrying
// transient failures under the deps' policy.
func (h *standardHooks) run(ctx context.Context, s *Scope, op command.Op, p command.Params) (command.Result, error) {
	ec := s.Context()
	cmd, err := h.deps.Commands.For(op, ec.IsRemote, ec.Target, p)
	if err != nil {
		return command.Result{}, err
	}
	backend, err := h.backend(ec.Target)
	if err != nil {
		return command.Result{}, err
	}

	var res command.Result
	err = s.Retry(ctx, h.deps.Retry, func(ctx context.Context) error {
		r, err := backend.Run(ctx, cmd)
		if err != nil {
			return err
		}
		res = r
		return command.Classify(cmd, r)
	})
	if err != nil {
		s.Logger().Warn("platform command failed", "command", cmd.String(), "exit_code", res.ExitCode, "error", err)
		return res, err
	}
	s.Logger().Debug("platform command succeeded", "command", cmd.String(), "duration", res.Duration)
	return res, nil
}

// check requests url until it answers 2xx. Non-2xx answers are retried
// like transient errors; exhausting the budget is fatal.
func (h *standardHooks) check(ctx context.Context, s *Scope, target string) (health.Result, error) {
	var res health.Result
	err := s.Retry(ctx, h.deps.Retry, func(ctx context.Context) error {
		r, err := h.deps.Checker.Check(ctx, target, h.deps.Health.Timeout)
		res = r
		if err != nil {
			if errors.Is(err, domain.ErrTimeout) {
				return fmt.Errorf("%w: %w", domain.ErrTransient, err)
			}
			return err
		}
		if !r.OK {
			return fmt.Errorf("%w: %s returned %d", domain.ErrTransient, target, r.StatusCode)
		}
		return nil
	})
	return res, err
}

func (h *standardHooks) checkPaths(ctx context.Context, s *Scope, ec *ExecutionContext, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	base, err := h.healthURL(ec)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range paths {
		target, err := resolvePath(base, p)
		if err != nil {
			return n, err
		}
		if _, err := h.check(ctx, s, target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// healthURL is the configured health URL, or the URL the deploy phase
// reported.
func (h *standardHooks) healthURL(ec *ExecutionContext) (string, error) {
	if u := ec.ConfigString(ConfigHealthURL, ""); u != "" {
		return u, nil
	}
	if u := ec.OutputString(domain.PhaseDeploy, "url"); u != "" {
		return u, nil
	}
	return "", domain.Validationf("health check needs %s or a deployment URL", ConfigHealthURL)
}

func (h *standardHooks) backupFile(ec *ExecutionContext) string {
	if f := ec.ConfigString(ConfigBackupFile, ""); f != "" {
		return f
	}
	return fmt.Sprintf("backup-%s-%s.sql", ec.Target.Service, ec.ExecutionID)
}

func resolvePath(base, path string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", domain.Validationf("invalid health URL %q: %v", base, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", domain.Validationf("invalid check path %q: %v", path, err)
	}
	return b.ResolveReference(ref).String(), nil
}

func findURL(stdout string) string {
	for _, field := range strings.Fields(stdout) {
		if strings.HasPrefix(field, "https://") || strings.HasPrefix(field, "http://") {
			return strings.TrimRight(field, ".,;)")
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// anyStrings reads a string list from a checkpointed output, where JSON
// decoding has turned []string into []any.
func anyStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
