package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/command"
	"github.com/artpar/conductor/internal/core/domain"
	coreprovider "github.com/artpar/conductor/internal/core/provider"
	"github.com/artpar/conductor/internal/shell/executor"
	"github.com/artpar/conductor/internal/shell/health"
	"github.com/artpar/conductor/internal/shell/provider"
)

const testHealthURL = "https://api.example.dev/health"

// =============================================================================
// Fakes
// =============================================================================

// fakeBackend records commands. respond may override the result for the
// nth run (1-based) of an op.
type fakeBackend struct {
	mu      sync.Mutex
	cmds    []command.Command
	seen    map[command.Op]int
	respond func(cmd command.Command, n int) (command.Result, bool)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{seen: make(map[command.Op]int)}
}

func (b *fakeBackend) Run(_ context.Context, cmd command.Command) (command.Result, error) {
	b.mu.Lock()
	b.cmds = append(b.cmds, cmd)
	b.seen[cmd.Op]++
	n := b.seen[cmd.Op]
	respond := b.respond
	b.mu.Unlock()

	if respond != nil {
		if res, ok := respond(cmd, n); ok {
			return res, nil
		}
	}
	switch cmd.Op {
	case command.OpVersion:
		return command.Result{Stdout: "platform 3.1.0\n"}, nil
	case command.OpDeploy:
		return command.Result{Stdout: "Deployed to https://api.example.dev.\n"}, nil
	default:
		return command.Result{}, nil
	}
}

func (b *fakeBackend) Ops() []command.Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]command.Op, 0, len(b.cmds))
	for _, c := range b.cmds {
		out = append(out, c.Op)
	}
	return out
}

func (b *fakeBackend) Commands() []command.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]command.Command(nil), b.cmds...)
}

// fakeChecker answers 200 unless status picks another code for the nth
// call (1-based).
type fakeChecker struct {
	mu     sync.Mutex
	urls   []string
	status func(n int) int
}

func (c *fakeChecker) Check(_ context.Context, url string, _ time.Duration) (health.Result, error) {
	c.mu.Lock()
	c.urls = append(c.urls, url)
	n := len(c.urls)
	c.mu.Unlock()

	code := 200
	if c.status != nil {
		code = c.status(n)
	}
	return health.Result{OK: code >= 200 && code < 300, StatusCode: code, Latency: 5 * time.Millisecond}, nil
}

func (c *fakeChecker) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.urls...)
}

func testDeps(b *fakeBackend, c *fakeChecker) Deps {
	return Deps{
		Commands: command.NewBuilder("platform", "app-db"),
		Backend:  b,
		Checker:  c,
		Regions:  provider.StaticLister{Regions: coreprovider.AWSRegions()},
		Retry:    noSleepPolicy(2),
		Health:   HealthSettings{Timeout: time.Second, Samples: 3},
		Logger:   testLogger(),
	}
}

func runProfile(t *testing.T, hooks Hooks, profile capability.Profile, opts Options, mods ...func(*PipelineConfig)) (*domain.DeploymentExecution, *Pipeline) {
	t.Helper()
	reg, err := capability.NewRegistryForProfile(profile)
	require.NoError(t, err)

	cfg := PipelineConfig{Hooks: hooks, Registry: reg, Store: newTestStore(t), Logger: testLogger()}
	for _, m := range mods {
		m(&cfg)
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	exec, err := p.Execute(context.Background(), opts)
	require.NoError(t, err)
	return exec, p
}

func stagingOpts() Options {
	return Options{
		Target:   testTarget,
		IsRemote: true,
		Secrets:  StaticSecrets{"API_KEY": "k3y"},
		Config:   map[string]any{ConfigHealthURL: testHealthURL},
	}
}

// =============================================================================
// NewProfile
// =============================================================================

func TestNewProfile(t *testing.T) {
	deps := testDeps(newFakeBackend(), &fakeChecker{})

	h, err := NewProfile("single", deps)
	require.NoError(t, err)
	assert.IsType(t, &SingleProfile{}, h)

	h, err = NewProfile("portfolio", deps)
	require.NoError(t, err)
	assert.IsType(t, &PortfolioProfile{}, h)

	h, err = NewProfile("enterprise", deps)
	require.NoError(t, err)
	assert.IsType(t, &EnterpriseProfile{}, h)
	assert.Equal(t, capability.ProfileEnterprise, h.(*EnterpriseProfile).Profile())

	_, err = NewProfile("galactic", deps)
	assert.ErrorIs(t, err, capability.ErrUnknownProfile)
}

// =============================================================================
// Single Profile
// =============================================================================

func TestSingleProfile_HappyPath(t *testing.T) {
	backend := newFakeBackend()
	checker := &fakeChecker{}

	exec, p := runProfile(t, NewSingleProfile(testDeps(backend, checker)), capability.ProfileSingle, stagingOpts())

	require.Equal(t, domain.StatusSucceeded, exec.Status, exec.FailureReason)
	assert.Equal(t, []command.Op{command.OpSecretPut, command.OpMigrate, command.OpDeploy}, backend.Ops())
	for _, cmd := range backend.Commands() {
		assert.True(t, cmd.HasFlag("--remote"), cmd.String())
		assert.Equal(t, "staging", cmd.Args[len(cmd.Args)-1], cmd.String())
	}
	assert.Len(t, checker.URLs(), 4)

	initRes, _ := p.PhaseResult(domain.PhaseInitialize)
	assert.Equal(t, "remote/non-production", initRes.Output["scope"])
	assert.Equal(t, []string{"API_KEY"}, initRes.Output["secrets"])

	deploy, _ := p.PhaseResult(domain.PhaseDeploy)
	assert.Equal(t, "https://api.example.dev", deploy.Output["url"])

	monitor, _ := p.PhaseResult(domain.PhaseMonitor)
	assert.Equal(t, "healthy", monitor.Output["health"])
}

func TestSingleProfile_SecretsTravelOnStdin(t *testing.T) {
	backend := newFakeBackend()

	exec, _ := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, stagingOpts())
	require.Equal(t, domain.StatusSucceeded, exec.Status)

	put := backend.Commands()[0]
	require.Equal(t, command.OpSecretPut, put.Op)
	assert.Equal(t, "k3y", put.Stdin)
	assert.NotContains(t, put.Args, "k3y")
	assert.NotContains(t, put.String(), "k3y")
}

func TestSingleProfile_LocalCommandsNeverTargetRemote(t *testing.T) {
	backend := newFakeBackend()
	opts := stagingOpts()
	opts.IsRemote = false
	opts.Target = domain.Target{Service: "api", Environment: domain.EnvProduction}

	exec, _ := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, opts)
	require.Equal(t, domain.StatusSucceeded, exec.Status)

	require.NotEmpty(t, backend.Commands())
	for _, cmd := range backend.Commands() {
		assert.True(t, cmd.HasFlag("--local"), cmd.String())
		assert.False(t, cmd.HasFlag("--remote"), cmd.String())
		assert.False(t, cmd.HasFlag("--env"), cmd.String())
	}
}

func TestSingleProfile_TransientThenSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(cmd command.Command, n int) (command.Result, bool) {
		if cmd.Op == command.OpDeploy && n == 1 {
			return command.Result{ExitCode: 1, Stderr: "service binding not yet propagated"}, true
		}
		return command.Result{}, false
	}

	exec, p := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, stagingOpts())

	assert.Equal(t, domain.StatusSucceeded, exec.Status)
	deploy, _ := p.PhaseResult(domain.PhaseDeploy)
	assert.Equal(t, 1, deploy.Retries)
	assert.Equal(t, []command.Op{command.OpSecretPut, command.OpMigrate, command.OpDeploy, command.OpDeploy}, backend.Ops())
}

func TestSingleProfile_FatalDeployRollsBack(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(cmd command.Command, _ int) (command.Result, bool) {
		if cmd.Op == command.OpDeploy {
			return command.Result{ExitCode: 1, Stderr: "permission denied"}, true
		}
		return command.Result{}, false
	}

	exec, p := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, stagingOpts())

	assert.Equal(t, domain.StatusRolledBack, exec.Status)
	assert.Contains(t, exec.FailureReason, "permission denied")
	assert.Equal(t, []command.Op{
		command.OpSecretPut,
		command.OpMigrate,
		command.OpDeploy,
		command.OpMigrateRollback,
		command.OpSecretDelete,
	}, backend.Ops())
	assert.Equal(t, 2, exec.Rollback.Succeeded)

	deploy, _ := p.PhaseResult(domain.PhaseDeploy)
	assert.Equal(t, 0, deploy.Retries)
}

func TestSingleProfile_RetryBudgetExhausted(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(cmd command.Command, _ int) (command.Result, bool) {
		if cmd.Op == command.OpMigrate {
			return command.Result{ExitCode: 1, Stderr: "rate limit exceeded"}, true
		}
		return command.Result{}, false
	}

	exec, p := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, stagingOpts())

	assert.Equal(t, domain.StatusRolledBack, exec.Status)
	prepare, _ := p.PhaseResult(domain.PhasePrepare)
	assert.Equal(t, 2, prepare.Retries)
	assert.Contains(t, prepare.Error, "gave up after 2 retries")
}

func TestSingleProfile_InvalidTargetFailsInitialize(t *testing.T) {
	backend := newFakeBackend()
	opts := stagingOpts()
	opts.Target = domain.Target{Environment: domain.EnvStaging}

	exec, p := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, opts)

	assert.Equal(t, domain.StatusFailed, exec.Status)
	assert.Empty(t, backend.Ops())
	initRes, _ := p.PhaseResult(domain.PhaseInitialize)
	assert.Contains(t, initRes.Error, "(validation)")
	assert.Equal(t, 0, initRes.Retries)
}

func TestSingleProfile_UnknownEnvironmentFailsValidation(t *testing.T) {
	backend := newFakeBackend()
	opts := stagingOpts()
	opts.Target = domain.Target{Service: "api", Environment: "qa"}

	exec, p := runProfile(t, NewSingleProfile(testDeps(backend, &fakeChecker{})), capability.ProfileSingle, opts)

	assert.Equal(t, domain.StatusFailed, exec.Status)
	assert.Empty(t, backend.Ops())
	validate, _ := p.PhaseResult(domain.PhaseValidate)
	assert.Contains(t, validate.Error, `environment "qa" is not one of`)
}

func TestSingleProfile_SSHTargetWithoutKeyIsRejected(t *testing.T) {
	deps := testDeps(newFakeBackend(), &fakeChecker{})
	pool := executor.NewPool(executor.Config{})
	deps.Backend = nil
	deps.BackendFor = pool.For

	opts := stagingOpts()
	opts.Target.Address = "ssh://deploy@build-host"

	exec, p := runProfile(t, NewSingleProfile(deps), capability.ProfileSingle, opts)

	assert.Equal(t, domain.StatusFailed, exec.Status)
	initRes, _ := p.PhaseResult(domain.PhaseInitialize)
	assert.Contains(t, initRes.Error, "(validation)")
	assert.Contains(t, initRes.Error, "ssh.key_file")
}

func TestSingleProfile_HealthURLFromDeployOutput(t *testing.T) {
	checker := &fakeChecker{}
	opts := stagingOpts()
	opts.Config = nil

	exec, _ := runProfile(t, NewSingleProfile(testDeps(newFakeBackend(), checker)), capability.ProfileSingle, opts)

	require.Equal(t, domain.StatusSucceeded, exec.Status, exec.FailureReason)
	for _, u := range checker.URLs() {
		assert.Equal(t, "https://api.example.dev", u)
	}
}

func TestSingleProfile_DegradedIsAcceptable(t *testing.T) {
	checker := &fakeChecker{status: func(n int) int {
		if n == 3 {
			return 503
		}
		return 200
	}}
	opts := stagingOpts()
	opts.Target.Environment = domain.EnvProduction

	exec, p := runProfile(t, NewSingleProfile(testDeps(newFakeBackend(), checker)), capability.ProfileSingle, opts)

	assert.Equal(t, domain.StatusSucceeded, exec.Status)
	monitor, _ := p.PhaseResult(domain.PhaseMonitor)
	assert.Equal(t, "degraded", monitor.Output["health"])
}

func TestSingleProfile_HighAvailabilityRejectsDegraded(t *testing.T) {
	tests := []struct {
		name   string
		ha     bool
		status domain.ExecutionStatus
	}{
		{"without high availability", false, domain.StatusSucceeded},
		{"with high availability", true, domain.StatusRolledBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &fakeChecker{status: func(n int) int {
				if n == 2 {
					return 503
				}
				return 200
			}}
			reg, err := capability.NewRegistryForProfile(capability.ProfileSingle)
			require.NoError(t, err)
			if tt.ha {
				_, err = reg.Enable(capability.HighAvailability, nil)
				require.NoError(t, err)
			}

			exec, p := runProfile(t, NewSingleProfile(testDeps(newFakeBackend(), checker)), capability.ProfileSingle, stagingOpts(),
				func(cfg *PipelineConfig) { cfg.Registry = reg })

			assert.Equal(t, tt.status, exec.Status, exec.FailureReason)
			monitor, _ := p.PhaseResult(domain.PhaseMonitor)
			assert.Equal(t, "degraded", monitor.Output["health"])
			if tt.ha {
				assert.Contains(t, monitor.Error, "high availability requires every sample healthy")
			} else {
				assert.Nil(t, monitor.Output["high_availability"])
			}
		})
	}
}

func TestSingleProfile_HighAvailabilityPassesWhenHealthy(t *testing.T) {
	reg, err := capability.NewRegistryForProfile(capability.ProfileSingle)
	require.NoError(t, err)
	_, err = reg.Enable(capability.HighAvailability, nil)
	require.NoError(t, err)

	exec, p := runProfile(t, NewSingleProfile(testDeps(newFakeBackend(), &fakeChecker{})), capability.ProfileSingle, stagingOpts(),
		func(cfg *PipelineConfig) { cfg.Registry = reg })

	require.Equal(t, domain.StatusSucceeded, exec.Status, exec.FailureReason)
	monitor, _ := p.PhaseResult(domain.PhaseMonitor)
	assert.Equal(t, "verified", monitor.Output["high_availability"])
}

func TestSingleProfile_UnhealthyFailsMonitor(t *testing.T) {
	checker := &fakeChecker{status: func(n int) int {
		if n == 1 {
			return 200
		}
		return 500
	}}

	exec, p := runProfile(t, NewSingleProfile(testDeps(newFakeBackend(), checker)), capability.ProfileSingle, stagingOpts())

	assert.Equal(t, domain.StatusRolledBack, exec.Status)
	monitor, _ := p.PhaseResult(domain.PhaseMonitor)
	assert.True(t, monitor.Failed())
	assert.Contains(t, monitor.Error, "deployment is unhealthy")
}

func TestSingleProfile_VerifyRetriesNon2xx(t *testing.T) {
	checker := &fakeChecker{status: func(n int) int {
		if n == 1 {
			return 502
		}
		return 200
	}}

	exec, p := runProfile(t, NewSingleProfile(testDeps(newFakeBackend(), checker)), capability.ProfileSingle, stagingOpts())

	assert.Equal(t, domain.StatusSucceeded, exec.Status)
	verify, _ := p.PhaseResult(domain.PhaseVerify)
	assert.Equal(t, 1, verify.Retries)
}

func TestSingleProfile_ResumeRestoresCompensations(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(cmd command.Command, _ int) (command.Result, bool) {
		if cmd.Op == command.OpDeploy {
			return command.Result{ExitCode: 2, Stderr: "invalid configuration"}, true
		}
		return command.Result{}, false
	}

	hooks := NewSingleProfile(testDeps(backend, &fakeChecker{}))
	st := newTestStore(t)
	saveResult(t, st, "exec-restore", succeeded(domain.PhaseInitialize, nil))
	saveResult(t, st, "exec-restore", succeeded(domain.PhaseValidate, nil))
	saveResult(t, st, "exec-restore", succeeded(domain.PhasePrepare, map[string]any{
		"secrets_put": []string{"API_KEY"},
		"migrated":    true,
	}))

	opts := stagingOpts()
	opts.ExecutionID = "exec-restore"
	exec, _ := runProfile(t, hooks, capability.ProfileSingle, opts, func(cfg *PipelineConfig) { cfg.Store = st })

	assert.Equal(t, domain.StatusRolledBack, exec.Status)
	assert.Equal(t, []command.Op{command.OpDeploy, command.OpMigrateRollback, command.OpSecretDelete}, backend.Ops())
}

// =============================================================================
// Enterprise Profile
// =============================================================================

func enterpriseOpts() Options {
	return Options{
		Target:   domain.Target{Service: "api", Environment: domain.EnvProduction},
		IsRemote: true,
		Secrets:  StaticSecrets{"API_KEY": "k3y"},
		Config: map[string]any{
			ConfigHealthURL:  testHealthURL,
			ConfigRegions:    []string{"us-east-1", "eu-west-1", "us-east-1"},
			ConfigSmokePaths: []string{"/smoke"},
		},
	}
}

func TestEnterpriseProfile_HappyPath(t *testing.T) {
	backend := newFakeBackend()
	checker := &fakeChecker{}

	exec, p := runProfile(t, NewEnterpriseProfile(testDeps(backend, checker)), capability.ProfileEnterprise, enterpriseOpts())

	require.Equal(t, domain.StatusSucceeded, exec.Status, exec.FailureReason)
	assert.Equal(t, []command.Op{
		command.OpVersion,
		command.OpBackup,
		command.OpSecretPut,
		command.OpMigrate,
		command.OpDeploy,
		command.OpDeploy,
		command.OpScheduleBackups,
		command.OpCreateReplica,
		command.OpCreateReplica,
	}, backend.Ops())

	cmds := backend.Commands()
	assert.Equal(t, []string{"deploy", "--region", "us-east-1", "--remote"}, cmds[4].Args)
	assert.Equal(t, []string{"deploy", "--region", "eu-west-1", "--remote"}, cmds[5].Args)
	assert.Contains(t, checker.URLs(), "https://api.example.dev/smoke")

	validate, _ := p.PhaseResult(domain.PhaseValidate)
	assert.Equal(t, "platform 3.1.0", validate.Output["platform_version"])
	assert.Equal(t, "passed", validate.Output["compliance"])

	monitor, _ := p.PhaseResult(domain.PhaseMonitor)
	assert.Equal(t, DefaultBackupCron, monitor.Output["backup_schedule"])
}

func TestEnterpriseProfile_UnknownRegionFailsValidation(t *testing.T) {
	backend := newFakeBackend()
	opts := enterpriseOpts()
	opts.Config[ConfigRegions] = []string{"us-east-1", "mars-1"}

	exec, p := runProfile(t, NewEnterpriseProfile(testDeps(backend, &fakeChecker{})), capability.ProfileEnterprise, opts)

	assert.Equal(t, domain.StatusFailed, exec.Status)
	assert.Equal(t, []command.Op{command.OpVersion}, backend.Ops())
	validate, _ := p.PhaseResult(domain.PhaseValidate)
	assert.Contains(t, validate.Error, "mars-1")
	assert.Contains(t, validate.Error, "(validation)")
}

func TestEnterpriseProfile_ComplianceNeedsHealthURL(t *testing.T) {
	opts := enterpriseOpts()
	delete(opts.Config, ConfigHealthURL)

	exec, p := runProfile(t, NewEnterpriseProfile(testDeps(newFakeBackend(), &fakeChecker{})), capability.ProfileEnterprise, opts)

	assert.Equal(t, domain.StatusFailed, exec.Status)
	validate, _ := p.PhaseResult(domain.PhaseValidate)
	assert.Contains(t, validate.Error, "missing required config health_url")
}

func TestEnterpriseProfile_RegionDeployFailureRollsBackDeployedRegions(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(cmd command.Command, n int) (command.Result, bool) {
		if cmd.Op == command.OpDeploy && n == 2 {
			return command.Result{ExitCode: 1, Stderr: "region capacity exhausted"}, true
		}
		return command.Result{}, false
	}

	exec, _ := runProfile(t, NewEnterpriseProfile(testDeps(backend, &fakeChecker{})), capability.ProfileEnterprise, enterpriseOpts())

	assert.Equal(t, domain.StatusRolledBack, exec.Status)
	assert.Equal(t, []command.Op{
		command.OpVersion,
		command.OpBackup,
		command.OpSecretPut,
		command.OpMigrate,
		command.OpDeploy,
		command.OpDeploy,
		command.OpRollback,
		command.OpMigrateRollback,
		command.OpSecretDelete,
		command.OpRestore,
	}, backend.Ops())

	rb := backend.Commands()[6]
	assert.Equal(t, []string{"rollback", "--region", "us-east-1", "--remote"}, rb.Args)
}

func TestEnterpriseProfile_DegradedFailsInProduction(t *testing.T) {
	checker := &fakeChecker{status: func(n int) int {
		if n == 3 {
			return 503
		}
		return 200
	}}
	opts := stagingOpts()
	opts.Target.Environment = domain.EnvProduction

	exec, p := runProfile(t, NewEnterpriseProfile(testDeps(newFakeBackend(), checker)), capability.ProfileSingle, opts)

	assert.Equal(t, domain.StatusRolledBack, exec.Status)
	monitor, _ := p.PhaseResult(domain.PhaseMonitor)
	assert.Contains(t, monitor.Error, "deployment is degraded")
}
