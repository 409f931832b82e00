package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/command"
	"github.com/artpar/conductor/internal/core/crypto"
	"github.com/artpar/conductor/internal/core/retry"
	"github.com/artpar/conductor/internal/orchestrator"
	"github.com/artpar/conductor/internal/shell/audit"
	"github.com/artpar/conductor/internal/shell/executor"
	"github.com/artpar/conductor/internal/shell/health"
	"github.com/artpar/conductor/internal/shell/provider"
	"github.com/artpar/conductor/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess     = 0
	ExitConfigError = 1
	ExitFailed      = 2
	ExitRolledBack  = 3
	ExitCancelled   = 4
	ExitStoreError  = 5
)

// ExitError carries the process exit code out of a command.
type ExitError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func configError(op string, err error) error {
	return &ExitError{Op: op, Err: err, ExitCode: ExitConfigError}
}

func storeError(op string, err error) error {
	return &ExitError{Op: op, Err: err, ExitCode: ExitStoreError}
}

// exitCode maps a command error to the process exit code. Errors that
// are not ExitErrors are usage errors reported by cobra.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return ExitConfigError
}

// =============================================================================
// Runtime
// =============================================================================

// runtime holds the collaborators a command runs with.
type runtime struct {
	cfg    *Config
	logger *slog.Logger
	store  store.Store
	pool   *executor.Pool
	sink   audit.Sink
	trail  audit.Sink
}

func newRuntime(cfg *Config, logger *slog.Logger) (*runtime, error) {
	s, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	pool := executor.NewPool(executor.Config{
		CommandTimeout: cfg.Backend.CommandTimeout,
		WorkDir:        cfg.Backend.WorkDir,
		SSH:            cfg.SSH,
		Logger:         logger,
	})
	return &runtime{
		cfg:    cfg,
		logger: logger,
		store:  s,
		pool:   pool,
		sink:   audit.NewLogSink(logger),
		trail:  audit.NewStoreSink(s),
	}, nil
}

// openStore opens the configured store, sealing checkpoints when a key is
// configured.
func openStore(cfg *Config, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Database.Type {
	case "file":
		s, err = store.NewFileStore(cfg.Database.Root, store.WithLogger(logger))
	default:
		s, err = store.NewSQLiteStore(cfg.Database.DSN, store.WithLogger(logger))
	}
	if err != nil {
		return nil, storeError("open store", err)
	}

	if cfg.Checkpoint.SealingKey == "" {
		return s, nil
	}
	sealer, err := crypto.NewSealer(cfg.Checkpoint.SealingKey)
	if err != nil {
		s.Close()
		return nil, configError("checkpoint.sealing_key", err)
	}
	return store.NewSealedStore(s, sealer, store.WithLogger(logger)), nil
}

func (r *runtime) Close() error {
	poolErr := r.pool.CloseAll()
	if err := r.store.Close(); err != nil {
		return err
	}
	return poolErr
}

// deps builds the profile collaborators.
func (r *runtime) deps() (orchestrator.Deps, error) {
	regions, err := provider.NewRegionLister(r.cfg.Provider, r.logger)
	if err != nil {
		return orchestrator.Deps{}, configError("provider", err)
	}
	return orchestrator.Deps{
		Commands:   command.NewBuilder(r.cfg.Backend.Binary, r.cfg.Backend.Database),
		BackendFor: r.pool.For,
		Checker:    health.NewHTTPChecker(nil, r.logger),
		Regions:    regions,
		Retry: retry.Policy{
			MaxRetries:  r.cfg.Retry.MaxRetries,
			BaseDelay:   r.cfg.Retry.BaseDelay,
			MaxDelay:    r.cfg.Retry.MaxDelay,
			Exponential: r.cfg.Retry.Exponential,
		},
		Health: r.cfg.Health,
		Logger: r.logger,
	}, nil
}

// pipeline builds a pipeline for one execution.
func (r *runtime) pipeline(hooks orchestrator.Hooks, reg *capability.Registry, profile string) (*orchestrator.Pipeline, error) {
	p, err := orchestrator.NewPipeline(orchestrator.PipelineConfig{
		Hooks:        hooks,
		Registry:     reg,
		Store:        r.store,
		Audit:        r.sink,
		Trail:        r.trail,
		Logger:       r.logger,
		PhaseTimeout: r.cfg.Pipeline.PhaseTimeout,
		Profile:      profile,
	})
	if err != nil {
		return nil, configError("pipeline", err)
	}
	return p, nil
}

// =============================================================================
// Capabilities
// =============================================================================

// buildRegistry starts from the profile's recommended set and applies
// explicit enables, then disables.
func buildRegistry(profile string, enable, disable []string) (*capability.Registry, error) {
	p, err := capability.ParseProfile(profile)
	if err != nil {
		return nil, configError("profile", err)
	}
	reg, err := capability.NewRegistryForProfile(p)
	if err != nil {
		return nil, configError("profile", err)
	}
	for _, name := range splitNames(enable) {
		if _, err := reg.Enable(name, nil); err != nil {
			return nil, configError("enable "+name, err)
		}
	}
	for _, name := range splitNames(disable) {
		if _, err := reg.Disable(name); err != nil {
			return nil, configError("disable "+name, err)
		}
	}
	return reg, nil
}

// parseSettings turns key=value pairs into execution config. Repeated keys
// accumulate, so --set regions=us-east-1 --set regions=eu-west-1 yields a
// list.
func parseSettings(pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, configError("set", fmt.Errorf("expected key=value, got %q", kv))
		}
		switch prev := out[key].(type) {
		case nil:
			out[key] = value
		case string:
			out[key] = []any{prev, value}
		case []any:
			out[key] = append(prev, value)
		}
	}
	return out, nil
}

func splitNames(values []string) []string {
	var out []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
