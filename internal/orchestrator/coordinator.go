package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/domain"
)

// DefaultConcurrency is how many portfolio targets deploy at once.
const DefaultConcurrency = 3

// =============================================================================
// Coordinator
// =============================================================================

// PipelineFactory builds the pipeline for one portfolio target. Each
// target needs its own pipeline; collaborators may be shared.
type PipelineFactory func(target domain.Target) (*Pipeline, error)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Concurrency bounds simultaneous executions. Zero means
	// DefaultConcurrency.
	Concurrency int

	// Registry is frozen for the whole run when set.
	Registry *capability.Registry
	Logger   *slog.Logger
}

// Coordinator deploys a portfolio of targets with bounded concurrency.
type Coordinator struct {
	concurrency int
	registry    *capability.Registry
	logger      *slog.Logger

	active atomic.Int64
	peak   atomic.Int64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		concurrency: cfg.Concurrency,
		registry:    cfg.Registry,
		logger:      cfg.Logger.With("component", "coordinator"),
	}
}

// TargetResult is the outcome for one portfolio target.
type TargetResult struct {
	Target      domain.Target               `json:"target"`
	ExecutionID string                      `json:"execution_id,omitempty"`
	Status      domain.ExecutionStatus      `json:"status"`
	Execution   *domain.DeploymentExecution `json:"execution,omitempty"`
	Error       string                      `json:"error,omitempty"`
	Err         error                       `json:"-"`
}

// PortfolioResult aggregates a portfolio run. Results keep input order.
type PortfolioResult struct {
	Results    []TargetResult `json:"results"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	RolledBack int            `json:"rolled_back"`
	Cancelled  int            `json:"cancelled"`
	Errors     int            `json:"errors"`

	// Peak is the highest number of executions observed running at once.
	Peak     int           `json:"peak"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether every target succeeded.
func (r PortfolioResult) OK() bool {
	return len(r.Results) > 0 && r.Succeeded == len(r.Results)
}

// Run executes every target. One target's failure does not stop the
// others; cancelling ctx stops targets that have not started and lets
// running ones finish their current phase.
//
// opts applies to every target. A non-empty opts.ExecutionID becomes a
// prefix, so re-running the same portfolio resumes each target. Secrets
// are wrapped in a SecretPool unless they already are one.
func (c *Coordinator) Run(ctx context.Context, targets []domain.Target, factory PipelineFactory, opts Options) PortfolioResult {
	start := time.Now()
	c.active.Store(0)
	c.peak.Store(0)

	if c.registry != nil {
		release := c.registry.Acquire()
		defer release()
	}

	if _, ok := opts.Secrets.(*SecretPool); !ok {
		opts.Secrets = NewSecretPool(opts.Secrets, configStrings(opts.Config, ConfigSecrets)...)
	}

	c.logger.Info("starting portfolio run", "targets", len(targets), "concurrency", c.concurrency)

	results := make([]TargetResult, len(targets))

	var g errgroup.Group
	g.SetLimit(c.concurrency)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = c.runTarget(ctx, i, target, factory, opts)
			return nil
		})
	}
	_ = g.Wait()

	out := PortfolioResult{
		Results:  results,
		Peak:     int(c.peak.Load()),
		Duration: time.Since(start),
	}
	for _, r := range results {
		switch {
		case r.Status == domain.StatusCancelled:
			out.Cancelled++
		case r.Execution == nil:
			out.Errors++
		case r.Status == domain.StatusSucceeded:
			out.Succeeded++
		case r.Status == domain.StatusRolledBack:
			out.RolledBack++
		default:
			out.Failed++
		}
	}

	c.logger.Info("portfolio run finished",
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"rolled_back", out.RolledBack,
		"cancelled", out.Cancelled,
		"errors", out.Errors,
		"peak", out.Peak,
		"duration", out.Duration,
	)
	return out
}

func (c *Coordinator) runTarget(ctx context.Context, i int, target domain.Target, factory PipelineFactory, opts Options) TargetResult {
	r := TargetResult{Target: target}
	if opts.ExecutionID != "" {
		opts.ExecutionID = fmt.Sprintf("%s-%02d", opts.ExecutionID, i)
	}
	opts.Target = target
	r.ExecutionID = opts.ExecutionID

	if err := ctx.Err(); err != nil {
		r.Status = domain.StatusCancelled
		r.Err = fmt.Errorf("%w: not started: %v", domain.ErrCancelled, err)
		r.Error = r.Err.Error()
		return r
	}

	p, err := factory(target)
	if err != nil {
		r.Status = domain.StatusFailed
		r.Err = fmt.Errorf("build pipeline for %s: %w", target, err)
		r.Error = r.Err.Error()
		return r
	}

	n := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	exec, err := p.Execute(ctx, opts)
	c.active.Add(-1)

	r.Execution = exec
	if exec != nil {
		r.ExecutionID = exec.ID
		r.Status = exec.Status
	} else {
		r.Status = domain.StatusFailed
	}
	if err != nil {
		r.Err = err
		r.Error = err.Error()
		c.logger.Error("portfolio target errored", "target", target.String(), "error", err)
	}
	return r
}

// Peak returns the highest concurrency observed by the last Run.
func (c *Coordinator) Peak() int {
	return int(c.peak.Load())
}
