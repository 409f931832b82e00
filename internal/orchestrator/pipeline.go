// Package orchestrator drives deployment executions through the six fixed
// phases, and coordinates bounded-concurrency portfolio runs.
//
// The Pipeline owns everything that must hold for every deployment:
// phase order, one checkpoint per phase, resume from the last good
// checkpoint, rollback on failure, cancellation between phases, and the
// rule that an execution with a failed phase never reports success. What
// a phase actually does is supplied by Hooks; the three deployment
// profiles in profiles.go are the stock implementations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/conductor/internal/core/capability"
	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/core/rollback"
	"github.com/artpar/conductor/internal/shell/audit"
	"github.com/artpar/conductor/internal/shell/store"
)

var (
	// ErrExecutionTerminal is returned when asked to resume an execution
	// that already finished without succeeding.
	ErrExecutionTerminal = errors.New("execution already finished")

	// ErrPipelineBusy is returned when a pipeline is asked to run while it
	// is still running.
	ErrPipelineBusy = errors.New("pipeline is already running an execution")

	// ErrNotRollbackable is returned by Rollback unless the execution failed.
	ErrNotRollbackable = errors.New("execution is not in a failed state")

	// ErrNoExecution is returned by Rollback before anything ran.
	ErrNoExecution = errors.New("pipeline has no execution")

	// ErrTargetMismatch is returned when an execution id is reused for a
	// different target.
	ErrTargetMismatch = errors.New("execution belongs to another target")
)

// DefaultPhaseTimeout bounds one hook invocation.
const DefaultPhaseTimeout = 10 * time.Minute

// timeoutGrace is how long a timed-out hook gets to return before its
// scope closes.
const timeoutGrace = 5 * time.Second

// =============================================================================
// Pipeline
// =============================================================================

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Hooks    Hooks
	Registry *capability.Registry
	Store    store.Store
	Audit    audit.Sink
	Logger   *slog.Logger

	// Trail receives the same events as Audit, but only for executions
	// whose capability set enables audit-logging.
	Trail audit.Sink

	// PhaseTimeout bounds each hook. Exceeding it is a fatal failure.
	// A timed-out hook gets a short grace period to return; rollbacks it
	// registers after that are dropped with a warning, so hooks must
	// honour their context.
	PhaseTimeout time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time

	// Profile is recorded on executions. It defaults to the registry's
	// deployment mode.
	Profile string
}

// Pipeline runs one execution at a time. Build one per target for
// concurrent runs; they may share the registry, store and sink.
type Pipeline struct {
	hooks        Hooks
	registry     *capability.Registry
	store        store.Store
	sink         audit.Sink
	trail        audit.Sink
	logger       *slog.Logger
	phaseTimeout time.Duration
	grace        time.Duration
	now          func() time.Time
	profile      string

	running atomic.Bool

	mu       sync.RWMutex
	exec     *domain.DeploymentExecution
	ectx     *ExecutionContext
	rollback *rollback.Manager
}

// NewPipeline creates a pipeline. Hooks and Store are required.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Hooks == nil {
		return nil, errors.New("pipeline needs hooks")
	}
	if cfg.Store == nil {
		return nil, errors.New("pipeline needs a store")
	}
	if cfg.Registry == nil {
		cfg.Registry = capability.NewRegistry()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Profile == "" {
		cfg.Profile = string(cfg.Registry.Mode())
	}
	if cfg.Profile == "" {
		cfg.Profile = "custom"
	}

	return &Pipeline{
		hooks:        cfg.Hooks,
		registry:     cfg.Registry,
		store:        cfg.Store,
		sink:         cfg.Audit,
		trail:        cfg.Trail,
		logger:       cfg.Logger.With("component", "pipeline"),
		phaseTimeout: cfg.PhaseTimeout,
		grace:        timeoutGrace,
		now:          cfg.Clock,
		profile:      cfg.Profile,
	}, nil
}

// =============================================================================
// Execute
// =============================================================================

// Execute runs every phase in order for opts.Target. When opts.ExecutionID
// names an execution with checkpoints, phases whose latest checkpoint
// holds a success are restored instead of run.
//
// The returned execution reflects the outcome; a non-nil error means the
// pipeline itself could not do its job: a store failure, a terminal
// resume, or an execution id that belongs to another target.
func (p *Pipeline) Execute(ctx context.Context, opts Options) (*domain.DeploymentExecution, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrPipelineBusy
	}
	defer p.running.Store(false)

	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := p.logger.With("execution_id", id, "target", opts.Target.String())

	prior, err := p.store.GetExecution(ctx, id)
	switch {
	case err == nil && prior.Target != opts.Target:
		return nil, fmt.Errorf("%w: %s ran for %s, not %s", ErrTargetMismatch, id, prior.Target, opts.Target)
	case err == nil && prior.Status == domain.StatusSucceeded:
		logger.Info("execution already succeeded, nothing to resume")
		p.setState(prior, nil, rollback.NewManager())
		return prior.Clone(), nil
	case err == nil && prior.Status.Terminal():
		return prior, fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, id, prior.Status)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	state, err := store.ComputeRecoveryState(ctx, p.store, id, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compute recovery state: %w", err)
	}
	if restored, ok := state.Results[domain.PhaseInitialize]; ok {
		if recorded, _ := restored.Output["target"].(string); recorded != "" && recorded != opts.Target.String() {
			return nil, fmt.Errorf("%w: %s checkpointed %s, not %s", ErrTargetMismatch, id, recorded, opts.Target)
		}
	}

	release := p.registry.Acquire()
	defer release()
	caps := p.registry.Snapshot()
	sink := p.sink
	if p.trail != nil && caps.Has(capability.AuditLogging) {
		sink = audit.MultiSink{p.sink, p.trail}
	}

	now := p.now()
	exec := domain.NewExecution(id, opts.Target, p.profile, now)
	if prior != nil {
		exec.CreatedAt = prior.CreatedAt
	}
	exec.ContinueOnError = opts.ContinueOnError
	if err := exec.Transition(domain.StatusRunning, now); err != nil {
		return nil, err
	}
	ectx := newExecutionContext(id, p.profile, opts, caps)
	rb := rollback.NewManager()
	p.setState(exec, ectx, rb)

	if state.Fresh() {
		logger.Info("starting execution", "profile", p.profile, "capabilities", caps.Len())
	} else {
		logger.Info("resuming execution",
			"completed", state.Completed,
			"remaining", state.Remaining,
			"discarded", len(state.Discarded),
		)
	}

	var saveErr error
	if err := p.saveExecution(ctx); err != nil {
		saveErr = err
	}

	var (
		cancelled  bool
		checkpoErr error
	)
	for _, phase := range domain.Phases() {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		if state.IsCompleted(phase) {
			result := state.Results[phase]
			result.FromCheckpoint = true
			p.record(result, ectx)
			p.restoreRollback(phase, result, ectx, rb, sink, logger)
			logger.Info("phase restored from checkpoint", "phase", phase)
			continue
		}

		result := p.runPhase(ctx, phase, ectx, rb, sink, logger)
		if err := p.checkpoint(ctx, id, &result); err != nil {
			checkpoErr = err
			logger.Error("failed to write checkpoint", "phase", phase, "error", err)
		}
		p.record(result, ectx)
		if err := p.saveExecution(ctx); err != nil && saveErr == nil {
			saveErr = err
		}

		if checkpoErr != nil {
			break
		}
		if result.Failed() && !opts.ContinueOnError {
			break
		}
	}

	p.finish(ctx, cancelled, opts.ContinueOnError && checkpoErr == nil, logger)

	if err := p.saveExecution(ctx); err != nil && saveErr == nil {
		saveErr = err
	}

	final := p.Execution()
	logger.Info("execution finished", "status", final.Status, "reason", final.FailureReason)

	switch {
	case checkpoErr != nil:
		return final, checkpoErr
	case saveErr != nil:
		return final, saveErr
	}
	return final, nil
}

// finish moves the execution to its terminal status and runs rollback
// where the outcome calls for it.
func (p *Pipeline) finish(ctx context.Context, cancelled, continueOnError bool, logger *slog.Logger) {
	p.mu.Lock()
	exec := p.exec
	now := p.now()

	switch {
	case cancelled:
		reason := domain.ErrCancelled.Error()
		if cause := context.Cause(ctx); cause != nil {
			reason = fmt.Sprintf("%s: %v", reason, cause)
		}
		_ = exec.Cancel(reason, now)
		p.mu.Unlock()
		logger.Warn("execution cancelled between phases", "reason", reason)
		p.runRollback(ctx, logger)

	case exec.HasFailedPhase():
		_ = exec.Fail(firstFailure(exec), now)
		p.mu.Unlock()
		if continueOnError {
			logger.Warn("execution finished with failed phases", "reason", exec.FailureReason)
			return
		}
		p.runRollback(ctx, logger)

	default:
		if err := exec.Transition(domain.StatusSucceeded, now); err != nil {
			logger.Error("failed to mark execution succeeded", "error", err)
		}
		p.mu.Unlock()
	}
}

func firstFailure(exec *domain.DeploymentExecution) string {
	for _, r := range exec.Results {
		if r.Failed() {
			return r.Error
		}
	}
	return ""
}

// =============================================================================
// Phases
// =============================================================================

func (p *Pipeline) runPhase(ctx context.Context, phase domain.Phase, ectx *ExecutionContext, rb *rollback.Manager, sink audit.Sink, logger *slog.Logger) domain.PhaseResult {
	scope := newScope(phase, ectx, rb, sink, p.now, logger)

	start := p.now()
	emit(ctx, sink, domain.NewPhaseEvent(ectx.ExecutionID, phase, domain.PhaseStatusRunning, start, 0), logger)
	logger.Info("phase started", "phase", phase)

	out, err := p.invoke(ctx, hookFor(p.hooks, phase), scope)
	scope.close()
	end := p.now()

	result := domain.PhaseResult{
		Phase:     phase,
		Status:    domain.PhaseStatusSucceeded,
		StartedAt: start,
		EndedAt:   end,
		Output:    out,
		Retries:   scope.retryCount(),
	}
	if err != nil {
		var perr *domain.PhaseError
		if !errors.As(err, &perr) {
			perr = domain.NewPhaseError(phase, err)
		}
		result.Status = domain.PhaseStatusFailed
		result.Error = perr.Error()
		logger.Error("phase failed",
			"phase", phase,
			"kind", perr.Kind,
			"retries", result.Retries,
			"error", err,
		)
	} else {
		logger.Info("phase succeeded", "phase", phase, "duration", end.Sub(start), "retries", result.Retries)
	}

	ev := domain.NewPhaseEvent(ectx.ExecutionID, phase, result.Status, end, end.Sub(start))
	ev.Message = result.Error
	emit(ctx, sink, ev, logger)
	return result
}

// invoke runs a hook detached from caller cancellation, under the phase
// timeout, turning panics into failures.
func (p *Pipeline) invoke(ctx context.Context, hook HookFunc, s *Scope) (map[string]any, error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.phaseTimeout)
	defer cancel()

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &domain.PhaseError{
					Phase: s.phase,
					Kind:  domain.KindPanic,
					Err:   fmt.Errorf("hook panicked: %v", r),
				}}
			}
		}()
		out, err := hook(hctx, s)
		done <- outcome{out: out, err: err}
	}()

	timedOut := fmt.Errorf("%w: %s exceeded %v", domain.ErrTimeout, s.phase, p.phaseTimeout)
	select {
	case o := <-done:
		if o.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return o.out, timedOut
		}
		return o.out, o.err
	case <-hctx.Done():
		// Rollbacks registered during the grace period are kept.
		grace := time.NewTimer(p.grace)
		defer grace.Stop()
		select {
		case o := <-done:
			return o.out, timedOut
		case <-grace.C:
			s.logger.Warn("hook still running after phase timeout", "phase", s.phase, "grace", p.grace)
			return nil, timedOut
		}
	}
}

// checkpoint persists a phase result. An output that cannot be encoded
// fails the phase, and its checkpoint is written without the output.
func (p *Pipeline) checkpoint(ctx context.Context, executionID string, result *domain.PhaseResult) error {
	payload, err := checkpoint.EncodeResult(*result)
	if err != nil {
		result.Status = domain.PhaseStatusFailed
		result.Error = domain.NewPhaseError(result.Phase, fmt.Errorf("%w: phase output is not encodable: %v", domain.ErrFatal, err)).Error()
		result.Output = nil
		if payload, err = checkpoint.EncodeResult(*result); err != nil {
			return err
		}
	}

	if _, err := p.store.SaveCheckpoint(context.WithoutCancel(ctx), executionID, result.Phase, payload); err != nil {
		if !result.Failed() {
			result.Status = domain.PhaseStatusFailed
			result.Error = fmt.Sprintf("%s phase succeeded but its checkpoint was not written: %v", result.Phase, err)
		}
		return fmt.Errorf("failed to checkpoint %s: %w", result.Phase, err)
	}
	return nil
}

func (p *Pipeline) restoreRollback(phase domain.Phase, result domain.PhaseResult, ectx *ExecutionContext, rb *rollback.Manager, sink audit.Sink, logger *slog.Logger) {
	rr, ok := p.hooks.(RollbackRestorer)
	if !ok {
		return
	}
	scope := newScope(phase, ectx, rb, sink, p.now, logger)
	rr.RestoreRollback(scope, result)
	scope.close()
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback runs the registered compensations of a failed execution. The
// execution moves to rolled_back when at least one was attempted.
func (p *Pipeline) Rollback(ctx context.Context) (domain.RollbackSummary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return domain.RollbackSummary{}, ErrPipelineBusy
	}
	defer p.running.Store(false)

	p.mu.RLock()
	exec := p.exec
	p.mu.RUnlock()
	if exec == nil {
		return domain.RollbackSummary{}, ErrNoExecution
	}
	if exec.Status != domain.StatusFailed {
		return domain.RollbackSummary{}, fmt.Errorf("%w: %s is %s", ErrNotRollbackable, exec.ID, exec.Status)
	}

	logger := p.logger.With("execution_id", exec.ID, "target", exec.Target.String())
	summary := p.runRollback(ctx, logger)
	return summary, p.saveExecution(ctx)
}

func (p *Pipeline) runRollback(ctx context.Context, logger *slog.Logger) domain.RollbackSummary {
	p.mu.RLock()
	rb := p.rollback
	p.mu.RUnlock()

	pending := rb.Len()
	if pending > 0 {
		logger.Info("rolling back", "actions", pending)
	}
	summary := rb.Execute(context.WithoutCancel(ctx))
	for _, o := range summary.Outcomes {
		if !o.Succeeded {
			logger.Error("rollback action failed",
				"type", o.Type,
				"description", o.Description,
				"error", o.Error,
			)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	exec := p.exec
	if exec.Rollback == nil {
		exec.Rollback = &domain.RollbackSummary{}
	}
	exec.Rollback.Attempted += summary.Attempted
	exec.Rollback.Succeeded += summary.Succeeded
	exec.Rollback.Failed += summary.Failed
	exec.Rollback.Outcomes = append(exec.Rollback.Outcomes, summary.Outcomes...)

	if summary.Attempted > 0 && exec.Status == domain.StatusFailed {
		if err := exec.Transition(domain.StatusRolledBack, p.now()); err != nil {
			logger.Error("failed to mark execution rolled back", "error", err)
		}
	}
	if summary.Attempted > 0 {
		logger.Info("rollback finished",
			"attempted", summary.Attempted,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
		)
	}
	return summary
}

// =============================================================================
// State
// =============================================================================

func (p *Pipeline) setState(exec *domain.DeploymentExecution, ectx *ExecutionContext, rb *rollback.Manager) {
	p.mu.Lock()
	p.exec = exec
	p.ectx = ectx
	p.rollback = rb
	p.mu.Unlock()
}

func (p *Pipeline) record(result domain.PhaseResult, ectx *ExecutionContext) {
	p.mu.Lock()
	if err := p.exec.Record(result, p.now()); err != nil {
		p.logger.Error("failed to record phase result", "phase", result.Phase, "error", err)
	}
	p.mu.Unlock()
	if result.Succeeded() {
		ectx.setOutput(result.Phase, result.Output)
	}
}

func (p *Pipeline) saveExecution(ctx context.Context) error {
	p.mu.RLock()
	snapshot := p.exec.Clone()
	p.mu.RUnlock()

	if err := p.store.SaveExecution(context.WithoutCancel(ctx), snapshot); err != nil {
		p.logger.Error("failed to save execution", "execution_id", snapshot.ID, "error", err)
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Execution returns a copy of the current execution, or nil before the
// first run.
func (p *Pipeline) Execution() *domain.DeploymentExecution {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exec.Clone()
}

// PhaseResult returns a copy of a recorded phase result.
func (p *Pipeline) PhaseResult(phase domain.Phase) (domain.PhaseResult, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.exec == nil {
		return domain.PhaseResult{}, false
	}
	return p.exec.Result(phase)
}

// ExecutionContext returns a snapshot of the execution context, or nil
// when the last Execute returned a stored execution without running.
func (p *Pipeline) ExecutionContext() *ExecutionContext {
	p.mu.RLock()
	ectx := p.ectx
	p.mu.RUnlock()
	if ectx == nil {
		return nil
	}

	ectx.mu.RLock()
	defer ectx.mu.RUnlock()
	snap := &ExecutionContext{
		ExecutionID:  ectx.ExecutionID,
		Target:       ectx.Target,
		Profile:      ectx.Profile,
		IsRemote:     ectx.IsRemote,
		Capabilities: ectx.Capabilities,
		config:       cloneAny(ectx.config),
		secrets:      ectx.secrets,
		outputs:      make(map[domain.Phase]map[string]any, len(ectx.outputs)),
		resolved:     cloneStrings(ectx.resolved),
	}
	for phase, out := range ectx.outputs {
		snap.outputs[phase] = cloneAny(out)
	}
	return snap
}
