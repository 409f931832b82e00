package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/core/retry"
	"github.com/artpar/conductor/internal/core/rollback"
	"github.com/artpar/conductor/internal/shell/audit"
)

// =============================================================================
// Hooks
// =============================================================================

// HookFunc is the signature of every phase hook. The returned map becomes
// the phase output and is checkpointed, so it must be JSON-encodable and
// must never hold secret values.
type HookFunc func(ctx context.Context, s *Scope) (map[string]any, error)

// Hooks supplies one behavior per phase. The pipeline owns ordering,
// checkpointing, rollback and status; hooks only do the phase's work.
type Hooks interface {
	OnInitialize(ctx context.Context, s *Scope) (map[string]any, error)
	OnValidation(ctx context.Context, s *Scope) (map[string]any, error)
	OnPrepare(ctx context.Context, s *Scope) (map[string]any, error)
	OnDeploy(ctx context.Context, s *Scope) (map[string]any, error)
	OnVerify(ctx context.Context, s *Scope) (map[string]any, error)
	OnMonitor(ctx context.Context, s *Scope) (map[string]any, error)
}

// RollbackRestorer is implemented by hooks that can re-register the
// compensations of a phase restored from a checkpoint. Without it, a
// resumed execution can only undo the phases it ran itself.
type RollbackRestorer interface {
	RestoreRollback(s *Scope, result domain.PhaseResult)
}

// BaseHooks implements every hook as a no-op. Embed it and override what
// a profile needs.
type BaseHooks struct{}

func (BaseHooks) OnInitialize(context.Context, *Scope) (map[string]any, error) { return nil, nil }
func (BaseHooks) OnValidation(context.Context, *Scope) (map[string]any, error) { return nil, nil }
func (BaseHooks) OnPrepare(context.Context, *Scope) (map[string]any, error)    { return nil, nil }
func (BaseHooks) OnDeploy(context.Context, *Scope) (map[string]any, error)     { return nil, nil }
func (BaseHooks) OnVerify(context.Context, *Scope) (map[string]any, error)     { return nil, nil }
func (BaseHooks) OnMonitor(context.Context, *Scope) (map[string]any, error)    { return nil, nil }

// hookFor maps a phase onto its hook.
func hookFor(h Hooks, p domain.Phase) HookFunc {
	switch p {
	case domain.PhaseInitialize:
		return h.OnInitialize
	case domain.PhaseValidate:
		return h.OnValidation
	case domain.PhasePrepare:
		return h.OnPrepare
	case domain.PhaseDeploy:
		return h.OnDeploy
	case domain.PhaseVerify:
		return h.OnVerify
	case domain.PhaseMonitor:
		return h.OnMonitor
	default:
		return nil
	}
}

// =============================================================================
// Scope
// =============================================================================

// Scope is a hook's handle on the pipeline for the duration of one phase.
type Scope struct {
	phase    domain.Phase
	ectx     *ExecutionContext
	rollback *rollback.Manager
	sink     audit.Sink
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	retries int
	closed  bool
}

func newScope(phase domain.Phase, ectx *ExecutionContext, rb *rollback.Manager, sink audit.Sink, now func() time.Time, logger *slog.Logger) *Scope {
	return &Scope{
		phase:    phase,
		ectx:     ectx,
		rollback: rb,
		sink:     sink,
		now:      now,
		logger:   logger.With("phase", phase),
	}
}

// Phase returns the phase being run.
func (s *Scope) Phase() domain.Phase { return s.phase }

// Context returns the execution context.
func (s *Scope) Context() *ExecutionContext { return s.ectx }

// Logger returns a logger tagged with the execution and phase.
func (s *Scope) Logger() *slog.Logger { return s.logger }

// Enabled reports whether a capability is on for this execution.
func (s *Scope) Enabled(name string) bool {
	return s.ectx.Capabilities.Has(name)
}

// RegisterRollback records a compensating action for a side effect the
// phase has applied. Registrations after the phase ended are dropped.
func (s *Scope) RegisterRollback(typ, description string, do func(ctx context.Context) error) int {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.logger.Warn("rollback registered after phase ended", "type", typ, "description", description)
		return -1
	}
	return s.rollback.Register(rollback.Action{Type: typ, Description: description, Do: do})
}

// Capability runs fn only when name is enabled, and emits one audit event
// for the invocation. It reports whether fn ran.
func (s *Scope) Capability(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	if !s.Enabled(name) {
		return false, nil
	}

	start := s.now()
	err := fn(ctx)
	status := domain.PhaseStatusSucceeded
	if err != nil {
		status = domain.PhaseStatusFailed
	}

	ev := domain.NewCapabilityEvent(s.ectx.ExecutionID, s.phase, name, status, start, s.now().Sub(start))
	if err != nil {
		ev.Message = err.Error()
	}
	emit(ctx, s.sink, ev, s.logger)
	return true, err
}

// Retry runs fn under policy and adds the retries it took to the phase
// result.
func (s *Scope) Retry(ctx context.Context, policy retry.Policy, fn func(ctx context.Context) error) error {
	n, err := policy.Do(ctx, fn)
	s.mu.Lock()
	s.retries += n
	s.mu.Unlock()
	return err
}

func (s *Scope) retryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Scope) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func emit(ctx context.Context, sink audit.Sink, ev domain.AuditEvent, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if err := sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		logger.Warn("failed to emit audit event",
			"phase", ev.Phase,
			"capability", ev.Capability,
			"status", ev.Status,
			"error", err,
		)
	}
}
