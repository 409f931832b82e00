package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/domain"
)

// =============================================================================
// Interfaces
// =============================================================================

// CheckpointStore is the append-only checkpoint medium.
type CheckpointStore interface {
	// SaveCheckpoint writes a new version for (executionID, phase). It
	// never overwrites an existing version.
	SaveCheckpoint(ctx context.Context, executionID string, phase domain.Phase, payload []byte) (checkpoint.Checkpoint, error)

	// LoadCheckpoint returns the highest version for the key. A missing
	// or corrupt checkpoint yields ErrNotFound.
	LoadCheckpoint(ctx context.Context, executionID string, phase domain.Phase) (*checkpoint.Checkpoint, error)

	// ListCheckpoints returns every stored version for an execution,
	// unverified, ordered by phase then version.
	ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error)
}

// ExecutionStore keeps execution summaries.
type ExecutionStore interface {
	// SaveExecution inserts or replaces the summary.
	SaveExecution(ctx context.Context, e *domain.DeploymentExecution) error
	GetExecution(ctx context.Context, id string) (*domain.DeploymentExecution, error)
	ListExecutions(ctx context.Context, opts ListOptions) ([]domain.DeploymentExecution, error)
}

// AuditStore keeps audit events until they are forwarded.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, executionID string) ([]domain.AuditEvent, error)
	GetUnreportedAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error)
	MarkAuditEventsReported(ctx context.Context, ids []string, reportedAt time.Time) error
}

// Store combines every persistence concern.
type Store interface {
	CheckpointStore
	ExecutionStore
	AuditStore

	// WithTx runs fn against a transactional view where the backend
	// supports one.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
	Status domain.ExecutionStatus
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Option configures a store.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
	now    func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(&s)
	}
	s.logger = s.logger.With("component", "checkpoint_store")
	return s
}

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// =============================================================================
// Shared Checkpoint Logic
// =============================================================================

// verified returns cp when its checksum holds. Otherwise it logs a
// corruption warning and reports the checkpoint as absent.
func verified(logger *slog.Logger, op string, cp *checkpoint.Checkpoint) (*checkpoint.Checkpoint, error) {
	if err := cp.Verify(); err != nil {
		logger.Warn("checkpoint corrupt",
			"execution_id", cp.ExecutionID,
			"phase", cp.Phase,
			"version", cp.Version,
			"error", err,
		)
		return nil, NewStoreError(op, "checkpoint", cp.ExecutionID+"/"+string(cp.Phase), "checksum mismatch", ErrNotFound)
	}
	return cp, nil
}

func validateKey(op, executionID string, phase domain.Phase) error {
	if executionID == "" {
		return NewStoreError(op, "checkpoint", "", "execution id is required", ErrInvalidData)
	}
	if !phase.Valid() {
		return NewStoreError(op, "checkpoint", executionID, "unknown phase "+string(phase), ErrInvalidData)
	}
	return nil
}

// ComputeRecoveryState loads an execution's checkpoints and derives what
// can be skipped. Discarded checkpoints are logged as corrupt.
func ComputeRecoveryState(ctx context.Context, s CheckpointStore, executionID string, logger *slog.Logger) (checkpoint.RecoveryState, error) {
	cps, err := s.ListCheckpoints(ctx, executionID)
	if err != nil {
		return checkpoint.RecoveryState{}, err
	}
	state := checkpoint.ComputeRecoveryState(executionID, cps)
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range state.Discarded {
		logger.Warn("checkpoint corrupt",
			"execution_id", executionID,
			"phase", d.Phase,
			"version", d.Version,
			"error", d.Err,
		)
	}
	return state, nil
}
