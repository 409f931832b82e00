// Package audit delivers the pipeline's audit events: to the log, to the
// store for later forwarding, and from the store to an HTTP collector.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/shell/store"
)

// =============================================================================
// Sink Interface
// =============================================================================

// Sink receives one event per phase transition and per capability invocation.
// Emit must be safe for concurrent use; portfolio runs share one sink.
type Sink interface {
	Emit(ctx context.Context, e domain.AuditEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e domain.AuditEvent) error

func (f SinkFunc) Emit(ctx context.Context, e domain.AuditEvent) error {
	return f(ctx, e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, domain.AuditEvent) error { return nil })

// =============================================================================
// LogSink
// =============================================================================

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Emit(ctx context.Context, e domain.AuditEvent) error {
	attrs := []any{
		"execution_id", e.ExecutionID,
		"phase", e.Phase,
		"status", e.Status,
		"timestamp_ms", e.TimestampMs,
		"duration_ms", e.DurationMs,
	}
	if e.Capability != "" {
		attrs = append(attrs, "capability", e.Capability)
	}
	if e.Message != "" {
		attrs = append(attrs, "message", e.Message)
	}
	s.logger.InfoContext(ctx, "audit event", attrs...)
	return nil
}

// =============================================================================
// StoreSink
// =============================================================================

// StoreSink persists events so a Forwarder can ship them later.
type StoreSink struct {
	store store.AuditStore
}

// NewStoreSink creates a store sink.
func NewStoreSink(s store.AuditStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Emit(ctx context.Context, e domain.AuditEvent) error {
	return s.store.AppendAuditEvent(ctx, &e)
}

// =============================================================================
// MultiSink
// =============================================================================

// MultiSink fans an event out to every sink. All sinks are attempted;
// failures are joined.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// MemorySink
// =============================================================================

// MemorySink keeps events in memory. Used by tests and dry runs.
type MemorySink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *MemorySink) Emit(_ context.Context, e domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []domain.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent(nil), m.events...)
}

// For returns the events of one execution.
func (m *MemorySink) For(executionID string) []domain.AuditEvent {
	var out []domain.AuditEvent
	for _, e := range m.Events() {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}
