package domain

import "time"

// =============================================================================
// Audit Events
// =============================================================================

// AuditEvent is emitted once per phase transition and once per capability
// invocation. Capability is empty for phase transitions.
type AuditEvent struct {
	ID          string `json:"id" db:"id"`
	ExecutionID string `json:"execution_id" db:"execution_id"`
	Phase       Phase  `json:"phase" db:"phase"`
	Capability  string `json:"capability,omitempty" db:"capability"`
	Status      string `json:"status" db:"status"`
	TimestampMs int64  `json:"timestamp_ms" db:"timestamp_ms"`
	DurationMs  int64  `json:"duration_ms" db:"duration_ms"`
	Message     string `json:"message,omitempty" db:"message"`
}

// NewPhaseEvent builds a phase-transition event.
func NewPhaseEvent(executionID string, phase Phase, status PhaseStatus, at time.Time, d time.Duration) AuditEvent {
	return AuditEvent{
		ExecutionID: executionID,
		Phase:       phase,
		Status:      string(status),
		TimestampMs: at.UnixMilli(),
		DurationMs:  d.Milliseconds(),
	}
}

// NewCapabilityEvent builds a capability-invocation event.
func NewCapabilityEvent(executionID string, phase Phase, capability string, status PhaseStatus, at time.Time, d time.Duration) AuditEvent {
	e := NewPhaseEvent(executionID, phase, status, at, d)
	e.Capability = capability
	return e
}
