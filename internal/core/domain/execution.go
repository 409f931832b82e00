package domain

import (
	"time"
)

// =============================================================================
// Execution Status
// =============================================================================

// ExecutionStatus is the overall state of a deployment execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusSucceeded  ExecutionStatus = "succeeded"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
	StatusCancelled  ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected on this
// status by the owning pipeline. A failed execution can still move to
// rolled_back through an explicit rollback.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:    {StatusRunning},
	StatusRunning:    {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusRolledBack},
	StatusSucceeded:  {},
	StatusRolledBack: {},
	StatusCancelled:  {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to ExecutionStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// =============================================================================
// Rollback Summary
// =============================================================================

// RollbackOutcome records what happened to one compensating action.
type RollbackOutcome struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
	Index       int    `json:"index" yaml:"index"`
	Succeeded   bool   `json:"succeeded" yaml:"succeeded"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// RollbackSummary aggregates a rollback run.
type RollbackSummary struct {
	Attempted int               `json:"attempted" yaml:"attempted"`
	Succeeded int               `json:"succeeded" yaml:"succeeded"`
	Failed    int               `json:"failed" yaml:"failed"`
	Outcomes  []RollbackOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
}

// =============================================================================
// Deployment Execution
// =============================================================================

// DeploymentExecution is one run of the pipeline for one target.
type DeploymentExecution struct {
	ID              string           `json:"id" yaml:"id"`
	Target          Target           `json:"target" yaml:"target"`
	Profile         string           `json:"profile" yaml:"profile"`
	Status          ExecutionStatus  `json:"status" yaml:"status"`
	CurrentPhase    Phase            `json:"current_phase,omitempty" yaml:"current_phase,omitempty"`
	ContinueOnError bool             `json:"continue_on_error" yaml:"continue_on_error"`
	Results         []PhaseResult    `json:"results" yaml:"results"`
	FailureReason   string           `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	Rollback        *RollbackSummary `json:"rollback,omitempty" yaml:"rollback,omitempty"`
	CreatedAt       time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" yaml:"updated_at"`
}

// NewExecution creates a pending execution.
func NewExecution(id string, target Target, profile string, now time.Time) *DeploymentExecution {
	return &DeploymentExecution{
		ID:        id,
		Target:    target,
		Profile:   profile,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition attempts to move the execution to a new status.
func (e *DeploymentExecution) Transition(to ExecutionStatus, now time.Time) error {
	if err := ValidateTransition(e.Status, to); err != nil {
		return err
	}
	if to == StatusSucceeded && e.HasFailedPhase() {
		return ErrFailedPhasePresent
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// Fail moves a running execution to failed and records why.
func (e *DeploymentExecution) Fail(reason string, now time.Time) error {
	if err := e.Transition(StatusFailed, now); err != nil {
		return err
	}
	e.FailureReason = reason
	return nil
}

// Cancel moves a running execution to cancelled and records why.
func (e *DeploymentExecution) Cancel(reason string, now time.Time) error {
	if err := e.Transition(StatusCancelled, now); err != nil {
		return err
	}
	e.FailureReason = reason
	return nil
}

// Record appends a phase result. Results must arrive in pipeline order.
func (e *DeploymentExecution) Record(r PhaseResult, now time.Time) error {
	if n := len(e.Results); n > 0 && e.Results[n-1].Phase.Index() >= r.Phase.Index() {
		return Validationf("phase %s recorded out of order after %s", r.Phase, e.Results[n-1].Phase)
	}
	e.Results = append(e.Results, r.Clone())
	e.CurrentPhase = r.Phase
	e.UpdatedAt = now
	return nil
}

// Result returns the recorded result for a phase.
func (e *DeploymentExecution) Result(p Phase) (PhaseResult, bool) {
	for _, r := range e.Results {
		if r.Phase == p {
			return r.Clone(), true
		}
	}
	return PhaseResult{}, false
}

// HasFailedPhase reports whether any recorded phase failed.
func (e *DeploymentExecution) HasFailedPhase() bool {
	for _, r := range e.Results {
		if r.Failed() {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable state with e.
func (e *DeploymentExecution) Clone() *DeploymentExecution {
	if e == nil {
		return nil
	}
	out := *e
	out.Results = make([]PhaseResult, len(e.Results))
	for i, r := range e.Results {
		out.Results[i] = r.Clone()
	}
	if e.Rollback != nil {
		rb := *e.Rollback
		rb.Outcomes = append([]RollbackOutcome(nil), e.Rollback.Outcomes...)
		out.Rollback = &rb
	}
	return &out
}
