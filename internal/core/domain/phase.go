package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Phases
// =============================================================================

// Phase is one of the six fixed pipeline stages.
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseValidate   Phase = "validate"
	PhasePrepare    Phase = "prepare"
	PhaseDeploy     Phase = "deploy"
	PhaseVerify     Phase = "verify"
	PhaseMonitor    Phase = "monitor"
)

// phaseOrder is the only order phases ever run or get recorded in.
var phaseOrder = []Phase{
	PhaseInitialize,
	PhaseValidate,
	PhasePrepare,
	PhaseDeploy,
	PhaseVerify,
	PhaseMonitor,
}

// Phases returns the fixed pipeline order. The returned slice is a copy.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// Index returns the zero-based position of the phase in the pipeline,
// or -1 for an unknown phase.
func (p Phase) Index() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the six pipeline phases.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

func (p Phase) String() string {
	return string(p)
}

// ParsePhase converts a name to a Phase.
func ParsePhase(name string) (Phase, error) {
	p := Phase(name)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown phase %q", ErrValidation, name)
	}
	return p, nil
}

// =============================================================================
// Phase Results
// =============================================================================

// PhaseStatus is the outcome state of a single phase.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusSucceeded PhaseStatus = "succeeded"
	PhaseStatusFailed    PhaseStatus = "failed"
	PhaseStatusSkipped   PhaseStatus = "skipped"
)

// PhaseResult is the outcome of one phase for one execution.
type PhaseResult struct {
	Phase     Phase          `json:"phase" yaml:"phase"`
	Status    PhaseStatus    `json:"status" yaml:"status"`
	StartedAt time.Time      `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time      `json:"ended_at" yaml:"ended_at"`
	Output    map[string]any `json:"output,omitempty" yaml:"output,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`

	// Retries counts backend retries performed inside the hook.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// FromCheckpoint is set when the hook was not invoked because a valid
	// checkpoint already held this phase's result.
	FromCheckpoint bool `json:"from_checkpoint,omitempty" yaml:"from_checkpoint,omitempty"`
}

// Duration returns how long the phase ran.
func (r PhaseResult) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the phase completed successfully.
func (r PhaseResult) Succeeded() bool {
	return r.Status == PhaseStatusSucceeded
}

// Failed reports whether the phase failed.
func (r PhaseResult) Failed() bool {
	return r.Status == PhaseStatusFailed
}

// Clone returns a deep-enough copy so callers cannot mutate recorded output.
func (r PhaseResult) Clone() PhaseResult {
	r.Output = cloneMap(r.Output)
	return r
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
