package checkpoint

import (
	"github.com/artpar/conductor/internal/core/domain"
)

// =============================================================================
// Recovery State
// =============================================================================

// RecoveryState is derived from an execution's checkpoints.
type RecoveryState struct {
	ExecutionID string

	// Completed lists phases whose authoritative checkpoint holds a
	// succeeded result, in pipeline order.
	Completed []domain.Phase

	// HighestCompleted is the last entry of Completed, or "" when none.
	HighestCompleted domain.Phase

	// Remaining lists every phase that must still run, in pipeline order.
	Remaining []domain.Phase

	// Results holds the decoded result of each completed phase.
	Results map[domain.Phase]domain.PhaseResult

	// Discarded lists authoritative checkpoints that failed verification
	// or decoding and were treated as absent.
	Discarded []Discarded
}

// Discarded records a checkpoint ignored during recovery.
type Discarded struct {
	Phase   domain.Phase
	Version int64
	Err     error
}

// IsCompleted reports whether p can be skipped.
func (s RecoveryState) IsCompleted(p domain.Phase) bool {
	_, ok := s.Results[p]
	return ok
}

// Fresh reports whether nothing can be resumed.
func (s RecoveryState) Fresh() bool {
	return len(s.Completed) == 0
}

// Latest keeps the highest version per phase. Lower versions are never
// consulted, even when the highest is corrupt.
func Latest(cps []Checkpoint) map[domain.Phase]Checkpoint {
	out := make(map[domain.Phase]Checkpoint)
	for _, cp := range cps {
		if cur, ok := out[cp.Phase]; !ok || cp.Version > cur.Version {
			out[cp.Phase] = cp
		}
	}
	return out
}

// ComputeRecoveryState derives the recovery state from every checkpoint of
// an execution. Checkpoints for other executions are ignored.
func ComputeRecoveryState(executionID string, cps []Checkpoint) RecoveryState {
	state := RecoveryState{
		ExecutionID: executionID,
		Results:     make(map[domain.Phase]domain.PhaseResult),
	}

	own := make([]Checkpoint, 0, len(cps))
	for _, cp := range cps {
		if cp.ExecutionID == executionID {
			own = append(own, cp)
		}
	}
	latest := Latest(own)

	for _, phase := range domain.Phases() {
		cp, ok := latest[phase]
		if !ok {
			state.Remaining = append(state.Remaining, phase)
			continue
		}
		if err := cp.Verify(); err != nil {
			state.Discarded = append(state.Discarded, Discarded{Phase: phase, Version: cp.Version, Err: err})
			state.Remaining = append(state.Remaining, phase)
			continue
		}
		result, err := DecodeResult(cp.Payload)
		if err != nil {
			state.Discarded = append(state.Discarded, Discarded{Phase: phase, Version: cp.Version, Err: err})
			state.Remaining = append(state.Remaining, phase)
			continue
		}
		if !result.Succeeded() {
			state.Remaining = append(state.Remaining, phase)
			continue
		}
		state.Completed = append(state.Completed, phase)
		state.HighestCompleted = phase
		state.Results[phase] = result
	}
	return state
}
