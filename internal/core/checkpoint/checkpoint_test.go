package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/domain"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func resultPayload(t *testing.T, phase domain.Phase, status domain.PhaseStatus) []byte {
	t.Helper()
	data, err := EncodeResult(domain.PhaseResult{
		Phase:  phase,
		Status: status,
		Output: map[string]any{"phase": string(phase)},
	})
	require.NoError(t, err)
	return data
}

// =============================================================================
// Checksum Tests
// =============================================================================

func TestNew_VerifiesClean(t *testing.T) {
	cp := New("exec-1", domain.PhaseDeploy, 1, []byte(`{"phase":"deploy"}`), testNow)

	assert.NoError(t, cp.Verify())
	assert.Len(t, cp.Checksum, 64)
}

func TestVerify_DetectsTampering(t *testing.T) {
	cp := New("exec-1", domain.PhaseDeploy, 1, []byte(`{"phase":"deploy"}`), testNow)

	tampered := cp
	tampered.Payload = []byte(`{"phase":"deploy","x":1}`)
	assert.ErrorIs(t, tampered.Verify(), ErrCorrupt)

	moved := cp
	moved.Version = 2
	assert.ErrorIs(t, moved.Verify(), ErrCorrupt)

	other := cp
	other.ExecutionID = "exec-2"
	assert.ErrorIs(t, other.Verify(), ErrCorrupt)
}

func TestNew_CopiesPayload(t *testing.T) {
	payload := []byte("abc")
	cp := New("exec-1", domain.PhaseDeploy, 1, payload, testNow)
	payload[0] = 'x'

	assert.NoError(t, cp.Verify())
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, int64(1), NextVersion(0))
	assert.Equal(t, int64(1), NextVersion(-1))
	assert.Equal(t, int64(8), NextVersion(7))
}

// =============================================================================
// Payload Tests
// =============================================================================

func TestDecodeResult_Invalid(t *testing.T) {
	_, err := DecodeResult([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeResult([]byte(`{"phase":"launch"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestComputeRecoveryState_Empty(t *testing.T) {
	state := ComputeRecoveryState("exec-1", nil)

	assert.True(t, state.Fresh())
	assert.Equal(t, domain.Phase(""), state.HighestCompleted)
	assert.Equal(t, domain.Phases(), state.Remaining)
}

func TestComputeRecoveryState_ThreeCompleted(t *testing.T) {
	var cps []Checkpoint
	for i, p := range []domain.Phase{domain.PhaseInitialize, domain.PhaseValidate, domain.PhasePrepare} {
		cps = append(cps, New("exec-1", p, 1, resultPayload(t, p, domain.PhaseStatusSucceeded), testNow.Add(time.Duration(i)*time.Second)))
	}

	state := ComputeRecoveryState("exec-1", cps)

	assert.Equal(t, []domain.Phase{domain.PhaseInitialize, domain.PhaseValidate, domain.PhasePrepare}, state.Completed)
	assert.Equal(t, domain.PhasePrepare, state.HighestCompleted)
	assert.Equal(t, []domain.Phase{domain.PhaseDeploy, domain.PhaseVerify, domain.PhaseMonitor}, state.Remaining)
	assert.Equal(t, "prepare", state.Results[domain.PhasePrepare].Output["phase"])
	assert.True(t, state.IsCompleted(domain.PhaseValidate))
	assert.False(t, state.IsCompleted(domain.PhaseDeploy))
}

func TestComputeRecoveryState_FailedPhaseIsRemaining(t *testing.T) {
	cps := []Checkpoint{
		New("exec-1", domain.PhaseInitialize, 1, resultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded), testNow),
		New("exec-1", domain.PhaseValidate, 1, resultPayload(t, domain.PhaseValidate, domain.PhaseStatusFailed), testNow),
	}

	state := ComputeRecoveryState("exec-1", cps)

	assert.Equal(t, []domain.Phase{domain.PhaseInitialize}, state.Completed)
	assert.Equal(t, domain.PhaseValidate, state.Remaining[0])
}

func TestComputeRecoveryState_HighestVersionWins(t *testing.T) {
	cps := []Checkpoint{
		New("exec-1", domain.PhaseInitialize, 2, resultPayload(t, domain.PhaseInitialize, domain.PhaseStatusFailed), testNow),
		New("exec-1", domain.PhaseInitialize, 1, resultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded), testNow),
	}

	state := ComputeRecoveryState("exec-1", cps)
	assert.True(t, state.Fresh())
}

func TestComputeRecoveryState_CorruptIsAbsent(t *testing.T) {
	good := New("exec-1", domain.PhaseInitialize, 1, resultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded), testNow)
	corrupt := New("exec-1", domain.PhaseInitialize, 2, resultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded), testNow)
	corrupt.Payload = append(corrupt.Payload, ' ')

	state := ComputeRecoveryState("exec-1", []Checkpoint{good, corrupt})

	assert.True(t, state.Fresh())
	require.Len(t, state.Discarded, 1)
	assert.Equal(t, int64(2), state.Discarded[0].Version)
	assert.ErrorIs(t, state.Discarded[0].Err, ErrCorrupt)
}

func TestComputeRecoveryState_IgnoresOtherExecutions(t *testing.T) {
	cps := []Checkpoint{
		New("exec-2", domain.PhaseInitialize, 1, resultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded), testNow),
	}

	assert.True(t, ComputeRecoveryState("exec-1", cps).Fresh())
}
