package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRunningExecution(t *testing.T) *DeploymentExecution {
	t.Helper()
	e := NewExecution("exec-1", Target{Service: "api", Environment: "staging"}, "single", testNow)
	require.NoError(t, e.Transition(StatusRunning, testNow))
	return e
}

// =============================================================================
// State Machine Tests
// =============================================================================

func TestValidateTransition(t *testing.T) {
	valid := []struct{ from, to ExecutionStatus }{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusFailed, StatusRolledBack},
	}
	for _, tt := range valid {
		assert.NoError(t, ValidateTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	invalid := []struct{ from, to ExecutionStatus }{
		{StatusPending, StatusSucceeded},
		{StatusSucceeded, StatusFailed},
		{StatusRolledBack, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusRunning, StatusRolledBack},
		{ExecutionStatus("bogus"), StatusRunning},
	}
	for _, tt := range invalid {
		assert.ErrorIs(t, ValidateTransition(tt.from, tt.to), ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
	}
}

func TestExecution_NewIsPending(t *testing.T) {
	e := NewExecution("exec-1", Target{Service: "api", Environment: "staging"}, "single", testNow)

	assert.Equal(t, StatusPending, e.Status)
	assert.Empty(t, e.Results)
	assert.Equal(t, testNow, e.CreatedAt)
}

func TestExecution_SucceededRejectedWithFailedPhase(t *testing.T) {
	e := newRunningExecution(t)
	require.NoError(t, e.Record(PhaseResult{Phase: PhaseInitialize, Status: PhaseStatusSucceeded}, testNow))
	require.NoError(t, e.Record(PhaseResult{Phase: PhaseValidate, Status: PhaseStatusFailed}, testNow))

	err := e.Transition(StatusSucceeded, testNow)
	assert.ErrorIs(t, err, ErrFailedPhasePresent)
	assert.Equal(t, StatusRunning, e.Status)
}

func TestExecution_FailRecordsReason(t *testing.T) {
	e := newRunningExecution(t)
	later := testNow.Add(time.Minute)

	require.NoError(t, e.Fail("deploy phase failed", later))
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "deploy phase failed", e.FailureReason)
	assert.Equal(t, later, e.UpdatedAt)

	require.NoError(t, e.Transition(StatusRolledBack, later))
	assert.Equal(t, "deploy phase failed", e.FailureReason)
}

func TestExecution_Cancel(t *testing.T) {
	e := newRunningExecution(t)

	require.NoError(t, e.Cancel("context canceled", testNow))
	assert.Equal(t, StatusCancelled, e.Status)
	assert.True(t, e.Status.Terminal())
}

// =============================================================================
// Result Recording Tests
// =============================================================================

func TestExecution_RecordOutOfOrder(t *testing.T) {
	e := newRunningExecution(t)
	require.NoError(t, e.Record(PhaseResult{Phase: PhaseDeploy, Status: PhaseStatusSucceeded}, testNow))

	err := e.Record(PhaseResult{Phase: PhaseValidate, Status: PhaseStatusSucceeded}, testNow)
	assert.ErrorIs(t, err, ErrValidation)

	err = e.Record(PhaseResult{Phase: PhaseDeploy, Status: PhaseStatusSucceeded}, testNow)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExecution_ResultLookup(t *testing.T) {
	e := newRunningExecution(t)
	require.NoError(t, e.Record(PhaseResult{
		Phase:  PhaseInitialize,
		Status: PhaseStatusSucceeded,
		Output: map[string]any{"k": "v"},
	}, testNow))

	r, ok := e.Result(PhaseInitialize)
	require.True(t, ok)
	assert.Equal(t, PhaseInitialize, e.CurrentPhase)

	r.Output["k"] = "mutated"
	again, _ := e.Result(PhaseInitialize)
	assert.Equal(t, "v", again.Output["k"])

	_, ok = e.Result(PhaseMonitor)
	assert.False(t, ok)
}

func TestExecution_Clone(t *testing.T) {
	e := newRunningExecution(t)
	require.NoError(t, e.Record(PhaseResult{Phase: PhaseInitialize, Status: PhaseStatusSucceeded}, testNow))
	e.Rollback = &RollbackSummary{Attempted: 1, Outcomes: []RollbackOutcome{{Type: "restore"}}}

	c := e.Clone()
	c.Results[0].Status = PhaseStatusFailed
	c.Rollback.Outcomes[0].Type = "changed"

	assert.Equal(t, PhaseStatusSucceeded, e.Results[0].Status)
	assert.Equal(t, "restore", e.Rollback.Outcomes[0].Type)
	assert.Nil(t, (*DeploymentExecution)(nil).Clone())
}

// =============================================================================
// Error Taxonomy Tests
// =============================================================================

func TestClassify(t *testing.T) {
	assert.Equal(t, KindValidation, Classify(Validationf("bad env %q", "qa")))
	assert.Equal(t, KindTransient, Classify(fmt.Errorf("bind: %w", ErrTransient)))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("deploy: %w", ErrTimeout)))
	assert.Equal(t, KindFatal, Classify(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), Classify(nil))

	pe := &PhaseError{Phase: PhaseDeploy, Kind: KindPanic, Err: errors.New("nil map")}
	assert.Equal(t, KindPanic, Classify(fmt.Errorf("wrapped: %w", pe)))
}

func TestPhaseError_Unwrap(t *testing.T) {
	pe := NewPhaseError(PhaseDeploy, fmt.Errorf("rate limit: %w", ErrTransient))

	assert.Equal(t, KindTransient, pe.Kind)
	assert.True(t, IsTransient(pe))
	assert.Contains(t, pe.Error(), "deploy phase failed (transient)")
}

// =============================================================================
// Audit Event Tests
// =============================================================================

func TestNewCapabilityEvent(t *testing.T) {
	ev := NewCapabilityEvent("exec-1", PhasePrepare, "database-migration", PhaseStatusSucceeded, testNow, 250*time.Millisecond)

	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, PhasePrepare, ev.Phase)
	assert.Equal(t, "database-migration", ev.Capability)
	assert.Equal(t, "succeeded", ev.Status)
	assert.Equal(t, testNow.UnixMilli(), ev.TimestampMs)
	assert.Equal(t, int64(250), ev.DurationMs)
}
