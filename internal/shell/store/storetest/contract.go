// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/checkpoint"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/shell/store"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

// Run exercises the shared contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndLoadCheckpoint", func(t *testing.T) { testSaveAndLoad(t, newStore(t)) })
	t.Run("VersionsAreMonotonic", func(t *testing.T) { testMonotonic(t, newStore(t)) })
	t.Run("LoadMissingIsNotFound", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("RejectsInvalidKey", func(t *testing.T) { testInvalidKey(t, newStore(t)) })
	t.Run("ConcurrentSavesGetDistinctVersions", func(t *testing.T) { testConcurrentSaves(t, newStore(t)) })
	t.Run("ListCheckpointsOrdered", func(t *testing.T) { testListOrdered(t, newStore(t)) })
	t.Run("RecoveryState", func(t *testing.T) { testRecovery(t, newStore(t)) })
	t.Run("ExecutionRoundTrip", func(t *testing.T) { testExecutionRoundTrip(t, newStore(t)) })
	t.Run("ListExecutions", func(t *testing.T) { testListExecutions(t, newStore(t)) })
	t.Run("AuditEvents", func(t *testing.T) { testAuditEvents(t, newStore(t)) })
	t.Run("WithTx", func(t *testing.T) { testWithTx(t, newStore(t)) })
}

// ResultPayload encodes a phase result for use as a checkpoint payload.
func ResultPayload(t *testing.T, phase domain.Phase, status domain.PhaseStatus) []byte {
	t.Helper()
	data, err := checkpoint.EncodeResult(domain.PhaseResult{
		Phase:     phase,
		Status:    status,
		StartedAt: testNow,
		EndedAt:   testNow.Add(time.Second),
		Output:    map[string]any{"phase": string(phase)},
	})
	require.NoError(t, err)
	return data
}

// =============================================================================
// Checkpoints
// =============================================================================

func testSaveAndLoad(t *testing.T, s store.Store) {
	ctx := context.Background()
	payload := ResultPayload(t, domain.PhaseDeploy, domain.PhaseStatusSucceeded)

	saved, err := s.SaveCheckpoint(ctx, "exec-1", domain.PhaseDeploy, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.NoError(t, saved.Verify())

	loaded, err := s.LoadCheckpoint(ctx, "exec-1", domain.PhaseDeploy)
	require.NoError(t, err)
	assert.Equal(t, payload, loaded.Payload)
	assert.Equal(t, saved.Checksum, loaded.Checksum)
	assert.NoError(t, loaded.Verify())

	r, err := checkpoint.DecodeResult(loaded.Payload)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDeploy, r.Phase)
}

func testMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		cp, err := s.SaveCheckpoint(ctx, "exec-1", domain.PhasePrepare, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), cp.Version)
	}

	loaded, err := s.LoadCheckpoint(ctx, "exec-1", domain.PhasePrepare)
	require.NoError(t, err)
	assert.Equal(t, int64(3), loaded.Version)
	assert.Equal(t, []byte(`{"n":3}`), loaded.Payload)

	// Versions are per key.
	other, err := s.SaveCheckpoint(ctx, "exec-1", domain.PhaseDeploy, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
}

func testLoadMissing(t *testing.T, s store.Store) {
	_, err := s.LoadCheckpoint(context.Background(), "nope", domain.PhaseDeploy)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInvalidKey(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.SaveCheckpoint(ctx, "", domain.PhaseDeploy, []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrInvalidData)

	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.Phase("launch"), []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrInvalidData)
}

func testConcurrentSaves(t *testing.T, s store.Store) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp, err := s.SaveCheckpoint(ctx, "exec-c", domain.PhaseVerify, []byte(fmt.Sprintf(`{"w":%d}`, i)))
			if assert.NoError(t, err) {
				versions <- cp.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	loaded, err := s.LoadCheckpoint(ctx, "exec-c", domain.PhaseVerify)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), loaded.Version)
}

func testListOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.SaveCheckpoint(ctx, "exec-1", domain.PhaseValidate, []byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.PhaseInitialize, []byte(`{"a":2}`))
	require.NoError(t, err)
	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.PhaseValidate, []byte(`{"a":3}`))
	require.NoError(t, err)
	_, err = s.SaveCheckpoint(ctx, "exec-2", domain.PhaseInitialize, []byte(`{"a":4}`))
	require.NoError(t, err)

	cps, err := s.ListCheckpoints(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)

	assert.Equal(t, domain.PhaseInitialize, cps[0].Phase)
	assert.Equal(t, domain.PhaseValidate, cps[1].Phase)
	assert.Equal(t, int64(1), cps[1].Version)
	assert.Equal(t, domain.PhaseValidate, cps[2].Phase)
	assert.Equal(t, int64(2), cps[2].Version)
	for _, cp := range cps {
		assert.NoError(t, cp.Verify())
	}
}

func testRecovery(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, p := range []domain.Phase{domain.PhaseInitialize, domain.PhaseValidate, domain.PhasePrepare} {
		_, err := s.SaveCheckpoint(ctx, "exec-r", p, ResultPayload(t, p, domain.PhaseStatusSucceeded))
		require.NoError(t, err)
	}
	_, err := s.SaveCheckpoint(ctx, "exec-r", domain.PhaseDeploy, ResultPayload(t, domain.PhaseDeploy, domain.PhaseStatusFailed))
	require.NoError(t, err)

	state, err := store.ComputeRecoveryState(ctx, s, "exec-r", nil)
	require.NoError(t, err)

	assert.Equal(t, domain.PhasePrepare, state.HighestCompleted)
	assert.True(t, state.IsCompleted(domain.PhaseValidate))
	assert.False(t, state.IsCompleted(domain.PhaseDeploy))
	assert.Equal(t, []domain.Phase{domain.PhaseDeploy, domain.PhaseVerify, domain.PhaseMonitor}, state.Remaining)
	assert.Empty(t, state.Discarded)

	empty, err := store.ComputeRecoveryState(ctx, s, "exec-none", nil)
	require.NoError(t, err)
	assert.True(t, empty.Fresh())
}

// =============================================================================
// Executions
// =============================================================================

func sampleExecution(id string, created time.Time) *domain.DeploymentExecution {
	e := domain.NewExecution(id, domain.Target{Service: "api", Environment: domain.EnvStaging}, "single", created)
	return e
}

func testExecutionRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()

	e := sampleExecution("exec-1", testNow)
	require.NoError(t, e.Transition(domain.StatusRunning, testNow))
	require.NoError(t, e.Record(domain.PhaseResult{
		Phase:     domain.PhaseInitialize,
		Status:    domain.PhaseStatusSucceeded,
		StartedAt: testNow,
		EndedAt:   testNow.Add(time.Second),
	}, testNow))
	require.NoError(t, s.SaveExecution(ctx, e))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Target, got.Target)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, domain.PhaseInitialize, got.Results[0].Phase)
	assert.True(t, got.CreatedAt.Equal(testNow))

	// Saving again replaces the summary.
	require.NoError(t, e.Fail("deploy exploded", testNow.Add(time.Minute)))
	require.NoError(t, s.SaveExecution(ctx, e))

	got, err = s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "deploy exploded", got.FailureReason)

	_, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListExecutions(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := sampleExecution(fmt.Sprintf("exec-%d", i), testNow.Add(time.Duration(i)*time.Minute))
		if i == 1 {
			require.NoError(t, e.Transition(domain.StatusRunning, testNow))
		}
		require.NoError(t, s.SaveExecution(ctx, e))
	}

	all, err := s.ListExecutions(ctx, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "exec-2", all[0].ID, "newest first")

	running, err := s.ListExecutions(ctx, store.ListOptions{Status: domain.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "exec-1", running[0].ID)

	page, err := s.ListExecutions(ctx, store.ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "exec-1", page[0].ID)
}

// =============================================================================
// Audit
// =============================================================================

func testAuditEvents(t *testing.T, s store.Store) {
	ctx := context.Background()

	e1 := domain.NewPhaseEvent("exec-1", domain.PhaseInitialize, domain.PhaseStatusSucceeded, testNow, time.Second)
	e2 := domain.NewCapabilityEvent("exec-1", domain.PhaseDeploy, "health-monitoring", domain.PhaseStatusSucceeded, testNow, 0)
	e3 := domain.NewPhaseEvent("exec-2", domain.PhaseInitialize, domain.PhaseStatusFailed, testNow, 0)
	for _, e := range []*domain.AuditEvent{&e1, &e2, &e3} {
		require.NoError(t, s.AppendAuditEvent(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	events, err := s.ListAuditEvents(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.PhaseInitialize, events[0].Phase)
	assert.Equal(t, "health-monitoring", events[1].Capability)
	assert.Equal(t, int64(1000), events[0].DurationMs)

	pending, err := s.GetUnreportedAuditEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, s.MarkAuditEventsReported(ctx, []string{e1.ID, e3.ID}, testNow))

	pending, err = s.GetUnreportedAuditEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e2.ID, pending[0].ID)
}

func testWithTx(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.SaveCheckpoint(ctx, "exec-tx", domain.PhaseInitialize, []byte(`{}`)); err != nil {
			return err
		}
		return tx.SaveExecution(ctx, sampleExecution("exec-tx", testNow))
	})
	require.NoError(t, err)

	_, err = s.LoadCheckpoint(ctx, "exec-tx", domain.PhaseInitialize)
	assert.NoError(t, err)
	_, err = s.GetExecution(ctx, "exec-tx")
	assert.NoError(t, err)
}
