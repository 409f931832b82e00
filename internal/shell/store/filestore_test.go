package store_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/shell/store"
	"github.com/artpar/conductor/internal/shell/store/storetest"
)

func newTestFileStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_Contract(t *testing.T) {
	storetest.Run(t, newTestFileStore)
}

func TestFileStore_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := store.NewFileStore(root)
	require.NoError(t, err)

	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.PhaseDeploy, []byte(`{}`))
	require.NoError(t, err)
	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.PhaseDeploy, []byte(`{}`))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "executions", "exec-1", "checkpoints", "deploy", "v00000001.yaml"))
	assert.FileExists(t, filepath.Join(root, "executions", "exec-1", "checkpoints", "deploy", "v00000002.yaml"))

	entries, err := os.ReadDir(filepath.Join(root, "executions", "exec-1", "checkpoints", "deploy"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".conductor-tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestFileStore_UnsafeIDsStayInRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := store.NewFileStore(root)
	require.NoError(t, err)

	for _, id := range []string{"../escape", "Exec One", "exec one"} {
		_, err := s.SaveCheckpoint(ctx, id, domain.PhaseInitialize, []byte(id))
		require.NoError(t, err)
	}
	for _, id := range []string{"../escape", "Exec One", "exec one"} {
		cp, err := s.LoadCheckpoint(ctx, id, domain.PhaseInitialize)
		require.NoError(t, err)
		assert.Equal(t, []byte(id), cp.Payload)
		assert.Equal(t, int64(1), cp.Version)
	}

	_, err = os.Stat(filepath.Join(filepath.Dir(root), "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_BinaryPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t)

	payload := []byte{0x00, 0xff, 0xfe, 0x10}
	_, err := s.SaveCheckpoint(ctx, "exec-1", domain.PhasePrepare, payload)
	require.NoError(t, err)

	cp, err := s.LoadCheckpoint(ctx, "exec-1", domain.PhasePrepare)
	require.NoError(t, err)
	assert.Equal(t, payload, cp.Payload)
}

func TestFileStore_CorruptCheckpointIsAbsent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := store.NewFileStore(root)
	require.NoError(t, err)

	for _, p := range []domain.Phase{domain.PhaseInitialize, domain.PhaseValidate} {
		_, err := s.SaveCheckpoint(ctx, "exec-1", p, storetest.ResultPayload(t, p, domain.PhaseStatusSucceeded))
		require.NoError(t, err)
	}

	path := filepath.Join(root, "executions", "exec-1", "checkpoints", "validate", "v00000001.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "succeeded", "failed", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o640))

	_, err = s.LoadCheckpoint(ctx, "exec-1", domain.PhaseValidate)
	assert.ErrorIs(t, err, store.ErrNotFound)

	state, err := store.ComputeRecoveryState(ctx, s, "exec-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseInitialize, state.HighestCompleted)
	require.Len(t, state.Discarded, 1)
}

func TestFileStore_UnreadableHighestVersionDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := store.NewFileStore(root)
	require.NoError(t, err)

	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.PhaseInitialize, storetest.ResultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded))
	require.NoError(t, err)
	_, err = s.SaveCheckpoint(ctx, "exec-1", domain.PhaseInitialize, storetest.ResultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded))
	require.NoError(t, err)

	path := filepath.Join(root, "executions", "exec-1", "checkpoints", "initialize", "v00000002.yaml")
	require.NoError(t, os.WriteFile(path, []byte("::: not yaml :::\n\t- ["), 0o640))

	_, err = s.LoadCheckpoint(ctx, "exec-1", domain.PhaseInitialize)
	assert.ErrorIs(t, err, store.ErrNotFound)

	state, err := store.ComputeRecoveryState(ctx, s, "exec-1", nil)
	require.NoError(t, err)
	assert.True(t, state.Fresh())
}
