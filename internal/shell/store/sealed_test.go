package store_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/conductor/internal/core/crypto"
	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/shell/store"
	"github.com/artpar/conductor/internal/shell/store/storetest"
)

func newTestSealer(t *testing.T, passphrase string) *crypto.Sealer {
	t.Helper()
	sealer, err := crypto.NewSealer(passphrase)
	require.NoError(t, err)
	return sealer
}

func TestSealedStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewSealedStore(newTestFileStore(t), newTestSealer(t, "correct horse"))
	})
}

func TestSealedStore_PayloadIsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	inner := newTestSQLiteStore(t)
	s := store.NewSealedStore(inner, newTestSealer(t, "correct horse"))

	secret := []byte(`{"db_password":"hunter2"}`)
	saved, err := s.SaveCheckpoint(ctx, "exec-1", domain.PhasePrepare, secret)
	require.NoError(t, err)
	assert.Equal(t, secret, saved.Payload)
	assert.NoError(t, saved.Verify())

	raw, err := inner.LoadCheckpoint(ctx, "exec-1", domain.PhasePrepare)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw.Payload, []byte("hunter2")))

	loaded, err := s.LoadCheckpoint(ctx, "exec-1", domain.PhasePrepare)
	require.NoError(t, err)
	assert.Equal(t, secret, loaded.Payload)
}

func TestSealedStore_WrongKeyIsAbsent(t *testing.T) {
	ctx := context.Background()
	inner := newTestFileStore(t)

	writer := store.NewSealedStore(inner, newTestSealer(t, "key-one"))
	_, err := writer.SaveCheckpoint(ctx, "exec-1", domain.PhaseInitialize,
		storetest.ResultPayload(t, domain.PhaseInitialize, domain.PhaseStatusSucceeded))
	require.NoError(t, err)

	reader := store.NewSealedStore(inner, newTestSealer(t, "key-two"))
	_, err = reader.LoadCheckpoint(ctx, "exec-1", domain.PhaseInitialize)
	assert.ErrorIs(t, err, store.ErrNotFound)

	state, err := store.ComputeRecoveryState(ctx, reader, "exec-1", nil)
	require.NoError(t, err)
	assert.True(t, state.Fresh())
	assert.Len(t, state.Discarded, 1)
}
