package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Sealer Tests
// =============================================================================

func TestSealer_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewSealer(key)
	require.NoError(t, err)

	token, err := s.Seal([]byte(`{"phase":"deploy"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(token), "deploy")

	plain, err := s.Open(token)
	require.NoError(t, err)
	assert.Equal(t, `{"phase":"deploy"}`, string(plain))
}

func TestSealer_WrongKey(t *testing.T) {
	a, err := NewSealer("passphrase-a")
	require.NoError(t, err)
	b, err := NewSealer("passphrase-b")
	require.NoError(t, err)

	token, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(token)
	assert.ErrorIs(t, err, ErrUnsealFailed)

	_, err = a.Open([]byte("garbage"))
	assert.ErrorIs(t, err, ErrUnsealFailed)
}

func TestNewSealer_EmptyKey(t *testing.T) {
	_, err := NewSealer("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	assert.Equal(t, DeriveKey("same"), DeriveKey("same"))
	assert.NotEqual(t, DeriveKey("one"), DeriveKey("two"))
}

// =============================================================================
// SSH Key Tests
// =============================================================================

func TestGenerateSSHKeyPair(t *testing.T) {
	priv, pub, err := GenerateSSHKeyPair()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "))

	signer, err := ParseSSHPrivateKey(priv)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(Fingerprint(signer.PublicKey()), "SHA256:"))
}

func TestParseSSHPrivateKey_Invalid(t *testing.T) {
	_, err := ParseSSHPrivateKey([]byte("not a key"))
	assert.ErrorIs(t, err, ErrInvalidSSHKey)
}
