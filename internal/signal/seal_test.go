package signal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-e2ee/internal/signal"
)

func TestSealerRoundTrip(t *testing.T) {
	s, err := signal.NewSealer("correct horse")
	require.NoError(t, err)

	secret := []byte("private key bytes")
	sealed, err := s.Seal(secret)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(secret))

	again, err := s.Seal(secret)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, secret, opened)
}

func TestSealerRejectsWrongSecretAndTampering(t *testing.T) {
	s, err := signal.NewSealer("one")
	require.NoError(t, err)
	other, err := signal.NewSealer("two")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("material"))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.ErrorIs(t, err, signal.ErrSealed)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = s.Open(tampered)
	assert.ErrorIs(t, err, signal.ErrSealed)

	_, err = s.Open(sealed[:5])
	assert.ErrorIs(t, err, signal.ErrSealed)
}

func TestNewSealerRequiresSecret(t *testing.T) {
	_, err := signal.NewSealer("")
	assert.Error(t, err)
}
