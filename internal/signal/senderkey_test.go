package signal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-e2ee/internal/signal"
)

func TestSenderKeyFanOut(t *testing.T) {
	lib := signal.New()
	own, dist, err := lib.CreateSenderKey()
	require.NoError(t, err)

	bobCopy, changed, err := lib.ProcessSenderKeyDistribution(nil, dist)
	require.NoError(t, err)
	assert.True(t, changed)
	carolCopy, _, err := lib.ProcessSenderKeyDistribution(nil, dist)
	require.NoError(t, err)

	ct, _, err := lib.GroupEncrypt(own, []byte("hi group"))
	require.NoError(t, err)

	pt, _, err := lib.GroupDecrypt(bobCopy, ct)
	require.NoError(t, err)
	assert.Equal(t, "hi group", string(pt))
	pt, _, err = lib.GroupDecrypt(carolCopy, ct)
	require.NoError(t, err)
	assert.Equal(t, "hi group", string(pt))

	// A receiving copy has no signing key.
	_, _, err = lib.GroupEncrypt(bobCopy, []byte("x"))
	assert.ErrorIs(t, err, signal.ErrNotSenderChain)
}

func TestSenderKeyDistributionDedup(t *testing.T) {
	lib := signal.New()
	own, dist, err := lib.CreateSenderKey()
	require.NoError(t, err)
	held, _, err := lib.ProcessSenderKeyDistribution(nil, dist)
	require.NoError(t, err)

	ct, _, err := lib.GroupEncrypt(own, []byte("one"))
	require.NoError(t, err)
	_, held, err = lib.GroupDecrypt(held, ct)
	require.NoError(t, err)

	// Redelivering the same distribution must not rewind the held chain.
	again, changed, err := lib.ProcessSenderKeyDistribution(held, dist)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, held, again)
	_, _, err = lib.GroupDecrypt(again, ct)
	assert.ErrorIs(t, err, signal.ErrDuplicateMessage)

	// A new chain replaces the copy.
	_, dist2, err := lib.CreateSenderKey()
	require.NoError(t, err)
	_, changed, err = lib.ProcessSenderKeyDistribution(held, dist2)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestSenderKeyOutOfOrder(t *testing.T) {
	lib := signal.New()
	own, dist, err := lib.CreateSenderKey()
	require.NoError(t, err)
	held, _, err := lib.ProcessSenderKeyDistribution(nil, dist)
	require.NoError(t, err)

	var msgs [][]byte
	for _, p := range []string{"a", "b", "c"} {
		var ct []byte
		ct, own, err = lib.GroupEncrypt(own, []byte(p))
		require.NoError(t, err)
		msgs = append(msgs, ct)
	}

	pt, held, err := lib.GroupDecrypt(held, msgs[2])
	require.NoError(t, err)
	assert.Equal(t, "c", string(pt))
	pt, held, err = lib.GroupDecrypt(held, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", string(pt))
	pt, _, err = lib.GroupDecrypt(held, msgs[1])
	require.NoError(t, err)
	assert.Equal(t, "b", string(pt))
}

func TestSenderKeyWrongChain(t *testing.T) {
	lib := signal.New()
	own, _, err := lib.CreateSenderKey()
	require.NoError(t, err)
	_, otherDist, err := lib.CreateSenderKey()
	require.NoError(t, err)
	held, _, err := lib.ProcessSenderKeyDistribution(nil, otherDist)
	require.NoError(t, err)

	ct, _, err := lib.GroupEncrypt(own, []byte("x"))
	require.NoError(t, err)
	_, _, err = lib.GroupDecrypt(held, ct)
	assert.ErrorIs(t, err, signal.ErrNoSenderKeyForChain)
}

func TestSenderKeyForgedSignature(t *testing.T) {
	lib := signal.New()
	own, dist, err := lib.CreateSenderKey()
	require.NoError(t, err)
	held, _, err := lib.ProcessSenderKeyDistribution(nil, dist)
	require.NoError(t, err)

	ct, _, err := lib.GroupEncrypt(own, []byte("x"))
	require.NoError(t, err)
	forged := append([]byte(nil), ct...)
	forged[len(forged)-1] ^= 0x01
	_, _, err = lib.GroupDecrypt(held, forged)
	assert.ErrorIs(t, err, signal.ErrInvalidSignature)

	pt, _, err := lib.GroupDecrypt(held, ct)
	require.NoError(t, err)
	assert.Equal(t, "x", string(pt))
}

func TestSenderKeyEmptyRecords(t *testing.T) {
	lib := signal.New()
	_, _, err := lib.GroupEncrypt(nil, []byte("x"))
	assert.ErrorIs(t, err, signal.ErrNoSenderKeyForChain)
	_, _, err = lib.GroupDecrypt(nil, []byte("x"))
	assert.ErrorIs(t, err, signal.ErrNoSenderKeyForChain)
	_, _, err = lib.ProcessSenderKeyDistribution(nil, []byte{0x33})
	assert.ErrorIs(t, err, signal.ErrInvalidMessage)
}
