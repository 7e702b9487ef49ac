package signal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-e2ee/internal/signal"
)

type device struct {
	identity signal.IdentityKeyPair
	spk      signal.SignedPreKey
	opks     map[int]signal.PreKey
}

func newDevice(t *testing.T, lib *signal.Library) *device {
	t.Helper()
	id, err := lib.GenerateIdentity()
	require.NoError(t, err)
	spk, err := lib.GenerateSignedPreKey(id, 1700000000)
	require.NoError(t, err)
	keys, err := lib.GeneratePreKeys(1, 5)
	require.NoError(t, err)
	d := &device{identity: id, spk: spk, opks: map[int]signal.PreKey{}}
	for _, k := range keys {
		d.opks[k.ID] = k
	}
	return d
}

func (d *device) bundle(opkID *int) signal.PreKeyBundle {
	b := signal.PreKeyBundle{
		RegistrationID:        d.identity.RegistrationID,
		IdentityKey:           d.identity.Public[:],
		SignedPreKeyID:        d.spk.ID,
		SignedPreKey:          d.spk.Public[:],
		SignedPreKeySignature: d.spk.Signature,
	}
	if opkID != nil {
		k := d.opks[*opkID]
		b.OneTimePreKeyID = opkID
		b.OneTimePreKey = k.Public[:]
	}
	return b
}

func (d *device) material(t *testing.T, info signal.PreKeyInfo) signal.PreKeyMaterial {
	t.Helper()
	require.Equal(t, d.spk.ID, info.SignedPreKeyID)
	m := signal.PreKeyMaterial{SignedPreKey: d.spk.KeyPair}
	if info.OneTimePreKeyID != nil {
		k, ok := d.opks[*info.OneTimePreKeyID]
		require.True(t, ok)
		m.OneTimePreKey = &k.KeyPair
	}
	return m
}

// The responder decrypts the very first prekey message of a session and
// replies on the same session.
func TestSessionRoundTrip(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)
	opk := 1

	aliceRec, err := lib.BuildSession(alice.identity, bob.bundle(&opk))
	require.NoError(t, err)

	ct, typ, aliceRec, err := lib.Encrypt(aliceRec, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, signal.MessageTypePreKey, typ)

	info, err := lib.InspectPreKeyMessage(nil, ct)
	require.NoError(t, err)
	assert.False(t, info.Established)
	assert.Equal(t, alice.identity.Public[:], info.IdentityKey)
	require.NotNil(t, info.OneTimePreKeyID)
	assert.Equal(t, 1, *info.OneTimePreKeyID)

	pt, bobRec, err := lib.DecryptPreKey(nil, bob.identity, bob.material(t, info), ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	reply, typ, bobRec, err := lib.Encrypt(bobRec, []byte("hi alice"))
	require.NoError(t, err)
	assert.Equal(t, signal.MessageTypeWhisper, typ)

	pt, aliceRec, err = lib.Decrypt(aliceRec, reply)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt))

	// After the reply alice drops the prekey header.
	ct, typ, _, err = lib.Encrypt(aliceRec, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, signal.MessageTypeWhisper, typ)

	pt, _, err = lib.Decrypt(bobRec, ct)
	require.NoError(t, err)
	assert.Equal(t, "second", string(pt))
}

func TestSessionWithoutOneTimePreKey(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)

	rec, err := lib.BuildSession(alice.identity, bob.bundle(nil))
	require.NoError(t, err)
	ct, _, _, err := lib.Encrypt(rec, []byte("no opk"))
	require.NoError(t, err)

	info, err := lib.InspectPreKeyMessage(nil, ct)
	require.NoError(t, err)
	assert.Nil(t, info.OneTimePreKeyID)

	pt, _, err := lib.DecryptPreKey(nil, bob.identity, bob.material(t, info), ct)
	require.NoError(t, err)
	assert.Equal(t, "no opk", string(pt))
}

func TestRepeatedPreKeyMessagesStayInSession(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)
	opk := 2

	aliceRec, err := lib.BuildSession(alice.identity, bob.bundle(&opk))
	require.NoError(t, err)
	first, _, aliceRec, err := lib.Encrypt(aliceRec, []byte("one"))
	require.NoError(t, err)
	second, typ, _, err := lib.Encrypt(aliceRec, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, signal.MessageTypePreKey, typ)

	info, err := lib.InspectPreKeyMessage(nil, first)
	require.NoError(t, err)
	_, bobRec, err := lib.DecryptPreKey(nil, bob.identity, bob.material(t, info), first)
	require.NoError(t, err)

	info, err = lib.InspectPreKeyMessage(bobRec, second)
	require.NoError(t, err)
	assert.True(t, info.Established)

	// The one-time key is gone by now; the established session needs no material.
	pt, _, err := lib.DecryptPreKey(bobRec, bob.identity, signal.PreKeyMaterial{}, second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(pt))
}

func TestOutOfOrderAndReplay(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)

	aliceRec, err := lib.BuildSession(alice.identity, bob.bundle(nil))
	require.NoError(t, err)
	hello, _, aliceRec, err := lib.Encrypt(aliceRec, []byte("hello"))
	require.NoError(t, err)
	info, err := lib.InspectPreKeyMessage(nil, hello)
	require.NoError(t, err)
	_, bobRec, err := lib.DecryptPreKey(nil, bob.identity, bob.material(t, info), hello)
	require.NoError(t, err)

	reply, _, _, err := lib.Encrypt(bobRec, []byte("ack"))
	require.NoError(t, err)
	_, aliceRec, err = lib.Decrypt(aliceRec, reply)
	require.NoError(t, err)

	m1, _, aliceRec, err := lib.Encrypt(aliceRec, []byte("m1"))
	require.NoError(t, err)
	m2, _, _, err := lib.Encrypt(aliceRec, []byte("m2"))
	require.NoError(t, err)

	pt, bobRec, err := lib.Decrypt(bobRec, m2)
	require.NoError(t, err)
	assert.Equal(t, "m2", string(pt))
	pt, bobRec, err = lib.Decrypt(bobRec, m1)
	require.NoError(t, err)
	assert.Equal(t, "m1", string(pt))

	_, _, err = lib.Decrypt(bobRec, m1)
	assert.ErrorIs(t, err, signal.ErrDuplicateMessage)
}

func TestWrongSignedPreKeyFails(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)

	rec, err := lib.BuildSession(alice.identity, bob.bundle(nil))
	require.NoError(t, err)
	ct, _, _, err := lib.Encrypt(rec, []byte("hello"))
	require.NoError(t, err)

	// The prekey message references a signed prekey bob does not hold.
	other, err := lib.GenerateSignedPreKey(bob.identity, 1)
	require.NoError(t, err)
	_, _, err = lib.DecryptPreKey(nil, bob.identity, signal.PreKeyMaterial{SignedPreKey: other.KeyPair}, ct)
	assert.ErrorIs(t, err, signal.ErrInvalidMessage)
}

func TestTamperedWhisperLeavesRecordUsable(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)

	aliceRec, err := lib.BuildSession(alice.identity, bob.bundle(nil))
	require.NoError(t, err)
	hello, _, aliceRec, err := lib.Encrypt(aliceRec, []byte("hello"))
	require.NoError(t, err)
	info, err := lib.InspectPreKeyMessage(nil, hello)
	require.NoError(t, err)
	_, bobRec, err := lib.DecryptPreKey(nil, bob.identity, bob.material(t, info), hello)
	require.NoError(t, err)

	reply, typ, _, err := lib.Encrypt(bobRec, []byte("ack"))
	require.NoError(t, err)
	require.Equal(t, signal.MessageTypeWhisper, typ)

	tampered := append([]byte(nil), reply...)
	tampered[len(tampered)-1] ^= 0x01
	_, _, err = lib.Decrypt(aliceRec, tampered)
	assert.ErrorIs(t, err, signal.ErrInvalidMessage)

	pt, _, err := lib.Decrypt(aliceRec, reply)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(pt))
}

func TestGarbageCiphertextIsInvalid(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)
	rec, err := lib.BuildSession(alice.identity, bob.bundle(nil))
	require.NoError(t, err)

	for _, ct := range [][]byte{{}, {0x33}, []byte("not a message at all")} {
		_, _, err := lib.Decrypt(rec, ct)
		assert.ErrorIs(t, err, signal.ErrInvalidMessage)
		_, err = lib.InspectPreKeyMessage(nil, ct)
		assert.ErrorIs(t, err, signal.ErrInvalidMessage)
	}
}

// Both sides open a session from the other's bundle before either prekey
// message arrives. Each side ends up holding both sessions and keeps
// decrypting whichever one the peer sends on.
func TestCrossingPreKeyMessagesRecover(t *testing.T) {
	lib := signal.New()
	alice, bob := newDevice(t, lib), newDevice(t, lib)
	aOPK, bOPK := 1, 2

	aliceRec, err := lib.BuildSession(alice.identity, bob.bundle(&bOPK))
	require.NoError(t, err)
	bobRec, err := lib.BuildSession(bob.identity, alice.bundle(&aOPK))
	require.NoError(t, err)

	fromAlice, _, aliceRec, err := lib.Encrypt(aliceRec, []byte("hi bob"))
	require.NoError(t, err)
	fromBob, _, bobRec, err := lib.Encrypt(bobRec, []byte("hi alice"))
	require.NoError(t, err)

	info, err := lib.InspectPreKeyMessage(bobRec, fromAlice)
	require.NoError(t, err)
	assert.False(t, info.Established)
	pt, bobRec, err := lib.DecryptPreKey(bobRec, bob.identity, bob.material(t, info), fromAlice)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(pt))

	info, err = lib.InspectPreKeyMessage(aliceRec, fromBob)
	require.NoError(t, err)
	assert.False(t, info.Established)
	pt, aliceRec, err = lib.DecryptPreKey(aliceRec, alice.identity, alice.material(t, info), fromBob)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt))

	deliver := func(rec []byte, local signal.IdentityKeyPair, ct []byte, typ int) (string, []byte) {
		t.Helper()
		if typ == signal.MessageTypePreKey {
			info, err := lib.InspectPreKeyMessage(rec, ct)
			require.NoError(t, err)
			require.True(t, info.Established)
			pt, next, err := lib.DecryptPreKey(rec, local, signal.PreKeyMaterial{}, ct)
			require.NoError(t, err)
			return string(pt), next
		}
		pt, next, err := lib.Decrypt(rec, ct)
		require.NoError(t, err)
		return string(pt), next
	}

	for i := 0; i < 3; i++ {
		ct, typ, next, err := lib.Encrypt(aliceRec, []byte("a"))
		require.NoError(t, err)
		aliceRec = next
		got, next := deliver(bobRec, bob.identity, ct, typ)
		bobRec = next
		assert.Equal(t, "a", got, "alice to bob, round %d", i)

		ct, typ, next, err = lib.Encrypt(bobRec, []byte("b"))
		require.NoError(t, err)
		bobRec = next
		got, next = deliver(aliceRec, alice.identity, ct, typ)
		aliceRec = next
		assert.Equal(t, "b", got, "bob to alice, round %d", i)
	}
}

func TestIdentityPrivateRoundTrip(t *testing.T) {
	lib := signal.New()
	id, err := lib.GenerateIdentity()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id.RegistrationID, 1)
	assert.LessOrEqual(t, id.RegistrationID, 16380)

	back, err := signal.NewIdentityKeyPair(id.Public[:], id.MarshalPrivate(), id.RegistrationID)
	require.NoError(t, err)
	assert.Equal(t, id, back)

	other, err := lib.GenerateIdentity()
	require.NoError(t, err)
	_, err = signal.NewIdentityKeyPair(other.Public[:], id.MarshalPrivate(), id.RegistrationID)
	assert.ErrorIs(t, err, signal.ErrInvalidKey)
}

func TestVerifySignedPreKey(t *testing.T) {
	lib := signal.New()
	d := newDevice(t, lib)
	assert.True(t, signal.VerifySignedPreKey(d.identity.Public[:], d.spk.Public[:], d.spk.Signature))

	other := newDevice(t, lib)
	assert.False(t, signal.VerifySignedPreKey(other.identity.Public[:], d.spk.Public[:], d.spk.Signature))
	assert.False(t, signal.VerifySignedPreKey(d.identity.Public[:], d.spk.Public[:], d.spk.Signature[:10]))
}

func TestGeneratePreKeysSequentialIDs(t *testing.T) {
	keys, err := signal.New().GeneratePreKeys(41, 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for i, k := range keys {
		assert.Equal(t, 41+i, k.ID)
	}
}

func TestPreKeyAndSignedPreKeyIDRanges(t *testing.T) {
	lib := signal.New()
	_, err := lib.GeneratePreKeys(0, 1)
	assert.ErrorIs(t, err, signal.ErrInvalidKey)
	_, err = lib.GeneratePreKeys(1<<24-1, 1)
	assert.ErrorIs(t, err, signal.ErrInvalidKey)
	_, err = lib.GeneratePreKeys(1, 0)
	assert.Error(t, err)

	id, err := lib.GenerateIdentity()
	require.NoError(t, err)
	_, err = lib.GenerateSignedPreKey(id, 1<<32)
	assert.ErrorIs(t, err, signal.ErrInvalidKey)
}
