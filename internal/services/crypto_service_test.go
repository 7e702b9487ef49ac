package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/message"
	"sentinal-e2ee/internal/services"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type staticMembers map[uuid.UUID]map[uuid.UUID]bool

func (m staticMembers) IsMember(_ context.Context, groupID, userID uuid.UUID) (bool, error) {
	return m[groupID][userID], nil
}

func TestDirectRoundTrip(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)

	env, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("hello"), device)
	require.NoError(t, err)
	assert.Equal(t, message.CipherTypePreKey, env.CipherType)
	assert.Equal(t, device, env.DeviceID)
	assert.NotContains(t, string(env.Ciphertext), "hello")

	out, err := f.crypto.DecryptDirect(ctx, bob, env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out.Plaintext))
	assert.Equal(t, alice, out.SenderID)
	assert.Equal(t, env.ID, out.MessageID)

	reply, err := f.crypto.EncryptDirect(ctx, bob, alice, []byte("hi"), device)
	require.NoError(t, err)
	assert.Equal(t, message.CipherTypeWhisper, reply.CipherType)

	out, err = f.crypto.DecryptDirect(ctx, alice, reply)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out.Plaintext))
	assert.Equal(t, bob, out.SenderID)

	next, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("again"), device)
	require.NoError(t, err)
	assert.Equal(t, message.CipherTypeWhisper, next.CipherType)
	out, err = f.crypto.DecryptDirect(ctx, bob, next)
	require.NoError(t, err)
	assert.Equal(t, "again", string(out.Plaintext))
}

func TestDecryptDirectWithoutSession(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	alice, bob := f.user(t), f.user(t)

	env := message.Envelope{
		ID:          uuid.New(),
		SenderID:    alice,
		RecipientID: &bob,
		CipherType:  message.CipherTypeWhisper,
		DeviceID:    device,
		Ciphertext:  []byte(`{"h":{},"c":"AAAA"}`),
		CreatedAt:   time.Now(),
	}
	out, err := f.crypto.DecryptDirect(context.Background(), bob, env)
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)
	assert.Nil(t, out.Plaintext)
}

func TestDecryptDirectConsumesOneTimePreKey(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)

	env, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("hello"), device)
	require.NoError(t, err)
	_, err = f.crypto.DecryptDirect(ctx, bob, env)
	require.NoError(t, err)

	_, err = f.mem.GetPreKeySecret(ctx, bob, device, 1)
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)

	// A second prekey message of the same session still decrypts.
	env2, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("still pending"), device)
	require.NoError(t, err)
	assert.Equal(t, message.CipherTypePreKey, env2.CipherType)
	out, err := f.crypto.DecryptDirect(ctx, bob, env2)
	require.NoError(t, err)
	assert.Equal(t, "still pending", string(out.Plaintext))
}

func TestDecryptDirectRejectsOtherRecipient(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, eve := f.user(t), f.user(t), f.user(t)

	env, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("for bob"), device)
	require.NoError(t, err)
	_, err = f.crypto.DecryptDirect(ctx, eve, env)
	assert.ErrorIs(t, err, sentinal_errors.ErrAccessDenied)
}

func TestDecryptDirectTamperedCiphertext(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)

	_, err := f.crypto.KeyExchange(ctx, bob, alice, device)
	require.NoError(t, err)
	env, err := f.crypto.EncryptDirect(ctx, bob, alice, []byte("x"), device)
	require.NoError(t, err)
	_, err = f.crypto.DecryptDirect(ctx, alice, env)
	require.NoError(t, err)

	reply, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("secret"), device)
	require.NoError(t, err)
	require.Equal(t, message.CipherTypeWhisper, reply.CipherType)
	tampered := reply
	tampered.Ciphertext = append([]byte(nil), reply.Ciphertext...)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0x01
	_, err = f.crypto.DecryptDirect(ctx, bob, tampered)
	assert.ErrorIs(t, err, sentinal_errors.ErrCrypto)

	// The failed attempt leaves bob's session intact.
	out, err := f.crypto.DecryptDirect(ctx, bob, reply)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(out.Plaintext))
}

// Both users open a session before either prekey message is delivered. Each
// side keeps the session it built as an archived state, so traffic in both
// directions keeps decrypting after the crossing.
func TestSimultaneousInitiationRecovers(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)

	toBob, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("hi bob"), device)
	require.NoError(t, err)
	toAlice, err := f.crypto.EncryptDirect(ctx, bob, alice, []byte("hi alice"), device)
	require.NoError(t, err)
	require.Equal(t, message.CipherTypePreKey, toBob.CipherType)
	require.Equal(t, message.CipherTypePreKey, toAlice.CipherType)

	out, err := f.crypto.DecryptDirect(ctx, bob, toBob)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(out.Plaintext))
	out, err = f.crypto.DecryptDirect(ctx, alice, toAlice)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(out.Plaintext))

	for i := 0; i < 3; i++ {
		env, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("ping"), device)
		require.NoError(t, err)
		out, err := f.crypto.DecryptDirect(ctx, bob, env)
		require.NoError(t, err, "alice to bob, round %d", i)
		assert.Equal(t, "ping", string(out.Plaintext))

		env, err = f.crypto.EncryptDirect(ctx, bob, alice, []byte("pong"), device)
		require.NoError(t, err)
		out, err = f.crypto.DecryptDirect(ctx, alice, env)
		require.NoError(t, err, "bob to alice, round %d", i)
		assert.Equal(t, "pong", string(out.Plaintext))
	}
}

func TestEncryptDirectUnknownRecipient(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	alice := f.user(t)

	_, err := f.crypto.EncryptDirect(context.Background(), alice, uuid.New(), []byte("x"), device)
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)
}

func TestEncryptDirectUninitializedSender(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	bob := f.user(t)

	_, err := f.crypto.EncryptDirect(context.Background(), uuid.New(), bob, []byte("x"), device)
	assert.ErrorIs(t, err, sentinal_errors.ErrNotInitialized)
}

func TestEncryptAddressingValidation(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	alice := f.user(t)
	bob, group := uuid.New(), uuid.New()

	_, err := f.crypto.Encrypt(context.Background(), alice, services.Addressing{}, []byte("x"), device)
	assert.ErrorIs(t, err, sentinal_errors.ErrValidation)

	_, err = f.crypto.Encrypt(context.Background(), alice, services.Addressing{RecipientID: &bob, GroupID: &group}, []byte("x"), device)
	assert.ErrorIs(t, err, sentinal_errors.ErrValidation)

	_, err = f.crypto.Decrypt(context.Background(), alice, message.Envelope{SenderID: bob})
	assert.ErrorIs(t, err, sentinal_errors.ErrValidation)
}

func TestConcurrentEncryptsSerializePerSession(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)

	const n = 20
	envs := make([]message.Envelope, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("m"), device)
			assert.NoError(t, err)
			envs[i] = env
		}(i)
	}
	wg.Wait()

	// Lost updates would reuse a message key and one of these would fail.
	for _, env := range envs {
		out, err := f.crypto.DecryptDirect(ctx, bob, env)
		require.NoError(t, err)
		assert.Equal(t, "m", string(out.Plaintext))
	}

	n2, err := f.keys.CountPreKeys(ctx, bob, device)
	require.NoError(t, err)
	assert.Equal(t, 99, n2)
}

func TestKeyExchange(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)

	res, err := f.crypto.KeyExchange(ctx, alice, bob, device)
	require.NoError(t, err)
	assert.True(t, res.SessionEstablished)
	assert.True(t, res.Created)

	res, err = f.crypto.KeyExchange(ctx, alice, bob, device)
	require.NoError(t, err)
	assert.True(t, res.SessionEstablished)
	assert.False(t, res.Created)

	// The exchange claimed exactly one one-time key.
	n, err := f.keys.CountPreKeys(ctx, bob, device)
	require.NoError(t, err)
	assert.Equal(t, 99, n)

	env, err := f.crypto.EncryptDirect(ctx, alice, bob, []byte("after exchange"), device)
	require.NoError(t, err)
	assert.Equal(t, message.CipherTypePreKey, env.CipherType)
	out, err := f.crypto.DecryptDirect(ctx, bob, env)
	require.NoError(t, err)
	assert.Equal(t, "after exchange", string(out.Plaintext))
}

func TestVerify(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.crypto.SetClock(func() time.Time { return now })
	sender := uuid.New()
	env := message.Envelope{SenderID: sender}

	assert.True(t, f.crypto.Verify(env, message.Metadata{ExpectedSenderID: sender, Timestamp: now.Add(-time.Minute)}))
	assert.True(t, f.crypto.Verify(env, message.Metadata{ExpectedSenderID: sender, Timestamp: now.Add(-5 * time.Minute)}))
	assert.False(t, f.crypto.Verify(env, message.Metadata{ExpectedSenderID: sender, Timestamp: now.Add(-5*time.Minute - time.Second)}))
	assert.False(t, f.crypto.Verify(env, message.Metadata{ExpectedSenderID: uuid.New(), Timestamp: now}))
	assert.False(t, f.crypto.Verify(env, message.Metadata{ExpectedSenderID: sender}))
}

func TestGroupDistributionOnlyOnFirstMessage(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	group := uuid.New()

	first, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("one"), device)
	require.NoError(t, err)
	assert.NotEmpty(t, first.Distribution)
	assert.Equal(t, message.CipherTypeSenderKey, first.CipherType)

	second, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("two"), device)
	require.NoError(t, err)
	assert.Empty(t, second.Distribution)

	for _, member := range []uuid.UUID{bob, carol} {
		out, err := f.crypto.DecryptGroup(ctx, member, first)
		require.NoError(t, err)
		assert.Equal(t, "one", string(out.Plaintext))
		require.NotNil(t, out.GroupID)
		assert.Equal(t, group, *out.GroupID)

		out, err = f.crypto.DecryptGroup(ctx, member, second)
		require.NoError(t, err)
		assert.Equal(t, "two", string(out.Plaintext))
	}
}

func TestDecryptGroupWithoutSenderKey(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, group := uuid.New(), uuid.New(), uuid.New()

	_, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("one"), device)
	require.NoError(t, err)
	second, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("two"), device)
	require.NoError(t, err)

	_, err = f.crypto.DecryptGroup(ctx, bob, second)
	assert.ErrorIs(t, err, sentinal_errors.ErrNotFound)
}

func TestDecryptGroupRedeliveredDistribution(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, group := uuid.New(), uuid.New(), uuid.New()

	first, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("one"), device)
	require.NoError(t, err)
	second, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("two"), device)
	require.NoError(t, err)

	_, err = f.crypto.DecryptGroup(ctx, bob, first)
	require.NoError(t, err)

	// The second envelope arrives carrying the same distribution again.
	second.Distribution = first.Distribution
	out, err := f.crypto.DecryptGroup(ctx, bob, second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(out.Plaintext))
}

func TestResetGroupSessionStartsNewChain(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, group := uuid.New(), uuid.New(), uuid.New()

	first, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("one"), device)
	require.NoError(t, err)
	_, err = f.crypto.DecryptGroup(ctx, bob, first)
	require.NoError(t, err)

	require.NoError(t, f.crypto.ResetGroupSession(ctx, alice, group, device))

	rotated, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("new chain"), device)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.Distribution)
	out, err := f.crypto.DecryptGroup(ctx, bob, rotated)
	require.NoError(t, err)
	assert.Equal(t, "new chain", string(out.Plaintext))
}

func TestDecryptGroupOwnMessage(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, group := uuid.New(), uuid.New()

	env, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("one"), device)
	require.NoError(t, err)
	_, err = f.crypto.DecryptGroup(ctx, alice, env)
	assert.ErrorIs(t, err, sentinal_errors.ErrValidation)
}

func TestGroupMembershipEnforced(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, mallory, group := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	f.crypto.SetMembershipChecker(staticMembers{group: {alice: true, bob: true}})

	env, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("members only"), device)
	require.NoError(t, err)

	_, err = f.crypto.DecryptGroup(ctx, mallory, env)
	assert.ErrorIs(t, err, sentinal_errors.ErrAccessDenied)
	_, err = f.crypto.EncryptGroup(ctx, mallory, group, []byte("x"), device)
	assert.ErrorIs(t, err, sentinal_errors.ErrAccessDenied)

	out, err := f.crypto.DecryptGroup(ctx, bob, env)
	require.NoError(t, err)
	assert.Equal(t, "members only", string(out.Plaintext))
}

func TestSenderKeysAreHeldPerOwner(t *testing.T) {
	f := newFixture(t, defaultKeysConfig())
	ctx := context.Background()
	alice, bob, group := uuid.New(), uuid.New(), uuid.New()

	env, err := f.crypto.EncryptGroup(ctx, alice, group, []byte("one"), device)
	require.NoError(t, err)
	_, err = f.crypto.DecryptGroup(ctx, bob, env)
	require.NoError(t, err)

	_, err = f.mem.LoadSenderKey(ctx, encryption.SenderKeyName{OwnerID: bob, GroupID: group, SenderID: alice, DeviceID: device})
	assert.NoError(t, err)
	own, err := f.mem.LoadSenderKey(ctx, encryption.SenderKeyName{OwnerID: alice, GroupID: group, SenderID: alice, DeviceID: device})
	require.NoError(t, err)
	assert.NotEmpty(t, own.State)
}
