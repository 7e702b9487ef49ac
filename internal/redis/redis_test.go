package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-e2ee/internal/events"
	sredis "sentinal-e2ee/internal/redis"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheStoreMissAndHit(t *testing.T) {
	mr, client := newClient(t)
	cache := sredis.NewCacheStore(client)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "session:a:b:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "session:a:b:1", []byte("state"), time.Minute))
	got, ok, err := cache.Get(ctx, "session:a:b:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("state"), got)
	assert.True(t, mr.Exists("e2ee:session:a:b:1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "session:a:b:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, cache.Delete(ctx, "k"))
	_, ok, _ = cache.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCacheStoreReportsConnectionErrors(t *testing.T) {
	mr, client := newClient(t)
	cache := sredis.NewCacheStore(client)
	mr.Close()

	_, ok, err := cache.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestBrokerDeliversAcrossSubscribers(t *testing.T) {
	_, client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := sredis.NewBroker(client, nil)
	nodeB := sredis.NewBroker(client, nil)

	gotA := make(chan events.Delivery, 16)
	gotB := make(chan events.Delivery, 16)
	sink := func(ch chan events.Delivery) func(events.Delivery) {
		return func(d events.Delivery) {
			select {
			case ch <- d:
			default:
			}
		}
	}
	go func() { _ = nodeA.Subscribe(ctx, sink(gotA)) }()
	go func() { _ = nodeB.Subscribe(ctx, sink(gotB)) }()

	sender := uuid.New()
	d := events.Delivery{
		Channel:       events.GroupChannel(uuid.New()),
		Frame:         []byte(`{"type":"message"}`),
		ExcludeUserID: &sender,
	}
	require.Eventually(t, func() bool {
		if err := nodeA.Publish(ctx, d); err != nil {
			return false
		}
		return len(gotA) > 0 && len(gotB) > 0
	}, 2*time.Second, 20*time.Millisecond)

	got := <-gotB
	assert.Equal(t, d.Channel, got.Channel)
	assert.JSONEq(t, string(d.Frame), string(got.Frame))
	require.NotNil(t, got.ExcludeUserID)
	assert.Equal(t, sender, *got.ExcludeUserID)
}

func TestBrokerSubscribeStopsOnCancel(t *testing.T) {
	_, client := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sredis.NewBroker(client, nil).Subscribe(ctx, func(events.Delivery) {}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestPresenceOnlineUntilLastConnection(t *testing.T) {
	_, client := newClient(t)
	presence := sredis.NewPresenceStore(client, time.Minute)
	ctx := context.Background()
	user := uuid.New()

	first, err := presence.Connect(ctx, user, "c1", 1)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = presence.Connect(ctx, user, "c2", 2)
	require.NoError(t, err)
	assert.False(t, first)

	n, err := presence.ConnectionCount(ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	offline, err := presence.Disconnect(ctx, user, "c1")
	require.NoError(t, err)
	assert.False(t, offline)
	online, err := presence.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	offline, err = presence.Disconnect(ctx, user, "c2")
	require.NoError(t, err)
	assert.True(t, offline)

	online, err = presence.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	status, err := presence.GetPresence(ctx, user)
	require.NoError(t, err)
	assert.False(t, status.IsOnline)
	assert.False(t, status.LastSeen.IsZero())
}

func TestPresenceDisconnectRacingConnect(t *testing.T) {
	_, client := newClient(t)
	presence := sredis.NewPresenceStore(client, time.Minute)
	ctx := context.Background()
	user := uuid.New()

	_, err := presence.Connect(ctx, user, "c0", 1)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		prev, next := fmt.Sprintf("c%d", i), fmt.Sprintf("c%d", i+1)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := presence.Disconnect(ctx, user, prev)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := presence.Connect(ctx, user, next, 1)
			assert.NoError(t, err)
		}()
		wg.Wait()

		n, err := presence.ConnectionCount(ctx, user)
		require.NoError(t, err)
		require.EqualValues(t, 1, n, "round %d", i)
		online, err := presence.IsOnline(ctx, user)
		require.NoError(t, err)
		require.True(t, online, "round %d", i)
	}

	offline, err := presence.Disconnect(ctx, user, "c50")
	require.NoError(t, err)
	assert.True(t, offline)
	n, err := presence.ConnectionCount(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresenceUnknownUserIsOffline(t *testing.T) {
	_, client := newClient(t)
	presence := sredis.NewPresenceStore(client, 0)

	status, err := presence.GetPresence(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, status.IsOnline)
	assert.True(t, status.LastSeen.IsZero())
}

func TestPresenceCleanupStale(t *testing.T) {
	_, client := newClient(t)
	presence := sredis.NewPresenceStore(client, time.Minute)
	ctx := context.Background()
	user := uuid.New()

	_, err := presence.Connect(ctx, user, "c1", 1)
	require.NoError(t, err)

	none, err := presence.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)

	stale, err := presence.CleanupStale(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user}, stale)

	online, err := presence.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestRateLimiterMessages(t *testing.T) {
	mr, client := newClient(t)
	limiter := sredis.NewRateLimiter(client, sredis.RateLimitConfig{MessageLimit: 3, MessageWindow: 10 * time.Second})
	ctx := context.Background()
	user := uuid.New()

	for i := 0; i < 3; i++ {
		res, err := limiter.AllowMessage(ctx, user)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := limiter.AllowMessage(ctx, user)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.ResetIn, time.Duration(0))

	other, err := limiter.AllowMessage(ctx, uuid.New())
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	mr.FastForward(11 * time.Second)
	res, err = limiter.AllowMessage(ctx, user)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, limiter.ResetUser(ctx, user))
	res, err = limiter.AllowMessage(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestRateLimiterUpgradesPerAddress(t *testing.T) {
	_, client := newClient(t)
	limiter := sredis.NewRateLimiter(client, sredis.RateLimitConfig{UpgradeLimit: 1})
	ctx := context.Background()

	res, err := limiter.AllowUpgrade(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.AllowUpgrade(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.AllowUpgrade(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMembershipStore(t *testing.T) {
	_, client := newClient(t)
	members := sredis.NewMembershipStore(client)
	ctx := context.Background()
	group, alice, bob := uuid.New(), uuid.New(), uuid.New()

	ok, err := members.IsMember(ctx, group, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, members.AddMembers(ctx, group, alice, bob))
	ok, err = members.IsMember(ctx, group, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, members.RemoveMember(ctx, group, alice))
	ok, err = members.IsMember(ctx, group, alice)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = members.IsMember(ctx, uuid.New(), bob)
	require.NoError(t, err)
	assert.False(t, ok)
}
