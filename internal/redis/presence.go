package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Presence key patterns:
// - presence:online - set of online user ids
// - presence:{user_id} - last known status, JSON
// - connections:{user_id} - hash of client id -> connection JSON
// - presence:heartbeat:all - sorted set of user id by last heartbeat (unix s)
const (
	presenceKeyPrefix    = "presence:"
	presenceOnlineSet    = "presence:online"
	presenceHeartbeatKey = "presence:heartbeat:all"
	connectionsKeyPrefix = "connections:"
	offlineStatusTTL     = 24 * time.Hour
)

// PresenceStatus is the last known state of a user.
type PresenceStatus struct {
	UserID   uuid.UUID `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

type connectionInfo struct {
	DeviceID    int       `json:"device_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PresenceStore tracks relay connections per user. A user is online while at
// least one connection is registered.
type PresenceStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewPresenceStore(client goredis.UniversalClient, ttl time.Duration) *PresenceStore {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PresenceStore{client: client, ttl: ttl, now: time.Now}
}

// Connect records a connection and reports whether it is the user's first.
func (p *PresenceStore) Connect(ctx context.Context, userID uuid.UUID, clientID string, deviceID int) (bool, error) {
	now := p.now()
	data, err := json.Marshal(connectionInfo{DeviceID: deviceID, ConnectedAt: now.UTC()})
	if err != nil {
		return false, err
	}
	status, err := json.Marshal(PresenceStatus{UserID: userID, IsOnline: true, LastSeen: now.UTC()})
	if err != nil {
		return false, err
	}

	uid := userID.String()
	connKey := connectionsKeyPrefix + uid

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, connKey, clientID, data)
	pipe.Expire(ctx, connKey, p.ttl)
	count := pipe.HLen(ctx, connKey)
	pipe.Set(ctx, presenceKeyPrefix+uid, status, p.ttl)
	pipe.SAdd(ctx, presenceOnlineSet, uid)
	pipe.ZAdd(ctx, presenceHeartbeatKey, goredis.Z{Score: float64(now.Unix()), Member: uid})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() == 1, nil
}

// releaseConnection drops ARGV[1] from the connection hash KEYS[1]. When it
// was the last one the user goes offline in the same step: the hash is
// removed, KEYS[2] gets the offline status ARGV[3] for ARGV[4] seconds and
// ARGV[2] leaves the online set KEYS[3] and heartbeat set KEYS[4].
// Returns 1 when the user went offline.
var releaseConnection = goredis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) > 0 then
	return 0
end

redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[4])
redis.call('SREM', KEYS[3], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[2])
return 1
`)

// Disconnect removes a connection and reports whether the user went offline.
// A Connect racing with the last Disconnect either lands first and keeps the
// user online or lands after and brings them back.
func (p *PresenceStore) Disconnect(ctx context.Context, userID uuid.UUID, clientID string) (bool, error) {
	uid := userID.String()
	status, err := json.Marshal(PresenceStatus{UserID: userID, LastSeen: p.now().UTC()})
	if err != nil {
		return false, err
	}
	keys := []string{connectionsKeyPrefix + uid, presenceKeyPrefix + uid, presenceOnlineSet, presenceHeartbeatKey}
	offline, err := releaseConnection.Run(ctx, p.client, keys, clientID, uid, status, int64(offlineStatusTTL/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return offline == 1, nil
}

// setOffline forces the user offline whatever connections are recorded.
func (p *PresenceStore) setOffline(ctx context.Context, userID uuid.UUID) error {
	uid := userID.String()
	status, err := json.Marshal(PresenceStatus{UserID: userID, LastSeen: p.now().UTC()})
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, presenceKeyPrefix+uid, status, offlineStatusTTL)
	pipe.SRem(ctx, presenceOnlineSet, uid)
	pipe.ZRem(ctx, presenceHeartbeatKey, uid)
	pipe.Del(ctx, connectionsKeyPrefix+uid)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the TTLs of a live user.
func (p *PresenceStore) Heartbeat(ctx context.Context, userID uuid.UUID) error {
	uid := userID.String()
	pipe := p.client.Pipeline()
	pipe.Expire(ctx, presenceKeyPrefix+uid, p.ttl)
	pipe.Expire(ctx, connectionsKeyPrefix+uid, p.ttl)
	pipe.ZAdd(ctx, presenceHeartbeatKey, goredis.Z{Score: float64(p.now().Unix()), Member: uid})
	_, err := pipe.Exec(ctx)
	return err
}

func (p *PresenceStore) GetPresence(ctx context.Context, userID uuid.UUID) (PresenceStatus, error) {
	data, err := p.client.Get(ctx, presenceKeyPrefix+userID.String()).Bytes()
	if err == goredis.Nil {
		return PresenceStatus{UserID: userID}, nil
	}
	if err != nil {
		return PresenceStatus{}, err
	}
	var status PresenceStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return PresenceStatus{}, fmt.Errorf("decode presence for %s: %w", userID, err)
	}
	return status, nil
}

func (p *PresenceStore) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	return p.client.SIsMember(ctx, presenceOnlineSet, userID.String()).Result()
}

func (p *PresenceStore) ConnectionCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	return p.client.HLen(ctx, connectionsKeyPrefix+userID.String()).Result()
}

// CleanupStale marks offline every user whose last heartbeat is older than
// maxAge. It covers instances that died without running Disconnect.
func (p *PresenceStore) CleanupStale(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error) {
	threshold := p.now().Add(-maxAge).Unix()
	stale, err := p.client.ZRangeByScore(ctx, presenceHeartbeatKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(threshold, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var offline []uuid.UUID
	for _, uid := range stale {
		id, err := uuid.Parse(uid)
		if err != nil {
			p.client.ZRem(ctx, presenceHeartbeatKey, uid)
			continue
		}
		if err := p.setOffline(ctx, id); err != nil {
			return offline, err
		}
		offline = append(offline, id)
	}
	return offline, nil
}
