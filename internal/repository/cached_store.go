package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sentinal-e2ee/internal/domain/encryption"
)

// Cache is a byte cache with per-entry TTL. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type cachedRecord struct {
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CachedStore puts a read-through/write-through cache in front of the
// session and sender-key repositories. Cache failures are logged and never
// returned; the durable store is the source of truth.
type CachedStore struct {
	sessions   SessionRepository
	senderKeys SenderKeyRepository
	cache      Cache
	ttl        time.Duration
	log        *zap.Logger
}

func NewCachedStore(sessions SessionRepository, senderKeys SenderKeyRepository, cache Cache, ttl time.Duration, log *zap.Logger) *CachedStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedStore{
		sessions:   sessions,
		senderKeys: senderKeys,
		cache:      cache,
		ttl:        ttl,
		log:        log.With(zap.String("component", "store")),
	}
}

func sessionCacheKey(k encryption.SessionKey) string {
	return fmt.Sprintf("session:%s:%s:%d", k.LocalUserID, k.RemoteUserID, k.DeviceID)
}

func senderKeyCacheKey(n encryption.SenderKeyName) string {
	return fmt.Sprintf("senderkey:%s:%s:%s:%d", n.OwnerID, n.GroupID, n.SenderID, n.DeviceID)
}

func (s *CachedStore) StoreSession(ctx context.Context, sess encryption.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	if err := s.sessions.StoreSession(ctx, sess); err != nil {
		return err
	}
	s.put(ctx, sessionCacheKey(sess.SessionKey), cachedRecord{State: sess.State, UpdatedAt: sess.UpdatedAt})
	return nil
}

func (s *CachedStore) LoadSession(ctx context.Context, key encryption.SessionKey) (encryption.Session, error) {
	cacheKey := sessionCacheKey(key)
	if rec, ok := s.get(ctx, cacheKey); ok {
		return encryption.Session{SessionKey: key, State: rec.State, UpdatedAt: rec.UpdatedAt}, nil
	}
	sess, err := s.sessions.LoadSession(ctx, key)
	if err != nil {
		return encryption.Session{}, err
	}
	s.put(ctx, cacheKey, cachedRecord{State: sess.State, UpdatedAt: sess.UpdatedAt})
	return sess, nil
}

func (s *CachedStore) DeleteSession(ctx context.Context, key encryption.SessionKey) error {
	if err := s.sessions.DeleteSession(ctx, key); err != nil {
		return err
	}
	s.evict(ctx, sessionCacheKey(key))
	return nil
}

// DeleteSessionsBefore only touches the durable store: cache entries expire
// well inside the retention window, so a purged session is never cached.
func (s *CachedStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.sessions.DeleteSessionsBefore(ctx, cutoff)
}

func (s *CachedStore) StoreSenderKey(ctx context.Context, k encryption.SenderKey) error {
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = time.Now().UTC()
	}
	if err := s.senderKeys.StoreSenderKey(ctx, k); err != nil {
		return err
	}
	s.put(ctx, senderKeyCacheKey(k.SenderKeyName), cachedRecord{State: k.State, UpdatedAt: k.UpdatedAt})
	return nil
}

func (s *CachedStore) LoadSenderKey(ctx context.Context, name encryption.SenderKeyName) (encryption.SenderKey, error) {
	cacheKey := senderKeyCacheKey(name)
	if rec, ok := s.get(ctx, cacheKey); ok {
		return encryption.SenderKey{SenderKeyName: name, State: rec.State, UpdatedAt: rec.UpdatedAt}, nil
	}
	k, err := s.senderKeys.LoadSenderKey(ctx, name)
	if err != nil {
		return encryption.SenderKey{}, err
	}
	s.put(ctx, cacheKey, cachedRecord{State: k.State, UpdatedAt: k.UpdatedAt})
	return k, nil
}

func (s *CachedStore) DeleteSenderKey(ctx context.Context, name encryption.SenderKeyName) error {
	if err := s.senderKeys.DeleteSenderKey(ctx, name); err != nil {
		return err
	}
	s.evict(ctx, senderKeyCacheKey(name))
	return nil
}

func (s *CachedStore) DeleteSenderKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.senderKeys.DeleteSenderKeysBefore(ctx, cutoff)
}

func (s *CachedStore) get(ctx context.Context, key string) (cachedRecord, bool) {
	if s.cache == nil {
		return cachedRecord{}, false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache read failed, falling back to store", zap.String("key", key), zap.Error(err))
		return cachedRecord{}, false
	}
	if !ok {
		return cachedRecord{}, false
	}
	var rec cachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		s.evict(ctx, key)
		return cachedRecord{}, false
	}
	return rec, true
}

// put writes through to the cache. If the write fails the entry is evicted
// so a stale state cannot outlive the durable write.
func (s *CachedStore) put(ctx context.Context, key string, rec cachedRecord) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err == nil {
		err = s.cache.Set(ctx, key, data, s.ttl)
	}
	if err != nil {
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		s.evict(ctx, key)
	}
}

func (s *CachedStore) evict(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.log.Warn("cache evict failed", zap.String("key", key), zap.Error(err))
	}
}
