package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/message"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

type deviceKey struct {
	userID   uuid.UUID
	deviceID int
}

type preKeyID struct {
	deviceKey
	keyID int
}

// MemoryStore implements every repository interface in process memory.
// It is safe for concurrent use.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[deviceKey]encryption.IdentityKey
	pool       map[deviceKey]map[int]encryption.OneTimePreKey
	secrets    map[preKeyID]encryption.PreKeySecret
	signed     map[deviceKey][]encryption.SignedPreKey
	sessions   map[encryption.SessionKey]encryption.Session
	senderKeys map[encryption.SenderKeyName]encryption.SenderKey
	envelopes  map[uuid.UUID]message.Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[deviceKey]encryption.IdentityKey),
		pool:       make(map[deviceKey]map[int]encryption.OneTimePreKey),
		secrets:    make(map[preKeyID]encryption.PreKeySecret),
		signed:     make(map[deviceKey][]encryption.SignedPreKey),
		sessions:   make(map[encryption.SessionKey]encryption.Session),
		senderKeys: make(map[encryption.SenderKeyName]encryption.SenderKey),
		envelopes:  make(map[uuid.UUID]message.Envelope),
	}
}

func (m *MemoryStore) Store() Store {
	return Store{
		Identities: m,
		PreKeys:    m,
		Sessions:   m,
		SenderKeys: m,
		Envelopes:  m,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemoryStore) CreateIdentityKey(_ context.Context, k encryption.IdentityKey) (encryption.IdentityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey{k.UserID, k.DeviceID}
	if existing, ok := m.identities[key]; ok {
		return existing, nil
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	if k.NextPreKeyID < 1 {
		k.NextPreKeyID = 1
	}
	m.identities[key] = k
	return k, nil
}

func (m *MemoryStore) GetIdentityKey(_ context.Context, userID uuid.UUID, deviceID int) (encryption.IdentityKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.identities[deviceKey{userID, deviceID}]
	if !ok {
		return encryption.IdentityKey{}, sentinal_errors.ErrNotFound
	}
	return k, nil
}

func (m *MemoryStore) ReservePreKeyIDs(_ context.Context, userID uuid.UUID, deviceID int, count int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deviceKey{userID, deviceID}
	k, ok := m.identities[key]
	if !ok {
		return 0, sentinal_errors.ErrNotFound
	}
	start := k.NextPreKeyID
	k.NextPreKeyID += count
	m.identities[key] = k
	return start, nil
}

func (m *MemoryStore) UploadOneTimePreKeys(_ context.Context, keys []encryption.OneTimePreKey, secrets []encryption.PreKeySecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, dup := m.pool[deviceKey{k.UserID, k.DeviceID}][k.KeyID]; dup {
			return sentinal_errors.ErrConflict
		}
	}
	now := time.Now().UTC()
	for _, s := range secrets {
		m.secrets[preKeyID{deviceKey{s.UserID, s.DeviceID}, s.KeyID}] = s
	}
	for _, k := range keys {
		dk := deviceKey{k.UserID, k.DeviceID}
		if m.pool[dk] == nil {
			m.pool[dk] = make(map[int]encryption.OneTimePreKey)
		}
		if k.CreatedAt.IsZero() {
			k.CreatedAt = now
		}
		m.pool[dk][k.KeyID] = k
	}
	return nil
}

func (m *MemoryStore) ClaimOneTimePreKey(_ context.Context, userID uuid.UUID, deviceID int) (encryption.OneTimePreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.pool[deviceKey{userID, deviceID}]
	if len(keys) == 0 {
		return encryption.OneTimePreKey{}, sentinal_errors.ErrNotFound
	}
	lowest := -1
	for id := range keys {
		if lowest == -1 || id < lowest {
			lowest = id
		}
	}
	k := keys[lowest]
	delete(keys, lowest)
	return k, nil
}

func (m *MemoryStore) CountOneTimePreKeys(_ context.Context, userID uuid.UUID, deviceID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool[deviceKey{userID, deviceID}]), nil
}

func (m *MemoryStore) GetPreKeySecret(_ context.Context, userID uuid.UUID, deviceID int, keyID int) (encryption.PreKeySecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[preKeyID{deviceKey{userID, deviceID}, keyID}]
	if !ok {
		return encryption.PreKeySecret{}, sentinal_errors.ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) DeletePreKeySecret(_ context.Context, userID uuid.UUID, deviceID int, keyID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, preKeyID{deviceKey{userID, deviceID}, keyID})
	return nil
}

func (m *MemoryStore) CreateSignedPreKey(_ context.Context, k encryption.SignedPreKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := deviceKey{k.UserID, k.DeviceID}
	for _, existing := range m.signed[dk] {
		if existing.KeyID == k.KeyID {
			return sentinal_errors.ErrConflict
		}
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	keys := append(m.signed[dk], k)
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	m.signed[dk] = keys
	return nil
}

func (m *MemoryStore) GetSignedPreKey(_ context.Context, userID uuid.UUID, deviceID int, keyID int64) (encryption.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.signed[deviceKey{userID, deviceID}] {
		if k.KeyID == keyID {
			return k, nil
		}
	}
	return encryption.SignedPreKey{}, sentinal_errors.ErrNotFound
}

func (m *MemoryStore) GetLatestSignedPreKey(_ context.Context, userID uuid.UUID, deviceID int) (encryption.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.signed[deviceKey{userID, deviceID}]
	if len(keys) == 0 {
		return encryption.SignedPreKey{}, sentinal_errors.ErrNotFound
	}
	return keys[len(keys)-1], nil
}

func (m *MemoryStore) PruneSignedPreKeys(_ context.Context, userID uuid.UUID, deviceID int, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dk := deviceKey{userID, deviceID}
	keys := m.signed[dk]
	if len(keys) <= keep {
		return 0, nil
	}
	removed := len(keys) - keep
	m.signed[dk] = append([]encryption.SignedPreKey(nil), keys[removed:]...)
	return int64(removed), nil
}

func (m *MemoryStore) DeleteSignedPreKeysBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for dk, keys := range m.signed {
		kept := keys[:0:0]
		for i, k := range keys {
			if i < len(keys)-1 && k.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, k)
		}
		m.signed[dk] = kept
	}
	return removed, nil
}

func (m *MemoryStore) StoreSession(_ context.Context, s encryption.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	s.State = cloneBytes(s.State)
	m.sessions[s.SessionKey] = s
	return nil
}

func (m *MemoryStore) LoadSession(_ context.Context, key encryption.SessionKey) (encryption.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return encryption.Session{}, sentinal_errors.ErrNotFound
	}
	s.State = cloneBytes(s.State)
	return s, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, key encryption.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func (m *MemoryStore) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) StoreSenderKey(_ context.Context, k encryption.SenderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = time.Now().UTC()
	}
	k.State = cloneBytes(k.State)
	m.senderKeys[k.SenderKeyName] = k
	return nil
}

func (m *MemoryStore) LoadSenderKey(_ context.Context, name encryption.SenderKeyName) (encryption.SenderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.senderKeys[name]
	if !ok {
		return encryption.SenderKey{}, sentinal_errors.ErrNotFound
	}
	k.State = cloneBytes(k.State)
	return k, nil
}

func (m *MemoryStore) DeleteSenderKey(_ context.Context, name encryption.SenderKeyName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senderKeys, name)
	return nil
}

func (m *MemoryStore) DeleteSenderKeysBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for name, k := range m.senderKeys {
		if k.UpdatedAt.Before(cutoff) {
			delete(m.senderKeys, name)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) SaveEnvelope(_ context.Context, e message.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.envelopes[e.ID]; dup {
		return sentinal_errors.ErrAlreadyExists
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.envelopes[e.ID] = e
	return nil
}

func (m *MemoryStore) GetEnvelope(_ context.Context, id uuid.UUID) (message.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envelopes[id]
	if !ok {
		return message.Envelope{}, sentinal_errors.ErrNotFound
	}
	return e, nil
}
