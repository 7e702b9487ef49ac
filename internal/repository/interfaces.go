package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/message"
)

type IdentityRepository interface {
	// CreateIdentityKey inserts k unless (user, device) already has one, and
	// returns whichever identity is stored afterwards.
	CreateIdentityKey(ctx context.Context, k encryption.IdentityKey) (encryption.IdentityKey, error)
	GetIdentityKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.IdentityKey, error)
	// ReservePreKeyIDs advances the device's prekey counter by count and
	// returns the first id of the reserved range.
	ReservePreKeyIDs(ctx context.Context, userID uuid.UUID, deviceID int, count int) (int, error)
}

type PreKeyRepository interface {
	// UploadOneTimePreKeys stores the public halves in the claimable pool and
	// the sealed private halves alongside.
	UploadOneTimePreKeys(ctx context.Context, keys []encryption.OneTimePreKey, secrets []encryption.PreKeySecret) error
	// ClaimOneTimePreKey atomically deletes and returns one key from the pool.
	// ErrNotFound when the pool is empty.
	ClaimOneTimePreKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.OneTimePreKey, error)
	CountOneTimePreKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int, error)
	GetPreKeySecret(ctx context.Context, userID uuid.UUID, deviceID int, keyID int) (encryption.PreKeySecret, error)
	DeletePreKeySecret(ctx context.Context, userID uuid.UUID, deviceID int, keyID int) error

	CreateSignedPreKey(ctx context.Context, k encryption.SignedPreKey) error
	GetSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int, keyID int64) (encryption.SignedPreKey, error)
	GetLatestSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.SignedPreKey, error)
	// PruneSignedPreKeys keeps the keep most recent keys and deletes the rest.
	PruneSignedPreKeys(ctx context.Context, userID uuid.UUID, deviceID int, keep int) (int64, error)
	// DeleteSignedPreKeysBefore removes keys created before cutoff, never the
	// newest key of a device.
	DeleteSignedPreKeysBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SessionRepository interface {
	StoreSession(ctx context.Context, s encryption.Session) error
	LoadSession(ctx context.Context, key encryption.SessionKey) (encryption.Session, error)
	DeleteSession(ctx context.Context, key encryption.SessionKey) error
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SenderKeyRepository interface {
	StoreSenderKey(ctx context.Context, k encryption.SenderKey) error
	LoadSenderKey(ctx context.Context, name encryption.SenderKeyName) (encryption.SenderKey, error)
	DeleteSenderKey(ctx context.Context, name encryption.SenderKeyName) error
	DeleteSenderKeysBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type EnvelopeRepository interface {
	SaveEnvelope(ctx context.Context, e message.Envelope) error
	GetEnvelope(ctx context.Context, id uuid.UUID) (message.Envelope, error)
}

// Store groups every repository the services need.
type Store struct {
	Identities IdentityRepository
	PreKeys    PreKeyRepository
	Sessions   SessionRepository
	SenderKeys SenderKeyRepository
	Envelopes  EnvelopeRepository
}
