package encryption

import (
	"time"

	"github.com/google/uuid"
)

// DefaultDeviceID is the device slot used when a caller does not name one.
const DefaultDeviceID = 1

// IdentityKey represents identity_keys. One per (user, device), immutable once created.
type IdentityKey struct {
	UserID         uuid.UUID
	DeviceID       int
	PublicKey      []byte
	// SigningKey verifies signed prekeys. The identity pair signs with
	// XEdDSA, so it equals PublicKey.
	SigningKey     []byte
	RegistrationID int
	SealedPrivate  []byte
	NextPreKeyID   int
	CreatedAt      time.Time
}

// SignedPreKey represents signed_prekeys. KeyID is the generation time in Unix seconds.
type SignedPreKey struct {
	UserID        uuid.UUID
	DeviceID      int
	KeyID         int64
	PublicKey     []byte
	Signature     []byte
	SealedPrivate []byte
	CreatedAt     time.Time
}

// OneTimePreKey represents onetime_prekeys, the claimable pool.
type OneTimePreKey struct {
	UserID    uuid.UUID
	DeviceID  int
	KeyID     int
	PublicKey []byte
	CreatedAt time.Time
}

// PreKeySecret represents prekey_secrets: the sealed private half of a one-time
// prekey, kept after the public half was claimed until a prekey message uses it.
type PreKeySecret struct {
	UserID        uuid.UUID
	DeviceID      int
	KeyID         int
	SealedPrivate []byte
}

// SessionKey addresses a pairwise session.
type SessionKey struct {
	LocalUserID  uuid.UUID
	RemoteUserID uuid.UUID
	DeviceID     int
}

// Session represents encrypted_sessions. State is opaque to everything but the crypto library.
type Session struct {
	SessionKey
	State     []byte
	UpdatedAt time.Time
}

// SenderKeyName addresses a sender key inside the store of OwnerID.
type SenderKeyName struct {
	OwnerID  uuid.UUID
	GroupID  uuid.UUID
	SenderID uuid.UUID
	DeviceID int
}

// SenderKey represents sender_keys.
type SenderKey struct {
	SenderKeyName
	State     []byte
	UpdatedAt time.Time
}
