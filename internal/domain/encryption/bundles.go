package encryption

import (
	"github.com/google/uuid"
)

// KeyBundle is the material a peer needs to open a session with (UserID, DeviceID).
type KeyBundle struct {
	UserID                uuid.UUID
	DeviceID              int
	RegistrationID        int
	IdentityKey           []byte
	SigningKey            []byte
	SignedPreKeyID        int64
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	OneTimePreKeyID       *int
	OneTimePreKey         []byte
}

func (b KeyBundle) HasOneTimePreKey() bool {
	return b.OneTimePreKeyID != nil
}
