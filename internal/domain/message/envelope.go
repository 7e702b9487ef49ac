package message

import (
	"time"

	"github.com/google/uuid"
)

// CipherType tags which decrypt path a ciphertext takes.
type CipherType int

const (
	CipherTypeWhisper   CipherType = 1
	CipherTypePreKey    CipherType = 3
	CipherTypeSenderKey CipherType = 7
)

func (t CipherType) String() string {
	switch t {
	case CipherTypeWhisper:
		return "whisper"
	case CipherTypePreKey:
		return "prekey"
	case CipherTypeSenderKey:
		return "sender_key"
	default:
		return "unknown"
	}
}

func (t CipherType) Valid() bool {
	return t == CipherTypeWhisper || t == CipherTypePreKey || t == CipherTypeSenderKey
}

// Envelope is a message at rest. Exactly one of RecipientID and GroupID is set. No plaintext.
type Envelope struct {
	ID           uuid.UUID
	SenderID     uuid.UUID
	RecipientID  *uuid.UUID
	GroupID      *uuid.UUID
	CipherType   CipherType
	DeviceID     int
	Ciphertext   []byte
	Distribution []byte
	CreatedAt    time.Time
}

func (e Envelope) IsGroup() bool {
	return e.GroupID != nil
}

// Metadata is what the transport claims about a message, checked by Verify.
type Metadata struct {
	ExpectedSenderID uuid.UUID
	Timestamp        time.Time
}
