package httpdto

import (
	"time"

	"github.com/google/uuid"

	"sentinal-e2ee/internal/domain/encryption"
	"sentinal-e2ee/internal/domain/message"
)

// Byte fields travel as standard base64 strings (encoding/json default).

// DeviceRequest is the body of endpoints that only need a device slot.
type DeviceRequest struct {
	DeviceID int `json:"device_id"`
}

// GeneratePreKeysRequest is used for POST /v1/keys/prekeys
type GeneratePreKeysRequest struct {
	DeviceID int `json:"device_id"`
	Count    int `json:"count"`
}

type PreKeyBatchResponse struct {
	FirstKeyID     int   `json:"first_key_id"`
	Count          int   `json:"count"`
	SignedPreKeyID int64 `json:"signed_pre_key_id"`
}

type PreKeyCountResponse struct {
	Count int `json:"count"`
}

type IdentityKeyDTO struct {
	UserID         string `json:"user_id"`
	DeviceID       int    `json:"device_id"`
	RegistrationID int    `json:"registration_id"`
	PublicKey      []byte `json:"public_key"`
	SigningKey     []byte `json:"signing_key"`
	CreatedAt      string `json:"created_at"`
}

type SignedPreKeyDTO struct {
	KeyID     int64  `json:"key_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
	CreatedAt string `json:"created_at"`
}

type OneTimePreKeyDTO struct {
	KeyID     int    `json:"key_id"`
	PublicKey []byte `json:"public_key"`
}

type KeyBundleDTO struct {
	UserID         string            `json:"user_id"`
	DeviceID       int               `json:"device_id"`
	RegistrationID int               `json:"registration_id"`
	IdentityKey    []byte            `json:"identity_key"`
	SigningKey     []byte            `json:"signing_key"`
	SignedPreKey   SignedPreKeyDTO   `json:"signed_pre_key"`
	OneTimePreKey  *OneTimePreKeyDTO `json:"one_time_pre_key,omitempty"`
}

// EncryptRequest is used for POST /v1/messages/encrypt. Exactly one of
// recipient_id and group_id is set.
type EncryptRequest struct {
	RecipientID *uuid.UUID `json:"recipient_id"`
	GroupID     *uuid.UUID `json:"group_id"`
	DeviceID    int        `json:"device_id"`
	Plaintext   []byte     `json:"plaintext" binding:"required"`
}

type EnvelopeDTO struct {
	ID           uuid.UUID  `json:"id"`
	SenderID     uuid.UUID  `json:"sender_id"`
	RecipientID  *uuid.UUID `json:"recipient_id,omitempty"`
	GroupID      *uuid.UUID `json:"group_id,omitempty"`
	Type         int        `json:"type"`
	TypeName     string     `json:"type_name,omitempty"`
	DeviceID     int        `json:"device_id"`
	Ciphertext   []byte     `json:"ciphertext"`
	Distribution []byte     `json:"distribution,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DecryptRequest is used for POST /v1/messages/decrypt
type DecryptRequest struct {
	Envelope EnvelopeDTO `json:"envelope"`
}

type DecryptedDTO struct {
	MessageID uuid.UUID  `json:"message_id"`
	SenderID  uuid.UUID  `json:"sender_id"`
	GroupID   *uuid.UUID `json:"group_id,omitempty"`
	DeviceID  int        `json:"device_id"`
	Plaintext []byte     `json:"plaintext"`
	Timestamp time.Time  `json:"timestamp"`
}

// VerifyRequest is used for POST /v1/messages/verify
type VerifyRequest struct {
	Envelope         EnvelopeDTO `json:"envelope"`
	ExpectedSenderID uuid.UUID   `json:"expected_sender_id"`
	Timestamp        time.Time   `json:"timestamp"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// KeyExchangeRequest is used for POST /v1/sessions/key-exchange
type KeyExchangeRequest struct {
	RemoteUserID uuid.UUID `json:"remote_user_id" binding:"required"`
	DeviceID     int       `json:"device_id"`
}

type KeyExchangeResponse struct {
	SessionEstablished bool `json:"session_established"`
	Created            bool `json:"created"`
}

func FromIdentityKey(k encryption.IdentityKey) IdentityKeyDTO {
	return IdentityKeyDTO{
		UserID:         k.UserID.String(),
		DeviceID:       k.DeviceID,
		RegistrationID: k.RegistrationID,
		PublicKey:      k.PublicKey,
		SigningKey:     k.SigningKey,
		CreatedAt:      k.CreatedAt.Format(time.RFC3339),
	}
}

func FromSignedPreKey(k encryption.SignedPreKey) SignedPreKeyDTO {
	return SignedPreKeyDTO{
		KeyID:     k.KeyID,
		PublicKey: k.PublicKey,
		Signature: k.Signature,
		CreatedAt: k.CreatedAt.Format(time.RFC3339),
	}
}

func FromKeyBundle(b encryption.KeyBundle) KeyBundleDTO {
	dto := KeyBundleDTO{
		UserID:         b.UserID.String(),
		DeviceID:       b.DeviceID,
		RegistrationID: b.RegistrationID,
		IdentityKey:    b.IdentityKey,
		SigningKey:     b.SigningKey,
		SignedPreKey: SignedPreKeyDTO{
			KeyID:     b.SignedPreKeyID,
			PublicKey: b.SignedPreKey,
			Signature: b.SignedPreKeySignature,
		},
	}
	if b.HasOneTimePreKey() {
		dto.OneTimePreKey = &OneTimePreKeyDTO{KeyID: *b.OneTimePreKeyID, PublicKey: b.OneTimePreKey}
	}
	return dto
}

func FromEnvelope(e message.Envelope) EnvelopeDTO {
	return EnvelopeDTO{
		ID:           e.ID,
		SenderID:     e.SenderID,
		RecipientID:  e.RecipientID,
		GroupID:      e.GroupID,
		Type:         int(e.CipherType),
		TypeName:     e.CipherType.String(),
		DeviceID:     e.DeviceID,
		Ciphertext:   e.Ciphertext,
		Distribution: e.Distribution,
		CreatedAt:    e.CreatedAt,
	}
}

func (d EnvelopeDTO) ToEnvelope() message.Envelope {
	return message.Envelope{
		ID:           d.ID,
		SenderID:     d.SenderID,
		RecipientID:  d.RecipientID,
		GroupID:      d.GroupID,
		CipherType:   message.CipherType(d.Type),
		DeviceID:     d.DeviceID,
		Ciphertext:   d.Ciphertext,
		Distribution: d.Distribution,
		CreatedAt:    d.CreatedAt,
	}
}
