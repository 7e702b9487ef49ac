package events

import (
	"time"

	"github.com/google/uuid"

	"sentinal-e2ee/internal/domain/message"
)

type ConnectionEstablished struct {
	UserID    uuid.UUID `json:"userId"`
	DeviceID  int       `json:"deviceId"`
	ClientID  string    `json:"clientId"`
	Heartbeat int64     `json:"heartbeatMs"`
}

// EnvelopePayload is how a stored envelope travels on the wire. Ciphertext
// and distribution are base64 through encoding/json.
type EnvelopePayload struct {
	ID           uuid.UUID  `json:"id"`
	SenderID     uuid.UUID  `json:"senderId"`
	RecipientID  *uuid.UUID `json:"recipientId,omitempty"`
	GroupID      *uuid.UUID `json:"groupId,omitempty"`
	CipherType   int        `json:"type"`
	DeviceID     int        `json:"deviceId"`
	Ciphertext   []byte     `json:"ciphertext"`
	Distribution []byte     `json:"distribution,omitempty"`
	CreatedAt    int64      `json:"createdAt"`
}

func NewEnvelopePayload(env message.Envelope) EnvelopePayload {
	return EnvelopePayload{
		ID:           env.ID,
		SenderID:     env.SenderID,
		RecipientID:  env.RecipientID,
		GroupID:      env.GroupID,
		CipherType:   int(env.CipherType),
		DeviceID:     env.DeviceID,
		Ciphertext:   env.Ciphertext,
		Distribution: env.Distribution,
		CreatedAt:    env.CreatedAt.UnixMilli(),
	}
}

type MessageSent struct {
	Ref       string    `json:"ref,omitempty"`
	MessageID uuid.UUID `json:"messageId"`
	CreatedAt int64     `json:"createdAt"`
}

type ReceiptPayload struct {
	MessageID uuid.UUID `json:"messageId"`
	UserID    uuid.UUID `json:"userId"`
	Status    string    `json:"status"`
	At        int64     `json:"at"`
}

const (
	ReceiptStatusDelivered = "delivered"
	ReceiptStatusRead      = "read"
)

type TypingPayload struct {
	UserID      uuid.UUID  `json:"userId"`
	RecipientID *uuid.UUID `json:"recipientId,omitempty"`
	GroupID     *uuid.UUID `json:"groupId,omitempty"`
	Typing      bool       `json:"typing"`
}

type PresencePayload struct {
	UserID   uuid.UUID `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen int64     `json:"lastSeen,omitempty"`
}

type GroupPayload struct {
	GroupID uuid.UUID `json:"groupId"`
	UserID  uuid.UUID `json:"userId"`
}

type ChannelPayload struct {
	Channel string `json:"channel"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// ErrorFrame never fails; the payload has no unmarshalable fields.
func ErrorFrame(code, msg, ref string) []byte {
	raw, _ := Encode(TypeError, ErrorPayload{Code: code, Message: msg, Ref: ref})
	return raw
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func NewReceipt(messageID, userID uuid.UUID, read bool, at time.Time) ReceiptPayload {
	status := ReceiptStatusDelivered
	if read {
		status = ReceiptStatusRead
	}
	return ReceiptPayload{MessageID: messageID, UserID: userID, Status: status, At: millis(at)}
}

func NewPresence(userID uuid.UUID, online bool, lastSeen time.Time) PresencePayload {
	return PresencePayload{UserID: userID, Online: online, LastSeen: millis(lastSeen)}
}
