package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// Inbound is a decoded client frame. The set of variants is closed; adding one
// means adding a method to InboundHandler, so every handler fails to compile
// until it deals with the new kind.
type Inbound interface {
	Accept(h InboundHandler) error
	Kind() string
}

type InboundHandler interface {
	HandleSend(SendMessage) error
	HandleReceipt(Receipt) error
	HandleTyping(Typing) error
	HandleGroup(GroupMembership) error
	HandleSubscription(Subscription) error
	HandlePing(Ping) error
	HandlePong(Pong) error
}

// SendMessage asks the relay to encrypt and deliver content. Exactly one of
// RecipientID and GroupID is set.
type SendMessage struct {
	Ref         string     `json:"-"`
	RecipientID *uuid.UUID `json:"recipientId,omitempty"`
	GroupID     *uuid.UUID `json:"groupId,omitempty"`
	// DeviceID names one device slot on both ends: the sender's local
	// identity and session for that slot and, for direct messages, the
	// recipient's bundle for the same slot. Zero means the connection's device.
	DeviceID    int        `json:"deviceId,omitempty"`
	Content     string     `json:"content"`
}

// Receipt covers receipt.delivered and receipt.read.
type Receipt struct {
	Read      bool      `json:"-"`
	MessageID uuid.UUID `json:"messageId"`
}

// Typing covers typing.start and typing.stop.
type Typing struct {
	Started     bool       `json:"-"`
	RecipientID *uuid.UUID `json:"recipientId,omitempty"`
	GroupID     *uuid.UUID `json:"groupId,omitempty"`
}

// GroupMembership covers group.join and group.leave.
type GroupMembership struct {
	Join    bool      `json:"-"`
	GroupID uuid.UUID `json:"groupId"`
}

// Subscription covers subscribe and unsubscribe.
type Subscription struct {
	Subscribe bool   `json:"-"`
	Channel   string `json:"channel"`
}

type Ping struct{}

type Pong struct{}

func (m SendMessage) Accept(h InboundHandler) error     { return h.HandleSend(m) }
func (m Receipt) Accept(h InboundHandler) error         { return h.HandleReceipt(m) }
func (m Typing) Accept(h InboundHandler) error          { return h.HandleTyping(m) }
func (m GroupMembership) Accept(h InboundHandler) error { return h.HandleGroup(m) }
func (m Subscription) Accept(h InboundHandler) error    { return h.HandleSubscription(m) }
func (m Ping) Accept(h InboundHandler) error            { return h.HandlePing(m) }
func (m Pong) Accept(h InboundHandler) error            { return h.HandlePong(m) }

func (SendMessage) Kind() string { return TypeMessageSend }

func (m Receipt) Kind() string {
	if m.Read {
		return TypeReceiptRead
	}
	return TypeReceiptDelivered
}

func (m Typing) Kind() string {
	if m.Started {
		return TypeTypingStart
	}
	return TypeTypingStop
}

func (m GroupMembership) Kind() string {
	if m.Join {
		return TypeGroupJoin
	}
	return TypeGroupLeave
}

func (m Subscription) Kind() string {
	if m.Subscribe {
		return TypeSubscribe
	}
	return TypeUnsubscribe
}

func (Ping) Kind() string { return TypePing }
func (Pong) Kind() string { return TypePong }

// Decode parses a raw client frame into its variant. Field validation that
// needs no server state happens here.
func Decode(raw []byte) (Inbound, Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeMessageSend:
		var m SendMessage
		if err := decodeData(f, &m); err != nil {
			return nil, f, err
		}
		if (m.RecipientID == nil) == (m.GroupID == nil) {
			return nil, f, fmt.Errorf("%w: exactly one of recipientId and groupId is required", ErrMalformedFrame)
		}
		if m.Content == "" {
			return nil, f, fmt.Errorf("%w: content is required", ErrMalformedFrame)
		}
		m.Ref = f.MessageID
		return m, f, nil

	case TypeReceiptDelivered, TypeReceiptRead:
		m := Receipt{Read: f.Type == TypeReceiptRead}
		if err := decodeData(f, &m); err != nil {
			return nil, f, err
		}
		if m.MessageID == uuid.Nil {
			return nil, f, fmt.Errorf("%w: messageId is required", ErrMalformedFrame)
		}
		return m, f, nil

	case TypeTypingStart, TypeTypingStop:
		m := Typing{Started: f.Type == TypeTypingStart}
		if err := decodeData(f, &m); err != nil {
			return nil, f, err
		}
		if (m.RecipientID == nil) == (m.GroupID == nil) {
			return nil, f, fmt.Errorf("%w: exactly one of recipientId and groupId is required", ErrMalformedFrame)
		}
		return m, f, nil

	case TypeGroupJoin, TypeGroupLeave:
		m := GroupMembership{Join: f.Type == TypeGroupJoin}
		if err := decodeData(f, &m); err != nil {
			return nil, f, err
		}
		if m.GroupID == uuid.Nil {
			return nil, f, fmt.Errorf("%w: groupId is required", ErrMalformedFrame)
		}
		return m, f, nil

	case TypeSubscribe, TypeUnsubscribe:
		m := Subscription{Subscribe: f.Type == TypeSubscribe}
		if err := decodeData(f, &m); err != nil {
			return nil, f, err
		}
		if m.Channel == "" {
			return nil, f, fmt.Errorf("%w: channel is required", ErrMalformedFrame)
		}
		return m, f, nil

	case TypePing:
		return Ping{}, f, nil
	case TypePong:
		return Pong{}, f, nil
	}
	return nil, f, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
}

func decodeData(f Frame, v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: data is required for %s", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
