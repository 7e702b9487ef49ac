package events

import (
	"encoding/json"
	"time"
)

// Inbound frame types, client to relay. These follow the format: domain.action
const (
	TypeMessageSend      = "message.send"
	TypeReceiptDelivered = "receipt.delivered"
	TypeReceiptRead      = "receipt.read"
	TypeTypingStart      = "typing.start"
	TypeTypingStop       = "typing.stop"
	TypeGroupJoin        = "group.join"
	TypeGroupLeave       = "group.leave"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Outbound frame types, relay to client.
const (
	TypeConnectionEstablished = "connection.established"
	TypeMessage               = "message"
	TypeMessageSent           = "message_sent"
	TypeReceipt               = "receipt"
	TypeTyping                = "typing"
	TypePresence              = "presence"
	TypeGroupJoined           = "group.joined"
	TypeGroupLeft             = "group.left"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribed          = "unsubscribed"
	TypeError                 = "error"
)

// Frame is the JSON envelope used in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewFrame encodes data into a frame stamped with the current time in ms.
func NewFrame(frameType string, data interface{}) (Frame, error) {
	f := Frame{Type: frameType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
		f.Data = raw
	}
	return f, nil
}

// Encode builds and marshals a frame in one step.
func Encode(frameType string, data interface{}) ([]byte, error) {
	f, err := NewFrame(frameType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}
