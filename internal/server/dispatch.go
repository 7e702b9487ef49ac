package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"sentinal-e2ee/internal/domain/message"
	"sentinal-e2ee/internal/events"
	"sentinal-e2ee/internal/services"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

// dispatcher handles one decoded frame for one connection. Returned errors
// become error frames tagged with ref.
type dispatcher struct {
	client *Client
	hub    *Hub
	ref    string
}

var _ events.InboundHandler = (*dispatcher)(nil)

func (d *dispatcher) ctx() context.Context {
	return d.client.ctx
}

func (d *dispatcher) HandleSend(m events.SendMessage) error {
	c := d.client
	if d.hub.messenger == nil || d.hub.envelopes == nil {
		return sentinal_errors.ErrServiceUnavailable
	}
	if d.hub.limiter != nil {
		res, err := d.hub.limiter.AllowMessage(d.ctx(), c.userID)
		if err != nil {
			// Fail open on limiter errors.
			c.logger.Warn("rate limiter unavailable", c.userID, c.clientID, zap.Error(err))
		} else if !res.Allowed {
			return fmt.Errorf("%w: retry in %s", sentinal_errors.ErrRateLimited, res.ResetIn)
		}
	}

	deviceID := m.DeviceID
	if deviceID == 0 {
		deviceID = c.deviceID
	}
	env, err := d.hub.messenger.Encrypt(d.ctx(), c.userID,
		services.Addressing{RecipientID: m.RecipientID, GroupID: m.GroupID}, []byte(m.Content), deviceID)
	if err != nil {
		return err
	}
	if err := d.hub.envelopes.SaveEnvelope(d.ctx(), env); err != nil {
		return sentinal_errors.Storage(err)
	}

	c.sendFrame(events.TypeMessageSent, env.ID.String(), events.MessageSent{
		Ref:       d.ref,
		MessageID: env.ID,
		CreatedAt: env.CreatedAt.UnixMilli(),
	})

	frame, err := envelopeFrame(env)
	if err != nil {
		return err
	}
	if env.IsGroup() {
		sender := c.userID
		return d.hub.NotifyGroup(d.ctx(), *env.GroupID, frame, &sender)
	}
	return d.hub.NotifyUser(d.ctx(), *env.RecipientID, frame)
}

func envelopeFrame(env message.Envelope) ([]byte, error) {
	f, err := events.NewFrame(events.TypeMessage, events.NewEnvelopePayload(env))
	if err != nil {
		return nil, err
	}
	f.MessageID = env.ID.String()
	return json.Marshal(f)
}

// HandleReceipt relays a delivered/read receipt to the original sender. Only
// an addressee of the message may acknowledge it.
func (d *dispatcher) HandleReceipt(m events.Receipt) error {
	c := d.client
	if d.hub.envelopes == nil {
		return sentinal_errors.ErrServiceUnavailable
	}
	env, err := d.hub.envelopes.GetEnvelope(d.ctx(), m.MessageID)
	if err != nil {
		return sentinal_errors.Storage(err)
	}
	if env.SenderID == c.userID {
		return fmt.Errorf("%w: cannot acknowledge own message", sentinal_errors.ErrValidation)
	}
	if env.IsGroup() {
		if err := d.hub.authorizer.checkMember(d.ctx(), *env.GroupID, c.userID); err != nil {
			return err
		}
	} else if env.RecipientID == nil || *env.RecipientID != c.userID {
		return sentinal_errors.ErrAccessDenied
	}

	f, err := events.NewFrame(events.TypeReceipt, events.NewReceipt(env.ID, c.userID, m.Read, d.hub.now()))
	if err != nil {
		return err
	}
	f.MessageID = env.ID.String()
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return d.hub.NotifyUser(d.ctx(), env.SenderID, raw)
}

func (d *dispatcher) HandleTyping(m events.Typing) error {
	c := d.client
	payload := events.TypingPayload{UserID: c.userID, RecipientID: m.RecipientID, GroupID: m.GroupID, Typing: m.Started}
	raw, err := events.Encode(events.TypeTyping, payload)
	if err != nil {
		return err
	}
	if m.GroupID != nil {
		if err := d.hub.authorizer.checkMember(d.ctx(), *m.GroupID, c.userID); err != nil {
			return err
		}
		sender := c.userID
		return d.hub.NotifyGroup(d.ctx(), *m.GroupID, raw, &sender)
	}
	if *m.RecipientID == c.userID {
		return fmt.Errorf("%w: typing to self", sentinal_errors.ErrValidation)
	}
	return d.hub.NotifyUser(d.ctx(), *m.RecipientID, raw)
}

func (d *dispatcher) HandleGroup(m events.GroupMembership) error {
	c := d.client
	channel := events.GroupChannel(m.GroupID)
	payload := events.GroupPayload{GroupID: m.GroupID, UserID: c.userID}
	self := c.userID

	if !m.Join {
		d.hub.unsubscribe(c, channel)
		c.sendFrame(events.TypeGroupLeft, "", payload)
		raw, err := events.Encode(events.TypeGroupLeft, payload)
		if err != nil {
			return err
		}
		return d.hub.NotifyGroup(d.ctx(), m.GroupID, raw, &self)
	}

	if err := d.hub.authorizer.checkMember(d.ctx(), m.GroupID, c.userID); err != nil {
		return err
	}
	d.hub.subscribe(c, channel)
	c.sendFrame(events.TypeGroupJoined, "", payload)
	raw, err := events.Encode(events.TypeGroupJoined, payload)
	if err != nil {
		return err
	}
	return d.hub.NotifyGroup(d.ctx(), m.GroupID, raw, &self)
}

func (d *dispatcher) HandleSubscription(m events.Subscription) error {
	c := d.client
	if !m.Subscribe {
		// The user channel carries direct deliveries and stays subscribed.
		if m.Channel == events.UserChannel(c.userID) {
			return fmt.Errorf("%w: cannot leave own user channel", sentinal_errors.ErrValidation)
		}
		d.hub.unsubscribe(c, m.Channel)
		c.sendFrame(events.TypeUnsubscribed, "", events.ChannelPayload{Channel: m.Channel})
		return nil
	}

	if err := d.hub.authorizer.CanSubscribe(d.ctx(), c.userID, m.Channel); err != nil {
		return err
	}
	d.hub.subscribe(c, m.Channel)
	c.sendFrame(events.TypeSubscribed, "", events.ChannelPayload{Channel: m.Channel})
	return nil
}

func (d *dispatcher) HandlePing(events.Ping) error {
	d.client.sendFrame(events.TypePong, d.ref, nil)
	return nil
}

// HandlePong only refreshes activity, which readPump already did.
func (d *dispatcher) HandlePong(events.Pong) error {
	return nil
}
