package redis

import (
	"context"
	"encoding/json"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sentinal-e2ee/internal/events"
)

// Pub/sub channels mirror relay channels under one prefix:
// - relay:channel:user:{id}
// - relay:channel:group:{id}
const brokerPrefix = "relay:"

// Broker fans relay deliveries out across instances over Redis pub/sub.
type Broker struct {
	client goredis.UniversalClient
	log    *zap.Logger
}

var _ events.Broker = (*Broker)(nil)

func NewBroker(client goredis.UniversalClient, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{client: client, log: log.Named("broker")}
}

func (b *Broker) Publish(ctx context.Context, d events.Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, brokerPrefix+d.Channel, payload).Err()
}

// Subscribe blocks, handing every delivery to fn until ctx is cancelled.
// Undecodable payloads are logged and skipped.
func (b *Broker) Subscribe(ctx context.Context, fn func(events.Delivery)) error {
	sub := b.client.PSubscribe(ctx, brokerPrefix+"channel:*")
	defer sub.Close()

	// Block until the server confirms the pattern subscription.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var d events.Delivery
		if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
			b.log.Warn("dropping undecodable delivery", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if d.Channel == "" {
			d.Channel = strings.TrimPrefix(msg.Channel, brokerPrefix)
		}
		fn(d)
	}
}

// Close is a no-op; the client is owned by the caller.
func (b *Broker) Close() error {
	return nil
}
