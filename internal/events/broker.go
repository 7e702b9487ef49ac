package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrBrokerClosed = errors.New("broker closed")

// Delivery is one encoded frame addressed to a channel. ExcludeUserID keeps a
// fan-out from echoing back to the sender's own connections.
type Delivery struct {
	Channel       string     `json:"channel"`
	Frame         []byte     `json:"frame"`
	ExcludeUserID *uuid.UUID `json:"excludeUserId,omitempty"`
}

// Broker moves deliveries between relay instances. Every instance subscribes
// once and filters locally against its own connections.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(ctx context.Context, fn func(Delivery)) error
	Close() error
}

// LocalBroker delivers in process. Used for single-node deployments and tests.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(Delivery)
	nextID   int
	closed   bool
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(Delivery))}
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, fn := range b.handlers {
		fn(d)
	}
	return nil
}

// Subscribe registers fn and blocks until ctx is done, matching the shape of
// the redis implementation.
func (b *LocalBroker) Subscribe(ctx context.Context, fn func(Delivery)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return ctx.Err()
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = make(map[int]func(Delivery))
	b.mu.Unlock()
	return nil
}
