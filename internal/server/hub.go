package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinal-e2ee/config"
	"sentinal-e2ee/internal/domain/message"
	"sentinal-e2ee/internal/events"
	"sentinal-e2ee/internal/redis"
	"sentinal-e2ee/internal/repository"
	"sentinal-e2ee/internal/services"
)

// Messenger encrypts on behalf of a connected sender.
type Messenger interface {
	Encrypt(ctx context.Context, senderID uuid.UUID, addr services.Addressing, plaintext []byte, deviceID int) (message.Envelope, error)
}

// Presence records connections across relay instances. Connect reports the
// user's first connection, Disconnect the last.
type Presence interface {
	Connect(ctx context.Context, userID uuid.UUID, clientID string, deviceID int) (bool, error)
	Disconnect(ctx context.Context, userID uuid.UUID, clientID string) (bool, error)
	Heartbeat(ctx context.Context, userID uuid.UUID) error
}

type MessageLimiter interface {
	AllowMessage(ctx context.Context, userID uuid.UUID) (redis.RateLimitResult, error)
}

// HubDeps are the hub's collaborators. Presence, Limiter and Members are optional.
type HubDeps struct {
	Broker    events.Broker
	Messenger Messenger
	Envelopes repository.EnvelopeRepository
	Presence  Presence
	Limiter   MessageLimiter
	Members   services.MembershipChecker
	Logger    *zap.Logger
}

// Hub owns the connections of this relay instance. Every fan-out is published
// to the broker and delivered back through deliver, so a single instance and
// a cluster take the same path.
type Hub struct {
	clients  map[uuid.UUID]map[string]*Client
	channels map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	broker     events.Broker
	messenger  Messenger
	envelopes  repository.EnvelopeRepository
	presence   Presence
	limiter    MessageLimiter
	authorizer *ChannelAuthorizer
	cfg        config.RelayConfig
	logger     *RelayLogger

	mu  sync.RWMutex
	now func() time.Time
}

func NewHub(deps HubDeps, cfg config.RelayConfig) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	broker := deps.Broker
	if broker == nil {
		broker = events.NewLocalBroker()
	}
	return &Hub{
		clients:    make(map[uuid.UUID]map[string]*Client),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 256),
		unregister: make(chan *Client, 256),
		done:       make(chan struct{}),
		broker:     broker,
		messenger:  deps.Messenger,
		envelopes:  deps.Envelopes,
		presence:   deps.Presence,
		limiter:    deps.Limiter,
		authorizer: NewChannelAuthorizer(deps.Members),
		cfg:        cfg,
		logger:     NewRelayLogger(deps.Logger),
		now:        time.Now,
	}
}

// Run serves registrations and broker deliveries until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	subErr := make(chan error, 1)
	go func() { subErr <- h.broker.Subscribe(ctx, h.deliver) }()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.handleRegister(ctx, client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case now := <-ticker.C:
			h.Sweep(now)
			h.refreshPresence(ctx)

		case err := <-subErr:
			if ctx.Err() == nil && err != nil && !errors.Is(err, context.Canceled) {
				h.shutdown()
				return err
			}

		case <-ctx.Done():
			h.shutdown()
			return nil
		}
	}
}

// Register hands an upgraded connection to the hub. It returns false once the
// hub has shut down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(ctx context.Context, client *Client) {
	h.mu.Lock()
	// Over the cap the oldest connection of the user makes room.
	var evicted *Client
	if conns := h.clients[client.userID]; len(conns) >= h.cfg.MaxConnectionsPerUser {
		for _, c := range conns {
			if evicted == nil || c.connectedAt.Before(evicted.connectedAt) {
				evicted = c
			}
		}
		h.logger.Warn("max connections per user reached", client.userID, evicted.clientID)
		h.removeLocked(evicted)
	}

	// Eviction may have dropped the user's map, so look it up afterwards.
	conns := h.clients[client.userID]
	if conns == nil {
		conns = make(map[string]*Client)
		h.clients[client.userID] = conns
	}
	conns[client.clientID] = client
	h.subscribeLocked(client, events.UserChannel(client.userID))
	client.open()
	h.mu.Unlock()

	if h.presence != nil {
		if _, err := h.presence.Connect(ctx, client.userID, client.clientID, client.deviceID); err != nil {
			h.logger.Error("presence connect failed", client.userID, client.clientID, err)
		}
		if evicted != nil {
			if _, err := h.presence.Disconnect(ctx, evicted.userID, evicted.clientID); err != nil {
				h.logger.Error("presence disconnect failed", evicted.userID, evicted.clientID, err)
			}
		}
	}

	h.logger.Info("client connected", client.userID, client.clientID, zap.Int("device_id", client.deviceID))

	client.sendFrame(events.TypeConnectionEstablished, "", events.ConnectionEstablished{
		UserID:    client.userID,
		DeviceID:  client.deviceID,
		ClientID:  client.clientID,
		Heartbeat: h.cfg.HeartbeatInterval.Milliseconds(),
	})

	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	conns, ok := h.clients[client.userID]
	if !ok || conns[client.clientID] != client {
		h.mu.Unlock()
		return
	}
	groups := client.groupList()
	h.removeLocked(client)
	lastLocal := len(h.clients[client.userID]) == 0
	h.mu.Unlock()

	h.logger.Info("client disconnected", client.userID, client.clientID)

	offline := lastLocal
	if h.presence != nil {
		var err error
		offline, err = h.presence.Disconnect(context.Background(), client.userID, client.clientID)
		if err != nil {
			h.logger.Error("presence disconnect failed", client.userID, client.clientID, err)
			offline = lastLocal
		}
	}
	if !offline {
		return
	}

	uid := client.userID
	for _, g := range groups {
		h.publish(context.Background(), events.GroupChannel(g), events.TypePresence, "",
			events.NewPresence(uid, false, h.now()), &uid)
	}
}

// removeLocked drops client from every index and closes it. h.mu must be held.
func (h *Hub) removeLocked(client *Client) {
	if conns, ok := h.clients[client.userID]; ok {
		delete(conns, client.clientID)
		if len(conns) == 0 {
			delete(h.clients, client.userID)
		}
	}
	for ch := range client.channels {
		h.unsubscribeLocked(client, ch)
	}
	client.close()
}

func (h *Hub) subscribeLocked(client *Client, channel string) {
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.channels[channel] = subs
	}
	subs[client] = struct{}{}
	client.channels[channel] = struct{}{}
}

func (h *Hub) unsubscribeLocked(client *Client, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(client.channels, channel)
}

func (h *Hub) subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.state() == stateOpen {
		h.subscribeLocked(client, channel)
	}
}

func (h *Hub) unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, channel)
}

// deliver hands a broker delivery to every local open subscriber of its channel.
func (h *Hub) deliver(d events.Delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.channels[d.Channel] {
		if d.ExcludeUserID != nil && client.userID == *d.ExcludeUserID {
			continue
		}
		client.enqueue(d.Frame)
	}
}

// NotifyUser reaches every open connection of userID on any relay instance.
func (h *Hub) NotifyUser(ctx context.Context, userID uuid.UUID, frame []byte) error {
	return h.broker.Publish(ctx, events.Delivery{Channel: events.UserChannel(userID), Frame: frame})
}

// NotifyGroup reaches every open connection subscribed to the group except
// those owned by excludeUser.
func (h *Hub) NotifyGroup(ctx context.Context, groupID uuid.UUID, frame []byte, excludeUser *uuid.UUID) error {
	return h.broker.Publish(ctx, events.Delivery{Channel: events.GroupChannel(groupID), Frame: frame, ExcludeUserID: excludeUser})
}

func (h *Hub) publish(ctx context.Context, channel, frameType, messageID string, data interface{}, exclude *uuid.UUID) {
	f, err := events.NewFrame(frameType, data)
	if err != nil {
		h.logger.Error("encode frame failed", uuid.Nil, "", err, zap.String("type", frameType))
		return
	}
	f.MessageID = messageID
	raw, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("encode frame failed", uuid.Nil, "", err, zap.String("type", frameType))
		return
	}
	if err := h.broker.Publish(ctx, events.Delivery{Channel: channel, Frame: raw, ExcludeUserID: exclude}); err != nil {
		h.logger.Error("publish failed", uuid.Nil, "", err, zap.String("channel", channel))
	}
}

// Sweep closes connections idle longer than the idle timeout. Run calls it
// on every heartbeat tick.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.RLock()
	var idle []*Client
	for _, conns := range h.clients {
		for _, c := range conns {
			if now.Sub(c.lastSeen()) > h.cfg.IdleTimeout {
				idle = append(idle, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.logger.Info("client idle timeout", c.userID, c.clientID)
		c.conn.Close()
	}
	return len(idle)
}

func (h *Hub) refreshPresence(ctx context.Context) {
	if h.presence == nil {
		return
	}
	h.mu.RLock()
	users := make([]uuid.UUID, 0, len(h.clients))
	for id := range h.clients {
		users = append(users, id)
	}
	h.mu.RUnlock()

	for _, id := range users {
		if err := h.presence.Heartbeat(ctx, id); err != nil {
			h.logger.Warn("presence heartbeat failed", id, "", zap.Error(err))
		}
	}
}

// ConnectionCount reports open connections of userID on this instance.
func (h *Hub) ConnectionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	var all []*Client
	for _, conns := range h.clients {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	for _, c := range all {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	if h.presence != nil {
		for _, c := range all {
			if _, err := h.presence.Disconnect(context.Background(), c.userID, c.clientID); err != nil {
				h.logger.Warn("presence disconnect failed", c.userID, c.clientID, zap.Error(err))
			}
		}
	}
}
