package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sentinal-e2ee/internal/events"
	sentinal_errors "sentinal-e2ee/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// Connection states. A client only receives deliveries while open.
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosed
)

// Client is one upgraded connection. channels is guarded by hub.mu; send and
// the state transitions by mu.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   uuid.UUID
	deviceID int
	clientID string
	channels map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	st           atomic.Int32
	connectedAt  time.Time
	lastActivity atomic.Int64
	logger       *RelayLogger
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, deviceID int, clientID string) *Client {
	now := hub.now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.cfg.SendBuffer),
		userID:      userID,
		deviceID:    deviceID,
		clientID:    clientID,
		channels:    make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: now,
		logger:      hub.logger,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Client) state() int32 {
	return c.st.Load()
}

func (c *Client) open() {
	c.st.CompareAndSwap(stateConnecting, stateOpen)
}

// close is idempotent. The write pump sees the closed send channel, sends a
// close frame and drops the connection.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Swap(stateClosed) == stateClosed {
		return
	}
	c.cancel()
	close(c.send)
}

func (c *Client) touch() {
	c.lastActivity.Store(c.hub.now().UnixNano())
}

func (c *Client) lastSeen() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// enqueue never blocks; a full buffer drops the frame.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Load() != stateOpen {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("client send buffer full", c.userID, c.clientID)
		return false
	}
}

func (c *Client) sendFrame(frameType, messageID string, data interface{}) {
	f, err := events.NewFrame(frameType, data)
	if err != nil {
		c.logger.Error("encode frame failed", c.userID, c.clientID, err, zap.String("type", frameType))
		return
	}
	f.MessageID = messageID
	raw, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encode frame failed", c.userID, c.clientID, err, zap.String("type", frameType))
		return
	}
	c.enqueue(raw)
}

func (c *Client) sendError(err error, ref string) {
	code := sentinal_errors.Code(err)
	msg := err.Error()
	if code == "INTERNAL_ERROR" || code == "STORAGE_UNAVAILABLE" {
		msg = "request failed"
	}
	c.enqueue(events.ErrorFrame(code, msg, ref))
}

// groupList returns the groups this connection joined. hub.mu must be held.
func (c *Client) groupList() []uuid.UUID {
	var out []uuid.UUID
	for ch := range c.channels {
		if !strings.HasPrefix(ch, events.ChannelPrefixGroup) {
			continue
		}
		if _, id, err := events.ParseChannel(ch); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	idle := c.hub.cfg.IdleTimeout
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket unexpected close", c.userID, c.clientID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idle))
		c.touch()
		c.handleMessage(raw)
	}
}

// handleMessage never closes the connection; every failure becomes an error frame.
func (c *Client) handleMessage(raw []byte) {
	in, frame, err := events.Decode(raw)
	if err != nil {
		c.logger.Debug("malformed frame", c.userID, c.clientID, zap.Error(err))
		c.sendError(sentinal_errors.Wrap(sentinal_errors.ErrValidation, err), frame.MessageID)
		return
	}

	d := &dispatcher{client: c, hub: c.hub, ref: frame.MessageID}
	if err := in.Accept(d); err != nil {
		c.logger.Warn("frame rejected", c.userID, c.clientID,
			zap.String("type", in.Kind()), zap.String("code", sentinal_errors.Code(err)), zap.Error(err))
		c.sendError(err, frame.MessageID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
