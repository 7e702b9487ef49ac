package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sentinal-e2ee/internal/services"
	"sentinal-e2ee/internal/transport/httpdto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type TokenAuthenticator interface {
	Authenticate(token string) (uuid.UUID, services.AccessClaims, error)
}

// WebSocketHandler authenticates and upgrades relay connections. Nothing is
// upgraded until the token and device id check out.
type WebSocketHandler struct {
	hub  *Hub
	auth TokenAuthenticator
}

func NewWebSocketHandler(hub *Hub, auth TokenAuthenticator) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, auth: auth}
}

func (h *WebSocketHandler) Handle(c *gin.Context) {
	token := extractToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("missing token", "UNAUTHORIZED"))
		return
	}
	userID, claims, err := h.auth.Authenticate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("invalid token", "UNAUTHORIZED"))
		return
	}

	deviceID, ok := resolveDevice(c.Query("device_id"), claims.DeviceID)
	if !ok {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("device_id must be a positive integer", "VALIDATION"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Error("websocket upgrade failed", userID, "", err)
		return
	}

	client := NewClient(h.hub, conn, userID, deviceID, uuid.New().String())
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
	}
}

// resolveDevice prefers the query parameter and falls back to the token's
// device claim. A token bound to a device cannot connect as another one.
func resolveDevice(query string, claimed int) (int, bool) {
	if query == "" {
		return claimed, claimed > 0
	}
	id, err := strconv.Atoi(query)
	if err != nil || id < 1 {
		return 0, false
	}
	if claimed > 0 && claimed != id {
		return 0, false
	}
	return id, true
}

func extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return ""
}
