package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/storage"
)

const binaryMessageType = websocket.BinaryMessage

// upgrader is shared across connections; CheckOrigin delegates to the
// caller-supplied allow-list so the handler stays testable without a real
// HTTP origin.
func newUpgrader(checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
}

// Handler wires the GET /rooms/ws/:room_id upgrade endpoint to the
// RoomManager. Admission (authentication, rate limiting) happens in gin
// middleware layered in front of this handler; Handler itself only does
// the upgrade and hands the connection to a Driver.
type Handler struct {
	manager     Manager
	upgrader    *websocket.Upgrader
	checkOrigin func(*http.Request) bool
}

// NewHandler constructs a Handler. checkOrigin is forwarded to the
// websocket upgrader's CheckOrigin; pass nil to accept any origin (tests
// and local development only — callers in production must supply an
// allow-list, same as the admission concerns spec.md treats as external).
func NewHandler(manager Manager, checkOrigin func(*http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{manager: manager, upgrader: newUpgrader(checkOrigin), checkOrigin: checkOrigin}
}

// ServeWs upgrades the request and hands the connection off to a Driver
// running in its own goroutine. It returns as soon as the driver is
// launched; it does not block for the lifetime of the connection.
func (h *Handler) ServeWs(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id is required"})
		return
	}

	peerID := c.Query("peer_id")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	lr, err := h.manager.Connect(c.Request.Context(), roomID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed",
			zap.String("room_id", roomID), zap.Error(err))
		h.manager.Disconnect(roomID)
		return
	}

	driver := New(conn, h.manager, lr, roomID, peerID)
	go driver.Serve(context.Background())
}
