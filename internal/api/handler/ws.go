package handler

import (
	"net/http"

	"onetimechat/backend/internal/chathub"
	"onetimechat/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the request to a push connection for one topic of
// one room. Only members of the room may subscribe.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	roomID := c.Query("room_id")
	topic := models.Topic(c.Query("topic"))
	if !topic.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_topic"})
		return
	}
	if _, err := h.requireMember(c, roomID); err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, sessionOf(c), roomID, topic)
	select {
	case h.Hub.RegisterCh <- client:
	case <-h.Hub.Done():
		_ = conn.Close()
		return
	}
	client.Run()
}
