package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"onetimechat/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 32
)

// WebSocketClient implements Client over a gorilla websocket connection.
type WebSocketClient struct {
	SessionID string
	RoomID    string
	Topic     models.Topic
	Conn      *websocket.Conn
	Hub       *ManagerService
	Send      chan models.Event

	closeOnce sync.Once
}

func NewWebSocketClient(hub *ManagerService, conn *websocket.Conn, sessionID, roomID string, topic models.Topic) *WebSocketClient {
	return &WebSocketClient{
		SessionID: sessionID,
		RoomID:    roomID,
		Topic:     topic,
		Conn:      conn,
		Hub:       hub,
		Send:      make(chan models.Event, sendBuffer),
	}
}

func (c *WebSocketClient) GetSessionID() string                { return c.SessionID }
func (c *WebSocketClient) GetRoomID() string                   { return c.RoomID }
func (c *WebSocketClient) GetTopic() models.Topic              { return c.Topic }
func (c *WebSocketClient) GetSendChannel() chan<- models.Event { return c.Send }

func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes the send channel, which stops the write pump.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketClient) unregister() {
	select {
	case c.Hub.UnregisterCh <- c:
	case <-c.Hub.Done():
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.unregister()
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.Topic == models.TopicPresence {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := c.Hub.Storage.TouchPresence(ctx, c.RoomID, c.SessionID); err != nil {
				c.Hub.Log.Warn("presence heartbeat failed", "room", c.RoomID, "key", c.SessionID, "err", err)
			}
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.Log.Warn("websocket read failed", "session", c.SessionID, "err", err)
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.Hub.Log.Warn("bad frame from client", "session", c.SessionID, "err", err)
			continue
		}
		// Only presence connections talk back, and only to track themselves.
		if c.Topic != models.TopicPresence || ev.Type != models.EventTrack {
			continue
		}

		req := TrackRequest{Client: c}
		if ev.Meta != nil {
			req.Meta = *ev.Meta
		}
		select {
		case c.Hub.TrackCh <- req:
		case <-c.Hub.Done():
			return
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
