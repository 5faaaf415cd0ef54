package remote

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"onetimechat/backend/internal/client/msgsync"
	"onetimechat/backend/internal/client/presence"
	"onetimechat/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	eventsBuffer = 64
)

// conn is one push connection. It serves as both a message subscription
// and a presence channel.
type conn struct {
	ws     *websocket.Conn
	events chan models.Event
	done   chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

func (c *Client) dial(ctx context.Context, roomID string, topic models.Topic) (*conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, errors.New("remote: not authenticated")
	}

	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{
		"room_id":      {roomID},
		"topic":        {string(topic)},
		"access_token": {token},
	}.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, transient(err)
	}

	pc := &conn{ws: ws, events: make(chan models.Event, eventsBuffer), done: make(chan struct{})}
	go pc.readLoop(c)
	return pc, nil
}

// readLoop delivers frames until the connection ends, then closes events.
// A full buffer drops the frame; the synchronizer recovers by reloading.
func (pc *conn) readLoop(c *Client) {
	defer close(pc.events)
	for {
		var ev models.Event
		if err := pc.ws.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-pc.done:
				default:
					c.log.Warn("push connection ended", "err", err)
				}
			}
			return
		}
		select {
		case pc.events <- ev:
		default:
			c.log.Warn("push event dropped", "type", ev.Type)
		}
	}
}

func (pc *conn) Events() <-chan models.Event { return pc.events }

func (pc *conn) Track(_ context.Context, meta models.PresenceMeta) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_ = pc.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := pc.ws.WriteJSON(models.Event{Type: models.EventTrack, Meta: &meta}); err != nil {
		return transient(err)
	}
	return nil
}

// Close ends the connection. It is safe to call more than once.
func (pc *conn) Close() error {
	var err error
	pc.once.Do(func() {
		close(pc.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = pc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = pc.ws.Close()
	})
	return err
}

// Subscribe opens the room's message topic.
func (c *Client) Subscribe(ctx context.Context, roomID string) (msgsync.Subscription, error) {
	pc, err := c.dial(ctx, roomID, models.TopicMessages)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// JoinPresence opens the room's presence topic. The server keys presence by
// the token's session, which must be key.
func (c *Client) JoinPresence(ctx context.Context, roomID, key string) (presence.Channel, error) {
	if err := c.ensureSession(ctx, key); err != nil {
		return nil, err
	}
	pc, err := c.dial(ctx, roomID, models.TopicPresence)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
