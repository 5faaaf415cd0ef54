// Package directory resolves join codes and joins rooms.
package directory

import (
	"context"
	"time"

	"onetimechat/backend/internal/models"
)

// API is the server side of the directory. JoinRoom must be atomic and
// idempotent for a (room, session) pair.
type API interface {
	GetRoom(ctx context.Context, code string) (expiresAt time.Time, err error)
	JoinRoom(ctx context.Context, code, sessionID string) (roomID string, err error)
}

type Client struct {
	api API
}

func New(api API) *Client {
	return &Client{api: api}
}

// Resolve returns the expiry of the room with code, or ErrRoomNotFound.
func (c *Client) Resolve(ctx context.Context, code string) (time.Time, error) {
	code = models.NormalizeCode(code)
	if code == "" {
		return time.Time{}, models.ErrRoomNotFound
	}
	return c.api.GetRoom(ctx, code)
}

// Join records sessionID in the room and returns its id. Calling it again for
// the same session returns the same room.
func (c *Client) Join(ctx context.Context, code, sessionID string) (string, error) {
	code = models.NormalizeCode(code)
	if code == "" {
		return "", models.ErrRoomNotFound
	}
	return c.api.JoinRoom(ctx, code, sessionID)
}
