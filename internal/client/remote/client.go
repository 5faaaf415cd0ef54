// Package remote implements the client contracts against the HTTP and
// WebSocket API served by cmd.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	"github.com/gorilla/websocket"
)

// Client talks to one server on behalf of one session.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	mu        sync.Mutex
	token     string
	sessionID string
}

func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger.L(),
	}, nil
}

// Authenticate obtains a token for sessionID and returns the session the
// server accepted. A malformed id is replaced by the server.
func (c *Client) Authenticate(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", "", map[string]string{"session_id": sessionID}, &resp, false); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token, c.sessionID = resp.Token, resp.SessionID
	c.mu.Unlock()
	return resp.SessionID, nil
}

// SessionID is the session of the current token, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ensureSession authenticates unless the current token is for sessionID.
func (c *Client) ensureSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	ok := c.token != "" && (sessionID == "" || c.sessionID == sessionID)
	c.mu.Unlock()
	if ok {
		return nil
	}
	_, err := c.Authenticate(ctx, sessionID)
	return err
}

// CreatedRoom is the result of CreateRoom.
type CreatedRoom struct {
	RoomID    string    `json:"room_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Color     string    `json:"color"`
}

// CreateRoom opens a new room with the caller already joined.
func (c *Client) CreateRoom(ctx context.Context, sessionID string) (*CreatedRoom, error) {
	if err := c.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}
	var room CreatedRoom
	if err := c.do(ctx, http.MethodPost, "/rooms", "", nil, &room, true); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) GetRoom(ctx context.Context, code string) (time.Time, error) {
	if err := c.ensureSession(ctx, ""); err != nil {
		return time.Time{}, err
	}
	var resp struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/codes/"+url.PathEscape(code), "", nil, &resp, true); err != nil {
		return time.Time{}, err
	}
	return resp.ExpiresAt, nil
}

func (c *Client) JoinRoom(ctx context.Context, code, sessionID string) (string, error) {
	if err := c.ensureSession(ctx, sessionID); err != nil {
		return "", err
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/codes/"+url.PathEscape(code)+"/join", "", nil, &resp, true); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) ExitRoom(ctx context.Context, roomID, sessionID string) error {
	if err := c.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/exit", "", nil, nil, true)
}

func (c *Client) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	var list []models.Participant
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/participants", "", nil, &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var list []models.Message
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", "", nil, &list, true); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), "", nil, &msg, true); err != nil {
		return nil, err
	}
	return &msg, nil
}

type postMessage struct {
	ID      string             `json:"id"`
	Kind    models.MessageKind `json:"kind"`
	Content string             `json:"content"`
	Caption *string            `json:"caption,omitempty"`
	ReplyTo *string            `json:"reply_to,omitempty"`
}

// InsertMessage stores msg. The server keeps msg.ID and fills in the reply
// preview and creation time.
func (c *Client) InsertMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	body := postMessage{ID: msg.ID, Kind: msg.Kind, Content: msg.Content, Caption: msg.Caption, ReplyTo: msg.ReplyTo}
	var saved models.Message
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(msg.RoomID)+"/messages", "", body, &saved, true); err != nil {
		return nil, err
	}
	return &saved, nil
}

func attachmentPath(bucket, objectPath string) string {
	return "/attachments/" + url.PathEscape(bucket) + "/" + strings.TrimLeft(objectPath, "/")
}

func (c *Client) UploadAttachment(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error {
	return c.do(ctx, http.MethodPut, attachmentPath(bucket, objectPath), contentType, data, nil, true)
}

func (c *Client) DeleteAttachment(ctx context.Context, bucket, objectPath string) error {
	return c.do(ctx, http.MethodDelete, attachmentPath(bucket, objectPath), "", nil, nil, true)
}

// DownloadAttachment returns an object and its content type.
func (c *Client) DownloadAttachment(ctx context.Context, bucket, objectPath string) ([]byte, string, error) {
	resp, err := c.send(ctx, http.MethodGet, attachmentPath(bucket, objectPath), "", nil, true)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", transient(err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// ListAttachments lists a room's objects in bucket.
func (c *Client) ListAttachments(ctx context.Context, bucket, roomID string) ([]string, error) {
	var paths []string
	p := "/attachments/" + url.PathEscape(bucket) + "?folder=" + url.QueryEscape(roomID)
	if err := c.do(ctx, http.MethodGet, p, "", nil, &paths, true); err != nil {
		return nil, err
	}
	return paths, nil
}

// do sends a request and decodes a JSON response into out when non-nil.
// A []byte body is sent raw with contentType; anything else is JSON.
func (c *Client) do(ctx context.Context, method, path, contentType string, body, out any, auth bool) error {
	resp, err := c.send(ctx, method, path, contentType, body, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body any, auth bool) (*http.Response, error) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if auth {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			return nil, errors.New("remote: not authenticated")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transient(err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

// APIError is a non-2xx response whose code has no sentinel.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s)", e.Status, e.Code)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if err := models.ErrorForCode(body.Error); err != nil {
		return err
	}
	return &APIError{Status: resp.StatusCode, Code: body.Error}
}

func transient(err error) error {
	return fmt.Errorf("%w: %w", models.ErrNetworkTransient, err)
}
