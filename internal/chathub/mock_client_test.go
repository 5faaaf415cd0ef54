package chathub_test

import (
	"sync"
	"sync/atomic"

	"onetimechat/backend/internal/models"
)

type MockClient struct {
	sessionID   string
	roomID      string
	topic       models.Topic
	RecvChannel chan models.Event

	closed    atomic.Bool
	closeOnce sync.Once
}

func newMockClient(sessionID, roomID string, topic models.Topic) *MockClient {
	return &MockClient{
		sessionID:   sessionID,
		roomID:      roomID,
		topic:       topic,
		RecvChannel: make(chan models.Event, 10),
	}
}

func (c *MockClient) GetSessionID() string {
	return c.sessionID
}

func (c *MockClient) GetRoomID() string {
	return c.roomID
}

func (c *MockClient) GetTopic() models.Topic {
	return c.topic
}

func (c *MockClient) GetSendChannel() chan<- models.Event {
	return c.RecvChannel
}

func (c *MockClient) Close() {
	c.closeOnce.Do(func() { c.closed.Store(true) })
}

func (c *MockClient) Closed() bool {
	return c.closed.Load()
}

func (c *MockClient) Run() {
	// Not needed for testing
}
