package chathub

import "onetimechat/backend/internal/models"

// Client is one push connection subscribed to a single topic of a single room.
// It abstracts the underlying transport so the hub can manage connections
// uniformly and tests can substitute their own.
type Client interface {
	// GetSessionID returns the session the connection was opened for. It is
	// also the key the session is tracked under in presence state.
	GetSessionID() string
	// GetRoomID returns the room the connection belongs to.
	GetRoomID() string
	// GetTopic returns which stream of room events the connection receives.
	GetTopic() models.Topic

	// GetSendChannel returns the channel the hub writes events to.
	GetSendChannel() chan<- models.Event

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the send channel. It must be safe to call more than once.
	Close()
}
