package models

import "time"

// Topic selects what a push connection receives.
type Topic string

const (
	// TopicMessages delivers insert notifications for a room's messages.
	TopicMessages Topic = "messages"
	// TopicPresence delivers presence state and accepts track requests.
	TopicPresence Topic = "presence"
)

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	return t == TopicMessages || t == TopicPresence
}

type EventType string

const (
	EventInsert       EventType = "insert"
	EventPresenceSync EventType = "presence_sync"
	EventTrack        EventType = "track"
)

// Event is the frame exchanged over push connections and Redis channels.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"room_id"`

	// Record is set on insert events. It is deliberately minimal: receivers
	// fetch the full row, including the reply preview, by ID.
	Record *InsertRecord `json:"record,omitempty"`

	// Presence is the full key -> meta state on presence_sync events.
	Presence map[string]PresenceMeta `json:"presence,omitempty"`

	// Meta is sent by a client with a track event.
	Meta *PresenceMeta `json:"meta,omitempty"`
}

// InsertRecord identifies a newly inserted message.
type InsertRecord struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	SessionID string      `json:"session_id"`
	Kind      MessageKind `json:"kind"`
}

// PresenceMeta is what a session announces about itself when tracked.
type PresenceMeta struct {
	JoinedAt time.Time `json:"joined_at"`
}

// RoomChannel is the Redis channel carrying events for roomID.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// RoomChannelPattern matches every room channel.
const RoomChannelPattern = "room:*"

// Topic returns the topic that carries events of type t.
func (t EventType) Topic() Topic {
	if t == EventInsert {
		return TopicMessages
	}
	return TopicPresence
}
