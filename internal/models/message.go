package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageKind is the type of content a message carries.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
	KindImage MessageKind = "image"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindImage:
		return true
	}
	return false
}

// Message is a chat message row. For voice and image messages Content is a
// storage path inside the matching attachment bucket.
//
// ReplyKind and ReplyContent are a denormalised preview of the message that
// ReplyTo points at. They are resolved once on insert so that a row can be
// rendered without a join.
type Message struct {
	ID        string      `gorm:"primaryKey;size:36" json:"id"`
	RoomID    string      `gorm:"size:36;not null;index:idx_room_created,priority:1" json:"room_id"`
	SessionID string      `gorm:"size:64;not null" json:"session_id"`
	Kind      MessageKind `gorm:"size:8;not null" json:"kind"`
	Content   string      `gorm:"type:text;not null" json:"content"`
	// Caption is optional and only used by image messages.
	Caption *string `gorm:"type:text" json:"caption,omitempty"`

	ReplyTo      *string      `gorm:"size:36" json:"reply_to,omitempty"`
	ReplyKind    *MessageKind `gorm:"size:8" json:"reply_kind,omitempty"`
	ReplyContent *string      `gorm:"type:text" json:"reply_content,omitempty"`

	CreatedAt time.Time `gorm:"index:idx_room_created,priority:2" json:"created_at"`
}

// BeforeCreate keeps a client-supplied ID and only generates one when missing.
func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}

// Validate checks the fields a sender controls.
func (m *Message) Validate() error {
	if m.RoomID == "" || m.SessionID == "" {
		return ErrInvalidMessage
	}
	if !m.Kind.Valid() {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrInvalidMessage
	}
	if m.Caption != nil && m.Kind != KindImage {
		return ErrInvalidMessage
	}
	return nil
}

// Bucket returns the attachment bucket that holds the message content, or ""
// for text messages.
func (m *Message) Bucket() string {
	switch m.Kind {
	case KindVoice:
		return BucketVoices
	case KindImage:
		return BucketImages
	}
	return ""
}

// Attachment buckets.
const (
	BucketImages = "chat-images"
	BucketVoices = "chat-voices"
)

// Buckets lists every attachment bucket. The cleanup job walks all of them.
var Buckets = []string{BucketImages, BucketVoices}
