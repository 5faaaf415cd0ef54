package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Room is a time-boxed chat session addressed by a short join code.
// It is hard-deleted by the cleanup job once ExpiresAt has passed.
type Room struct {
	// ID is the unique identifier of the room (UUID).
	ID string `gorm:"primaryKey;size:36" json:"id"`
	// Code is the human-entered join code, always stored upper case.
	Code string `gorm:"size:16;not null;uniqueIndex" json:"code"`
	// CreatedAt is the timestamp when the room was created.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is the absolute moment after which the room can no longer be joined.
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}

// BeforeCreate is a GORM hook that fills in a UUID and normalises the code.
func (r *Room) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Code = NormalizeCode(r.Code)
	return
}

// Expired reports whether the room's lifetime is over at now.
func (r *Room) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Joinable reports whether a new participant may enter: the room has not
// expired and holds fewer than capacity active participants.
func (r *Room) Joinable(now time.Time, active, capacity int) bool {
	return !r.Expired(now) && active < capacity
}

// NormalizeCode trims and upper-cases a join code. Codes are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
