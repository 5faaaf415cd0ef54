package models

import "time"

// Participant records that a session joined a room. The pair
// (RoomID, SessionID) is the primary key, which makes re-joining a no-op.
type Participant struct {
	RoomID    string `gorm:"primaryKey;size:36" json:"room_id"`
	SessionID string `gorm:"primaryKey;size:64" json:"session_id"`
	// Color is assigned once at join and used to render authorship.
	Color    string     `gorm:"size:16;not null" json:"color"`
	JoinedAt time.Time  `gorm:"not null" json:"joined_at"`
	ExitedAt *time.Time `json:"exited_at,omitempty"`
}

// Active reports whether the participant has not exited yet.
func (p *Participant) Active() bool {
	return p.ExitedAt == nil
}
