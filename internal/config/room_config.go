package config

import "time"

const (
	// Room
	RoomCapacity        = 5
	DefaultRoomLifetime = 30 * time.Minute
	CodeLength          = 6
	CodeAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// Client
	ExpiryTick = time.Second

	// Presence
	DefaultPresenceWindow = 60 * time.Second
	PresenceSweepInterval = 15 * time.Second

	// Cleanup
	DefaultCleanupInterval = time.Minute

	// Session tokens
	SessionTokenTTL = 72 * time.Hour
	TokenIssuer     = "onetimechat-service"
)

// ParticipantColors is the palette handed out at join, in order.
var ParticipantColors = []string{
	"#EF9CAE",
	"#7EC8E3",
	"#A0D995",
	"#F6C177",
	"#C3A6E0",
}
