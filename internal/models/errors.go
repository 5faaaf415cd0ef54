package models

import "errors"

// Join-time errors. They are terminal for the attempt; the user may retry by
// navigating to the room again.
var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExpired  = errors.New("room expired")
	ErrRoomFull     = errors.New("room is full")
)

// Outbound errors. They roll back optimistic state and are surfaced as a
// transient notification; the user may resend.
var (
	ErrUploadFailed = errors.New("attachment upload failed")
	ErrInsertFailed = errors.New("message insert failed")
)

var (
	// ErrNetworkTransient wraps transport failures. There is no retry.
	ErrNetworkTransient = errors.New("network error")

	ErrNotParticipant   = errors.New("session is not a participant of the room")
	ErrMessageNotFound  = errors.New("message not found")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrExitedRoom       = errors.New("room was exited in this browser")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Error codes used on the wire. The HTTP API writes them and the remote
// client maps them back to the sentinels above.
const (
	CodeRoomNotFound    = "room_not_found"
	CodeRoomExpired     = "room_expired"
	CodeRoomFull        = "room_full"
	CodeNotParticipant  = "not_participant"
	CodeMessageNotFound = "message_not_found"
	CodeInvalidMessage  = "invalid_message"
	CodeUnauthorized    = "unauthorized"
	CodeInternal        = "internal"
)

var codeErrors = map[string]error{
	CodeRoomNotFound:    ErrRoomNotFound,
	CodeRoomExpired:     ErrRoomExpired,
	CodeRoomFull:        ErrRoomFull,
	CodeNotParticipant:  ErrNotParticipant,
	CodeMessageNotFound: ErrMessageNotFound,
	CodeInvalidMessage:  ErrInvalidMessage,
}

// ErrorForCode returns the sentinel for a wire code, or nil if unknown.
func ErrorForCode(code string) error {
	return codeErrors[code]
}

// CodeForError returns the wire code for err, falling back to CodeInternal.
func CodeForError(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}
