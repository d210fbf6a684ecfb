package types

// EventKind classifies events delivered to a session's client.
type EventKind string

const (
	EventChat          EventKind = "chat"
	EventSpeakOK       EventKind = "speak_ok"
	EventMoveOK        EventKind = "move_ok"
	EventFaceOK        EventKind = "face_ok"
	EventWhoOK         EventKind = "who_ok"
	EventPong          EventKind = "pong"
	EventWarning       EventKind = "warning"
	EventAvatarLibrary EventKind = "avatar_library"
	EventAvatarUpload  EventKind = "avatar_uploaded"
	EventKicked        EventKind = "kicked"
	EventDisconnected  EventKind = "disconnected"
	EventError         EventKind = "error"
)

// AgentEvent is one fact to deliver to a session's client. TS is the
// buffer-assigned sequence timestamp in nanoseconds; At is the same
// instant rendered human-readable. Either value works as the next poll
// cutoff. DedupeID, when set, suppresses re-insertion of an event that
// is still sitting in the buffer.
type AgentEvent struct {
	Kind     EventKind `json:"kind"`
	TS       int64     `json:"ts,omitempty"`
	At       string    `json:"at,omitempty"`
	DedupeID string    `json:"id,omitempty"`
	Data     any       `json:"data,omitempty"`
}

// ChatPayload is the data of a chat event.
type ChatPayload struct {
	From      string `json:"from"`
	FromID    string `json:"fromId"`
	Body      string `json:"body"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
}

// MoveAckPayload is the data of a move_ok event.
type MoveAckPayload struct {
	Direction  string `json:"direction"`
	DurationMs int    `json:"durationMs"`
}

// FaceAckPayload is the data of a face_ok event.
type FaceAckPayload struct {
	Direction string   `json:"direction,omitempty"`
	Yaw       *float64 `json:"yaw,omitempty"`
	Cleared   bool     `json:"cleared,omitempty"`
}

// WarningPayload is the data of a warning event.
type WarningPayload struct {
	Message string `json:"message"`
}

// WhoPayload is the data of a who_ok event.
type WhoPayload struct {
	Agents []SessionInfo `json:"agents"`
}

// AvatarLibraryPayload lists the named avatars the gateway knows about.
type AvatarLibraryPayload struct {
	Avatars map[string]string `json:"avatars"`
}

// AvatarUploadedPayload reports a completed avatar upload.
type AvatarUploadedPayload struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// KickedPayload carries the world's kick code.
type KickedPayload struct {
	Code string `json:"code"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
