package event

import "github.com/agentmesh/worldgate/pkg/types"

// ChatData is the payload of chat.broadcast bus events. SourceToken
// identifies the speaking session so delivery can skip echoing speech
// back to its author.
type ChatData struct {
	SourceToken string
	Chat        types.ChatPayload
}

// SessionData is the payload of session lifecycle bus events.
type SessionData struct {
	Token       string
	DisplayName string
	PublicID    string
}
