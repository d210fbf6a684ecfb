package types

// SessionStatus tracks where a session is in its lifecycle.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusActive       SessionStatus = "active"
	StatusDisconnected SessionStatus = "disconnected"
	StatusKicked       SessionStatus = "kicked"
	StatusTerminated   SessionStatus = "terminated"
)

// TransportKind identifies which adapter a session entered through.
type TransportKind string

const (
	TransportSocket TransportKind = "socket"
	TransportHTTP   TransportKind = "http"
)

// SpawnRequest is the transport-agnostic spawn contract.
type SpawnRequest struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// SpawnResponse is returned to a freshly spawned agent. Handle is the
// URL path the plaintext adapter answers on for this session.
type SpawnResponse struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Handle      string `json:"handle"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

// SessionInfo is the public view of a live session, as listed by "who".
type SessionInfo struct {
	DisplayName  string `json:"displayName"`
	PublicID     string `json:"publicId"`
	WorldAgentID string `json:"worldAgentId,omitempty"`
}

// PollResponse is the body of a buffered-event read.
type PollResponse struct {
	Events      []AgentEvent  `json:"events"`
	AgentStatus SessionStatus `json:"agentStatus"`
}
