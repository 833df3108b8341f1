package domain

// SessionID identifies one media session at the SFU. The meeting service
// hands the same identifier to every participant in the room.
type SessionID string

// SessionInfo is one entry of a room snapshot.
type SessionInfo struct {
	SessionID SessionID `json:"session_id"`
	Username  string    `json:"username"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
}

// Meeting is the room document returned by the meeting service and pushed
// over signaling as room_state and room_updated.
type Meeting struct {
	RoomID   string        `json:"room_id"`
	Sessions []SessionInfo `json:"sessions"`
}

// JoinResult is the meeting service's answer to a join request.
type JoinResult struct {
	SessionID SessionID `json:"session_id"`
	RoomID    string    `json:"room_id"`
}

// Credentials authorise calls against the SFU application.
type Credentials struct {
	AppID string `json:"appId"`
	Token string `json:"token"`
}
