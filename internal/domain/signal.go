package domain

// SDP types as carried on the wire.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is the JSON structure for SDP offers and answers.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Signaling event kinds.
const (
	EventRoomState         = "room_state"
	EventRoomUpdated       = "room_updated"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTracksReady       = "tracks_ready"
	EventSpeakingState     = "speaking_state"
	EventWave              = "wave"
	EventPing              = "ping"
	EventPong              = "pong"
)

// RoomState is the full session snapshot carried by room_state and room_updated.
type RoomState struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ParticipantEvent is the payload of participant_joined, participant_left
// and tracks_ready. SessionID may be empty on participant_left.
type ParticipantEvent struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Username  string    `json:"username"`
}

// SpeakingState reports voice activity of a participant.
type SpeakingState struct {
	Username   string `json:"username"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// Wave is a hand wave sent by a participant.
type Wave struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}
