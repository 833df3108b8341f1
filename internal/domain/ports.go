package domain

import (
	"context"

	"meeting_room/native/internal/media"
)

// Directory is the meeting service: room membership and SFU credentials.
type Directory interface {
	Join(ctx context.Context, roomID, username string) (JoinResult, error)
	Info(ctx context.Context, roomID string) (*Meeting, error)
	NotifyTracksReady(ctx context.Context, roomID string, id SessionID, username string) error
	Leave(ctx context.Context, roomID string, id SessionID) error
	Credentials(ctx context.Context) (Credentials, error)
}

// SFU is the HTTP negotiation API of the media server.
type SFU interface {
	NewTracks(ctx context.Context, id SessionID, req TracksRequest) (*TracksResponse, error)
	Renegotiate(ctx context.Context, id SessionID, answer SessionDescription) error
	Session(ctx context.Context, id SessionID) (*SessionState, error)
}

// Signaler manages the room's event stream.
type Signaler interface {
	Connect(ctx context.Context) error
	SendWave() error
	SendSpeakingState(speaking bool) error
	SendParticipantLeft(id SessionID, username string) error
	Close()
}

// Handler receives decoded signaling events in arrival order.
type Handler interface {
	OnRoomState(state RoomState)
	OnParticipantJoined(ev ParticipantEvent)
	OnParticipantLeft(ev ParticipantEvent)
	OnTracksReady(ev ParticipantEvent)
	OnSpeakingState(ev SpeakingState)
	OnWave(ev Wave)
	OnReconnected()
}

// View renders the room.
type View interface {
	OnParticipantsChanged(participants []Participant)
	OnLocalStreamReady(stream *media.Stream)
	OnNotification(kind string, payload any)
}

// CaptureProvider supplies local media.
type CaptureProvider interface {
	UserStream(ctx context.Context) (media.LocalStream, error)
	DisplayStream(ctx context.Context) (media.LocalStream, error)
}

// Notification kinds delivered to View.OnNotification.
const (
	NotifySpeakingState       = "speaking_state"
	NotifyWave                = "wave"
	NotifyScreenShareStarted  = "screen_share_started"
	NotifyScreenShareStopped  = "screen_share_stopped"
	NotifyScreenShareConflict = "screen_share_conflict"
	NotifyAcquisitionFailed   = "acquisition_failed"
)
