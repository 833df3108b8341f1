// Package media holds the stream types shared between the negotiator, the
// acquisition engine and the view, plus file-backed capture and recording.
package media

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is the common surface of local and remote media tracks.
// Both *webrtc.TrackLocalStaticSample and *webrtc.TrackRemote satisfy it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteTrack is an inbound track forwarded by the SFU.
type RemoteTrack interface {
	Track
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Stream groups the tracks of one participant into a single presentable
// unit. A Stream is immutable once built.
type Stream struct {
	id     string
	tracks []Track
}

// NewStream builds a stream from tracks. Duplicate track IDs are collapsed,
// keeping the first occurrence.
func NewStream(id string, tracks ...Track) *Stream {
	seen := make(map[string]struct{}, len(tracks))
	kept := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if _, dup := seen[t.ID()]; dup {
			continue
		}
		seen[t.ID()] = struct{}{}
		kept = append(kept, t)
	}
	return &Stream{id: id, tracks: kept}
}

// ID returns the stream identifier.
func (s *Stream) ID() string {
	return s.id
}

// Tracks returns a copy of the stream's tracks.
func (s *Stream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TrackIDs returns the identifiers of the stream's tracks in insertion order.
func (s *Stream) TrackIDs() []string {
	ids := make([]string, len(s.tracks))
	for i, t := range s.tracks {
		ids[i] = t.ID()
	}
	return ids
}

// Video returns the video tracks of the stream.
func (s *Stream) Video() []Track {
	return s.ofKind(webrtc.RTPCodecTypeVideo)
}

// Audio returns the audio tracks of the stream.
func (s *Stream) Audio() []Track {
	return s.ofKind(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) ofKind(kind webrtc.RTPCodecType) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Len reports how many tracks the stream carries.
func (s *Stream) Len() int {
	return len(s.tracks)
}

// LocalStream is a captured outbound stream: a camera/microphone pair or a
// display capture.
type LocalStream interface {
	// Preview returns the captured tracks as a presentable stream.
	Preview() *Stream
	// LocalTracks returns the tracks to attach as send-only.
	LocalTracks() []webrtc.TrackLocal
	// Ended is closed when the capture ends, either naturally or by Stop.
	Ended() <-chan struct{}
	// Stop ends the capture. It is safe to call more than once.
	Stop()
}
