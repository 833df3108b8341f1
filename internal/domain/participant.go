package domain

import (
	"slices"
	"strings"

	"meeting_room/native/internal/media"
)

// ParticipantKind discriminates primary participants from screen shares.
type ParticipantKind int

const (
	KindPrimary ParticipantKind = iota
	KindScreenShare
)

func (k ParticipantKind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindScreenShare:
		return "screen_share"
	default:
		return "unknown"
	}
}

// The meeting service knows screen shares only as a second session whose
// username carries this suffix.
const screenShareSuffix = "_screen"

// ParseWireName splits a username reported by the meeting service into the
// owning participant's name and the participant kind.
func ParseWireName(name string) (owner string, kind ParticipantKind) {
	if base, ok := strings.CutSuffix(name, screenShareSuffix); ok && base != "" {
		return base, KindScreenShare
	}
	return name, KindPrimary
}

// ScreenShareWireName is the username a screen-share session joins under.
func ScreenShareWireName(owner string) string {
	return owner + screenShareSuffix
}

// Connection is a negotiation session exclusively owned by one record.
type Connection interface {
	SessionID() SessionID
	Close() error
}

// Participant is one remote session known to this client.
type Participant struct {
	SessionID SessionID
	// Name is the username as reported by the meeting service.
	Name string
	Kind ParticipantKind
	// Owner is the primary participant's username; for primaries it equals Name.
	Owner string

	Stream  *media.Stream
	Pending TrackSet

	// Local is set for records this client owns, such as its own screen share.
	Local      bool
	Connection Connection
}

// NewParticipant builds a record from a session reported by the meeting service.
func NewParticipant(id SessionID, name string) Participant {
	owner, kind := ParseWireName(name)
	return Participant{SessionID: id, Name: name, Kind: kind, Owner: owner}
}

// DisplayName is the human-readable label of the record.
func (p Participant) DisplayName() string {
	if p.Kind == KindScreenShare {
		return p.Owner + "'s screen"
	}
	return p.Owner
}

// HasStream reports whether a media stream is bound.
func (p Participant) HasStream() bool {
	return p.Stream != nil
}

// Clone returns a copy that shares no mutable state with p.
func (p Participant) Clone() Participant {
	p.Pending = p.Pending.Clone()
	return p
}

// TrackSet is a set of track identifiers.
type TrackSet map[string]struct{}

// NewTrackSet builds a set from ids.
func NewTrackSet(ids ...string) TrackSet {
	s := make(TrackSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s TrackSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s TrackSet) Len() int { return len(s) }

// Clone copies the set; a nil set stays nil.
func (s TrackSet) Clone() TrackSet {
	if s == nil {
		return nil
	}
	out := make(TrackSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Sorted returns the identifiers in lexical order.
func (s TrackSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
