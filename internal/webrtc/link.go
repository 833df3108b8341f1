package webrtc

import (
	"context"
	"sync"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"

	"github.com/rs/zerolog/log"
)

// Link is the replaceable primary session. Inbound tracks keep flowing to
// the same sink when a renegotiation rebuilds the connection.
type Link struct {
	negotiator *Negotiator

	mu              sync.Mutex
	current         *Session
	sink            func(media.RemoteTrack)
	onReestablished func()
	closed          bool
}

// NewLink wraps an established session.
func NewLink(n *Negotiator, s *Session) *Link {
	return &Link{negotiator: n, current: s}
}

// Current returns the live session.
func (l *Link) Current() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// SessionID returns the SFU session of the link.
func (l *Link) SessionID() domain.SessionID {
	return l.Current().SessionID()
}

// OnTrack routes inbound tracks of the current and every later session to fn.
func (l *Link) OnTrack(fn func(media.RemoteTrack)) {
	l.mu.Lock()
	l.sink = fn
	s := l.current
	l.mu.Unlock()
	s.SetTrackSink(fn)
}

// OnReestablished registers fn to run after the connection was rebuilt.
func (l *Link) OnReestablished(fn func()) {
	l.mu.Lock()
	l.onReestablished = fn
	l.mu.Unlock()
}

// Renegotiate answers an SFU offer on the current session, swapping in the
// rebuilt session when the negotiator had to recreate it.
func (l *Link) Renegotiate(ctx context.Context, offer domain.SessionDescription) error {
	cur := l.Current()
	next, err := l.negotiator.Renegotiate(ctx, cur, offer)
	if next != nil && next != cur {
		l.replace(next)
	}
	return err
}

func (l *Link) replace(next *Session) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		next.Close()
		return
	}
	l.current = next
	sink := l.sink
	hook := l.onReestablished
	l.mu.Unlock()

	if sink != nil {
		next.SetTrackSink(sink)
	}
	log.Info().Str("module", "webrtc").Str("sid", string(next.SessionID())).Msg("primary session replaced")
	if hook != nil {
		hook()
	}
}

// Close closes the current session. Later replacements are closed on arrival.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	s := l.current
	l.mu.Unlock()
	return s.Close()
}
