package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackSource supplies the outbound tracks of a session.
// media.LocalStream satisfies it.
type TrackSource interface {
	LocalTracks() []pion.TrackLocal
}

// Session is one peer connection to the SFU together with its negotiation
// state. A session that failed or closed is never reused.
type Session struct {
	id     domain.SessionID
	pc     PeerConnection
	source TrackSource

	mu        sync.Mutex
	state     State
	senders   []Sender
	listeners map[int]func()
	nextID    int
	sink      func(media.RemoteTrack)

	closeOnce sync.Once
}

func newSession(id domain.SessionID, pc PeerConnection, source TrackSource) *Session {
	s := &Session{
		id:        id,
		pc:        pc,
		source:    source,
		listeners: make(map[int]func()),
	}
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnSignalingStateChange(func(pion.SignalingState) { s.notify() })
	pc.OnTrack(s.handleTrack)
	return s
}

// SessionID returns the SFU session the connection belongs to.
func (s *Session) SessionID() domain.SessionID {
	return s.id
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Senders returns the outbound tracks attached to the session.
func (s *Session) Senders() []Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sender, len(s.senders))
	copy(out, s.senders)
	return out
}

// SetTrackSink routes inbound tracks to fn.
func (s *Session) SetTrackSink(fn func(media.RemoteTrack)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// StopSenders stops every outbound track without closing the connection.
func (s *Session) StopSenders() {
	for _, sender := range s.Senders() {
		if err := sender.Stop(); err != nil {
			log.Debug().Str("module", "webrtc").Str("track", sender.TrackID()).Err(err).Msg("stop sender")
		}
	}
}

// Close disposes of the connection. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.transition(StateClosed)
		err = s.pc.Close()
	})
	return err
}

func (s *Session) addSender(sender Sender) {
	s.mu.Lock()
	s.senders = append(s.senders, sender)
	s.mu.Unlock()
}

// transition moves the session forward. Negotiation states never move
// backwards and nothing leaves Closed.
func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	switch {
	case from == to, from == StateClosed:
		s.mu.Unlock()
		return
	case from == StateFailed && to != StateClosed:
		s.mu.Unlock()
		return
	case to < StateFailed && to < from:
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	log.Info().
		Str("module", "webrtc").
		Str("sid", string(s.id)).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("session state")
	s.notify()
}

func (s *Session) handleConnectionState(state pion.PeerConnectionState) {
	switch state {
	case pion.PeerConnectionStateConnected:
		s.transition(StateConnected)
	case pion.PeerConnectionStateFailed:
		s.transition(StateFailed)
		go s.Close()
	case pion.PeerConnectionStateClosed:
		s.transition(StateClosed)
	default:
		log.Debug().Str("module", "webrtc").Str("sid", string(s.id)).Str("state", state.String()).Msg("peer connection state")
		s.notify()
	}
}

func (s *Session) handleTrack(track media.RemoteTrack) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		log.Warn().Str("module", "webrtc").Str("track", track.ID()).Msg("no sink for inbound track")
		return
	}
	sink(track)
}

// subscribe registers fn for every state change until the returned
// function is called.
func (s *Session) subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Session) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// await blocks until check reports done or failure, re-evaluating on every
// state change. The listener is removed on every exit path.
func (s *Session) await(ctx context.Context, op string, timeout time.Duration, check func() (done bool, err error)) error {
	changed := make(chan struct{}, 1)
	unsubscribe := s.subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return &domain.TimeoutError{Op: op, After: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) terminal(op string) error {
	if st := s.State(); st == StateFailed || st == StateClosed {
		return &domain.NegotiationError{Op: op, Err: fmt.Errorf("session %s", st)}
	}
	return nil
}

// waitConnection waits until the connection is established.
func (s *Session) waitConnection(ctx context.Context, timeout time.Duration) error {
	return s.await(ctx, "connect", timeout, func() (bool, error) {
		if err := s.terminal("connect"); err != nil {
			return false, err
		}
		return s.State() == StateConnected, nil
	})
}

// waitStable waits until no offer/answer exchange is in progress.
func (s *Session) waitStable(ctx context.Context, timeout time.Duration) error {
	return s.await(ctx, "stable signaling", timeout, func() (bool, error) {
		if err := s.terminal("stable signaling"); err != nil {
			return false, err
		}
		return s.pc.SignalingState() == pion.SignalingStateStable, nil
	})
}

// broken reports whether the connection can no longer negotiate.
func (s *Session) broken() bool {
	if st := s.State(); st == StateFailed || st == StateClosed {
		return true
	}
	switch s.pc.ConnectionState() {
	case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
		return true
	}
	return false
}
