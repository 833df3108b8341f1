// Package screenshare runs the local screen share as a second participant
// with its own meeting session and its own SFU connection.
package screenshare

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"
	"meeting_room/native/internal/registry"

	"github.com/rs/zerolog/log"
)

// ErrShareInProgress is returned when a screen share is already active in
// the room.
var ErrShareInProgress = errors.New("a screen share is already in progress")

// Session is the dedicated connection carrying the display track.
type Session interface {
	domain.Connection
	StopSenders()
}

// EstablishFunc pushes the display stream on a fresh connection for id.
type EstablishFunc func(ctx context.Context, id domain.SessionID, stream media.LocalStream) (Session, error)

// Announcer tells the room a session left.
type Announcer interface {
	SendParticipantLeft(id domain.SessionID, username string) error
}

// Config wires a Manager.
type Config struct {
	RoomID    string
	Username  string
	Registry  *registry.Registry
	Directory domain.Directory
	Capture   domain.CaptureProvider
	Establish EstablishFunc
	Announcer Announcer
	View      domain.View
}

type share struct {
	id      domain.SessionID
	name    string
	stream  media.LocalStream
	session Session
	done    chan struct{}
}

// Manager owns at most one local screen share.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	active   *share
	starting bool
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Active reports whether the local screen share is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Start shares the display. It is refused with ErrShareInProgress while
// any screen share, local or remote, is in the room.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.active != nil || m.starting {
		m.mu.Unlock()
		return m.conflict(m.cfg.Username)
	}
	if p, ok := m.cfg.Registry.ActiveScreenShare(); ok {
		m.mu.Unlock()
		return m.conflict(p.Owner)
	}
	m.starting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	sh, err := m.open(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.active = sh
	m.mu.Unlock()

	log.Info().Str("module", "screenshare").Str("sid", string(sh.id)).Msg("screen share started")
	m.notify(domain.NotifyScreenShareStarted, domain.NewParticipant(sh.id, sh.name).DisplayName())

	go m.watch(sh)
	return nil
}

func (m *Manager) conflict(owner string) error {
	log.Warn().Str("module", "screenshare").Str("owner", owner).Msg("screen share refused")
	m.notify(domain.NotifyScreenShareConflict, owner)
	return ErrShareInProgress
}

// open joins the screen session and pushes the display. Every step is
// undone when a later one fails.
func (m *Manager) open(ctx context.Context) (sh *share, err error) {
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	stream, err := m.cfg.Capture.DisplayStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("display capture: %w", err)
	}
	undo = append(undo, stream.Stop)

	name := domain.ScreenShareWireName(m.cfg.Username)
	joined, err := m.cfg.Directory.Join(ctx, m.cfg.RoomID, name)
	if err != nil {
		return nil, fmt.Errorf("join screen session: %w", err)
	}
	id := joined.SessionID
	undo = append(undo, func() {
		if err := m.cfg.Directory.Leave(context.Background(), m.cfg.RoomID, id); err != nil {
			log.Warn().Str("module", "screenshare").Str("sid", string(id)).Err(err).Msg("leave after failed start")
		}
	})

	session, err := m.cfg.Establish(ctx, id, stream)
	if err != nil {
		return nil, fmt.Errorf("establish screen session: %w", err)
	}
	undo = append(undo, func() { session.Close() })

	stored := m.cfg.Registry.Upsert(id, name, func(p *domain.Participant) {
		p.Local = true
		p.Connection = session
		p.Stream = stream.Preview()
	})
	if !stored {
		return nil, fmt.Errorf("register screen session %s: refused", id)
	}
	undo = append(undo, func() { m.cfg.Registry.Remove(id) })

	if err := m.cfg.Directory.NotifyTracksReady(ctx, m.cfg.RoomID, id, name); err != nil {
		return nil, fmt.Errorf("announce screen tracks: %w", err)
	}

	return &share{id: id, name: name, stream: stream, session: session, done: make(chan struct{})}, nil
}

// watch stops the share when the capture ends on its own.
func (m *Manager) watch(sh *share) {
	select {
	case <-sh.stream.Ended():
		log.Info().Str("module", "screenshare").Str("sid", string(sh.id)).Msg("display capture ended")
		m.mu.Lock()
		current := m.active == sh
		if current {
			m.active = nil
		}
		m.mu.Unlock()
		if current {
			if err := m.teardown(context.Background(), sh); err != nil {
				log.Error().Str("module", "screenshare").Err(err).Msg("stop after capture end")
			}
		}
	case <-sh.done:
	}
}

// Stop ends the local screen share. Stopping when nothing is shared is a
// no-op.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sh := m.active
	m.active = nil
	m.mu.Unlock()

	if sh == nil {
		return nil
	}
	return m.teardown(ctx, sh)
}

func (m *Manager) teardown(ctx context.Context, sh *share) error {
	close(sh.done)

	sh.session.StopSenders()
	if err := sh.session.Close(); err != nil {
		log.Debug().Str("module", "screenshare").Err(err).Msg("close screen session")
	}
	sh.stream.Stop()

	if err := m.cfg.Announcer.SendParticipantLeft(sh.id, sh.name); err != nil {
		log.Warn().Str("module", "screenshare").Str("sid", string(sh.id)).Err(err).Msg("announce departure")
	}
	leaveErr := m.cfg.Directory.Leave(ctx, m.cfg.RoomID, sh.id)

	m.cfg.Registry.Remove(sh.id)
	log.Info().Str("module", "screenshare").Str("sid", string(sh.id)).Msg("screen share stopped")
	m.notify(domain.NotifyScreenShareStopped, domain.NewParticipant(sh.id, sh.name).DisplayName())

	if leaveErr != nil {
		return fmt.Errorf("leave screen session: %w", leaveErr)
	}
	return nil
}

func (m *Manager) notify(kind string, payload any) {
	if m.cfg.View != nil {
		m.cfg.View.OnNotification(kind, payload)
	}
}
