// Package room coordinates joining a meeting: it reacts to signaling
// events by reconciling the participant registry and pulling media.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meeting_room/native/internal/acquire"
	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"
	"meeting_room/native/internal/registry"
	"meeting_room/native/internal/retry"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultJoinedDelay   = 2 * time.Second
	DefaultNotReadyDelay = 3 * time.Second
	defaultFanOut        = 4
)

// ErrNoScreenShare is returned when screen sharing was not configured.
var ErrNoScreenShare = errors.New("screen sharing is not configured")

// Primary is the local user's session to the SFU. *webrtc.Link satisfies it.
type Primary interface {
	acquire.Negotiation
	OnTrack(fn func(media.RemoteTrack))
	OnReestablished(fn func())
	Close() error
}

// ConnectFunc establishes the primary session pushing stream.
type ConnectFunc func(ctx context.Context, id domain.SessionID, stream media.LocalStream) (Primary, error)

// ScreenShare is the local screen share control. *screenshare.Manager
// satisfies it.
type ScreenShare interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Active() bool
}

// Config wires a Room.
type Config struct {
	RoomID   string
	Username string

	Registry  *registry.Registry
	Directory domain.Directory
	SFU       domain.SFU
	Capture   domain.CaptureProvider
	View      domain.View
	Connect   ConnectFunc
	// Screen is optional.
	Screen ScreenShare

	Acquire     acquire.Options
	OrphanGrace time.Duration
	// JoinedDelay gives a newly joined session time to publish.
	JoinedDelay time.Duration
	// NotReadyDelay spaces session lookups that found no session yet.
	NotReadyDelay time.Duration
	// NotReadyAttempts bounds those lookups.
	NotReadyAttempts int
}

// Room implements domain.Handler.
type Room struct {
	cfg      Config
	registry *registry.Registry

	mu       sync.Mutex
	signal   domain.Signaler
	localID  domain.SessionID
	stream   media.LocalStream
	primary  Primary
	engine   *acquire.Engine
	joined   bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	closeErr error
}

// New creates a Room. Call SetSignaler before Join to complete the
// circular dependency between the room and its event stream.
func New(cfg Config) *Room {
	if cfg.JoinedDelay == 0 {
		cfg.JoinedDelay = DefaultJoinedDelay
	}
	if cfg.NotReadyDelay == 0 {
		cfg.NotReadyDelay = DefaultNotReadyDelay
	}
	if cfg.NotReadyAttempts == 0 {
		cfg.NotReadyAttempts = retry.DefaultMaxAttempts
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = acquire.DefaultOrphanGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		cfg:      cfg,
		registry: cfg.Registry,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.registry.OnChange(func() {
		if cfg.View != nil {
			cfg.View.OnParticipantsChanged(r.registry.Snapshot())
		}
	})
	return r
}

// SetSignaler injects the event stream after construction.
func (r *Room) SetSignaler(s domain.Signaler) {
	r.mu.Lock()
	r.signal = s
	r.mu.Unlock()
}

// LocalSessionID returns the session allocated to the local user.
func (r *Room) LocalSessionID() domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localID
}

// Join enters the room. Any failure aborts and leaves what was joined.
func (r *Room) Join(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.joined || r.closed {
		r.mu.Unlock()
		return fmt.Errorf("join %s: %w", r.cfg.RoomID, domain.ErrClosed)
	}
	r.joined = true
	r.mu.Unlock()

	defer func() {
		if err != nil {
			r.abort()
		}
	}()

	joined, err := r.cfg.Directory.Join(ctx, r.cfg.RoomID, r.cfg.Username)
	if err != nil {
		return fmt.Errorf("join room %s: %w", r.cfg.RoomID, err)
	}
	localID := joined.SessionID
	r.registry.SetLocalSession(localID)
	r.mu.Lock()
	r.localID = localID
	r.mu.Unlock()
	log.Info().Str("module", "room").Str("room", r.cfg.RoomID).Str("sid", string(localID)).Msg("joined")

	stream, err := r.cfg.Capture.UserStream(ctx)
	if err != nil {
		return fmt.Errorf("open local media: %w", err)
	}
	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()

	primary, err := r.cfg.Connect(ctx, localID, stream)
	if err != nil {
		return fmt.Errorf("establish media session: %w", err)
	}
	router := acquire.NewRouter(r.registry, r.cfg.OrphanGrace)
	primary.OnTrack(router.HandleTrack)
	primary.OnReestablished(r.reacquireAll)
	engine := acquire.NewEngine(r.registry, r.cfg.SFU, primary, router, r.cfg.Acquire)

	r.mu.Lock()
	r.primary = primary
	r.engine = engine
	signaler := r.signal
	r.mu.Unlock()

	if r.cfg.View != nil {
		r.cfg.View.OnLocalStreamReady(stream.Preview())
	}

	if err := r.cfg.Directory.NotifyTracksReady(ctx, r.cfg.RoomID, localID, r.cfg.Username); err != nil {
		return fmt.Errorf("announce tracks: %w", err)
	}

	if signaler == nil {
		return fmt.Errorf("connect signaling: %w", domain.ErrNotConnected)
	}
	if err := signaler.Connect(ctx); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}

	meeting, err := r.cfg.Directory.Info(ctx, r.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("room info: %w", err)
	}
	r.registry.ApplySnapshot(meeting.Sessions)

	// A room_state pushed on connect may already have added these sessions,
	// so every listed participant is pulled, not only the new ones.
	p := pool.New().WithMaxGoroutines(defaultFanOut)
	seen := make(map[domain.SessionID]struct{}, len(meeting.Sessions))
	for _, s := range meeting.Sessions {
		id := s.SessionID
		if _, dup := seen[id]; dup || r.isOwn(id, s.Username) {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.registry.Get(id); !ok {
			continue
		}
		p.Go(func() { r.pull(ctx, id) })
	}
	p.Wait()

	log.Info().Str("module", "room").Int("participants", r.registry.Len()).Msg("room ready")
	return nil
}

// abort releases whatever a failed Join managed to set up.
func (r *Room) abort() {
	r.mu.Lock()
	localID, stream, primary := r.localID, r.stream, r.primary
	r.mu.Unlock()

	if primary != nil {
		primary.Close()
	}
	if stream != nil {
		stream.Stop()
	}
	if localID != "" {
		if err := r.cfg.Directory.Leave(context.Background(), r.cfg.RoomID, localID); err != nil {
			log.Warn().Str("module", "room").Err(err).Msg("leave after failed join")
		}
	}
}

// isOwn reports whether a session or username belongs to this client.
func (r *Room) isOwn(id domain.SessionID, name string) bool {
	if id != "" && (id == r.LocalSessionID() || r.registry.IsLocal(id)) {
		return true
	}
	return name == r.cfg.Username || name == domain.ScreenShareWireName(r.cfg.Username)
}

func (r *Room) acquirer() *acquire.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine
}

// background runs fn on the room's wait group unless the room is closing.
func (r *Room) background(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Go(func() { fn(r.ctx) })
}

// pull fetches the published tracks of id and acquires them.
func (r *Room) pull(ctx context.Context, id domain.SessionID, opts ...acquire.Option) {
	engine := r.acquirer()
	if engine == nil {
		return
	}

	policy := retry.Policy{
		MaxAttempts: r.cfg.NotReadyAttempts,
		BaseDelay:   r.cfg.NotReadyDelay,
		MaxDelay:    r.cfg.NotReadyDelay,
		Retryable:   func(err error) bool { return errors.Is(err, domain.ErrSessionNotReady) },
	}
	tracks, err := retry.Do(ctx, policy, "session tracks "+string(id), func(ctx context.Context) ([]domain.TrackRef, error) {
		return engine.SessionTracks(ctx, id)
	})
	if err != nil {
		r.failed(id, err)
		return
	}
	if len(tracks) == 0 {
		log.Debug().Str("module", "room").Str("sid", string(id)).Msg("no active tracks yet")
		return
	}
	if err := engine.Acquire(ctx, id, tracks, opts...); err != nil {
		r.failed(id, err)
	}
}

func (r *Room) failed(id domain.SessionID, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	name := string(id)
	if p, ok := r.registry.Get(id); ok {
		name = p.DisplayName()
	}
	log.Error().Str("module", "room").Str("sid", string(id)).Str("name", name).Err(err).Msg("track acquisition failed")
	if r.cfg.View != nil {
		r.cfg.View.OnNotification(domain.NotifyAcquisitionFailed, name)
	}
}

// reacquireAll runs after the primary connection was rebuilt, which drops
// every pulled track.
func (r *Room) reacquireAll() {
	for p := range r.registry.All() {
		if p.Local {
			continue
		}
		r.registry.ClearStream(p.SessionID)
		id := p.SessionID
		r.background(func(ctx context.Context) { r.pull(ctx, id) })
	}
}

func dispose(p domain.Participant) {
	if p.Connection == nil {
		return
	}
	if err := p.Connection.Close(); err != nil {
		log.Debug().Str("module", "room").Str("sid", string(p.SessionID)).Err(err).Msg("close connection")
	}
}

func (r *Room) OnRoomState(state domain.RoomState) {
	change := r.registry.ApplySnapshot(state.Sessions)
	for _, p := range change.Removed {
		dispose(p)
	}
}

func (r *Room) OnParticipantJoined(ev domain.ParticipantEvent) {
	if r.isOwn(ev.SessionID, ev.Username) {
		return
	}
	if !r.registry.Upsert(ev.SessionID, ev.Username, nil) {
		return
	}
	log.Info().Str("module", "room").Str("sid", string(ev.SessionID)).Str("name", ev.Username).Msg("participant joined")

	id := ev.SessionID
	r.background(func(ctx context.Context) {
		select {
		case <-time.After(r.cfg.JoinedDelay):
		case <-ctx.Done():
			return
		}
		r.pull(ctx, id)
	})
}

func (r *Room) OnParticipantLeft(ev domain.ParticipantEvent) {
	if ev.SessionID != "" && ev.SessionID == r.LocalSessionID() {
		return
	}

	var (
		removed domain.Participant
		ok      bool
	)
	if ev.SessionID != "" && !r.registry.IsLocal(ev.SessionID) {
		removed, ok = r.registry.Remove(ev.SessionID)
	}
	if !ok && ev.Username != "" {
		if p, found := r.registry.FindByName(ev.Username); found && !p.Local {
			removed, ok = r.registry.Remove(p.SessionID)
		}
	}

	owner, kind := domain.ParseWireName(ev.Username)
	if ok {
		dispose(removed)
		owner, kind = removed.Owner, removed.Kind
	}
	if kind != domain.KindPrimary || owner == "" {
		return
	}
	if sibling, found := r.registry.ScreenShareOf(owner); found && !sibling.Local {
		if p, gone := r.registry.Remove(sibling.SessionID); gone {
			dispose(p)
		}
	}
}

func (r *Room) OnTracksReady(ev domain.ParticipantEvent) {
	if ev.SessionID == "" || r.isOwn(ev.SessionID, ev.Username) {
		return
	}

	id := ev.SessionID
	if p, ok := r.registry.Get(id); ok && p.Kind == domain.KindScreenShare {
		// Screen-share track identities change without a rejoin.
		r.registry.ClearStream(id)
		r.background(func(ctx context.Context) { r.pull(ctx, id, acquire.Force()) })
		return
	}

	if !r.registry.Upsert(id, ev.Username, nil) {
		return
	}
	r.background(func(ctx context.Context) { r.pull(ctx, id) })
}

func (r *Room) OnSpeakingState(ev domain.SpeakingState) {
	if r.cfg.View != nil {
		r.cfg.View.OnNotification(domain.NotifySpeakingState, ev)
	}
}

func (r *Room) OnWave(ev domain.Wave) {
	if ev.Username == r.cfg.Username {
		return
	}
	if r.cfg.View != nil {
		r.cfg.View.OnNotification(domain.NotifyWave, ev)
	}
}

func (r *Room) OnReconnected() {
	log.Info().Str("module", "room").Msg("signaling reconnected, awaiting room state")
}

func (r *Room) signaler() (domain.Signaler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signal == nil {
		return nil, domain.ErrNotConnected
	}
	return r.signal, nil
}

// Wave waves at the room.
func (r *Room) Wave() error {
	s, err := r.signaler()
	if err != nil {
		return err
	}
	return s.SendWave()
}

// SetSpeaking publishes the local voice activity.
func (r *Room) SetSpeaking(speaking bool) error {
	s, err := r.signaler()
	if err != nil {
		return err
	}
	return s.SendSpeakingState(speaking)
}

// SendParticipantLeft announces the departure of a session this client
// owns. It lets the room serve as the screen share's announcer.
func (r *Room) SendParticipantLeft(id domain.SessionID, username string) error {
	s, err := r.signaler()
	if err != nil {
		return err
	}
	return s.SendParticipantLeft(id, username)
}

// StartScreenShare shares the display as a second participant.
func (r *Room) StartScreenShare(ctx context.Context) error {
	if r.cfg.Screen == nil {
		return ErrNoScreenShare
	}
	return r.cfg.Screen.Start(ctx)
}

// StopScreenShare ends the local screen share.
func (r *Room) StopScreenShare(ctx context.Context) error {
	if r.cfg.Screen == nil {
		return ErrNoScreenShare
	}
	return r.cfg.Screen.Stop(ctx)
}

// Close leaves the room and waits for background work. It is idempotent.
func (r *Room) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.closeErr
	}
	r.closed = true
	localID, stream, primary, signaler := r.localID, r.stream, r.primary, r.signal
	r.mu.Unlock()

	var errs []error
	if r.cfg.Screen != nil && r.cfg.Screen.Active() {
		if err := r.cfg.Screen.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop screen share: %w", err))
		}
	}
	if localID != "" {
		if err := r.cfg.Directory.Leave(ctx, r.cfg.RoomID, localID); err != nil {
			errs = append(errs, fmt.Errorf("leave room: %w", err))
		}
	}
	if signaler != nil {
		signaler.Close()
	}
	r.cancel()
	if primary != nil {
		if err := primary.Close(); err != nil {
			log.Debug().Str("module", "room").Err(err).Msg("close primary session")
		}
	}
	for _, p := range r.registry.Snapshot() {
		if removed, ok := r.registry.Remove(p.SessionID); ok {
			dispose(removed)
		}
	}
	if stream != nil {
		stream.Stop()
	}

	r.wg.Wait()
	log.Info().Str("module", "room").Str("room", r.cfg.RoomID).Msg("left")

	err := errors.Join(errs...)
	r.mu.Lock()
	r.closeErr = err
	r.mu.Unlock()
	return err
}
