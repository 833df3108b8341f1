package room

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"meeting_room/native/internal/acquire"
	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"
	"meeting_room/native/internal/registry"
	"meeting_room/native/internal/retry"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// calls is a shared, ordered log of collaborator calls.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	c.log = append(c.log, s)
	c.mu.Unlock()
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *calls) count(s string) int {
	n := 0
	for _, v := range c.all() {
		if v == s {
			n++
		}
	}
	return n
}

type remoteTrack struct{ id string }

func (t *remoteTrack) ID() string                       { return t.id }
func (t *remoteTrack) StreamID() string                 { return "remote" }
func (t *remoteTrack) Kind() webrtc.RTPCodecType        { return webrtc.RTPCodecTypeVideo }
func (t *remoteTrack) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (t *remoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errors.New("no media")
}

type mockStream struct {
	once    sync.Once
	ended   chan struct{}
	stopped bool
}

func newMockStream() *mockStream { return &mockStream{ended: make(chan struct{})} }

func (s *mockStream) Preview() *media.Stream            { return media.NewStream("local") }
func (s *mockStream) LocalTracks() []webrtc.TrackLocal { return nil }
func (s *mockStream) Ended() <-chan struct{}            { return s.ended }
func (s *mockStream) Stop() {
	s.once.Do(func() {
		s.stopped = true
		close(s.ended)
	})
}

type mockCapture struct{ stream *mockStream }

func (c *mockCapture) UserStream(context.Context) (media.LocalStream, error) { return c.stream, nil }
func (c *mockCapture) DisplayStream(context.Context) (media.LocalStream, error) {
	return nil, errors.New("no display")
}

type mockDirectory struct {
	calls    *calls
	sessions []domain.SessionInfo
}

func (d *mockDirectory) Join(_ context.Context, _, username string) (domain.JoinResult, error) {
	d.calls.add("join " + username)
	return domain.JoinResult{SessionID: "B", RoomID: "room"}, nil
}

func (d *mockDirectory) Info(context.Context, string) (*domain.Meeting, error) {
	d.calls.add("info")
	return &domain.Meeting{RoomID: "room", Sessions: d.sessions}, nil
}

func (d *mockDirectory) NotifyTracksReady(_ context.Context, _ string, id domain.SessionID, _ string) error {
	d.calls.add("notify " + string(id))
	return nil
}

func (d *mockDirectory) Leave(_ context.Context, _ string, id domain.SessionID) error {
	d.calls.add("leave " + string(id))
	return nil
}

func (d *mockDirectory) Credentials(context.Context) (domain.Credentials, error) {
	return domain.Credentials{}, nil
}

// mockSFU publishes tracks per session and delivers pulled tracks through
// the primary's sink.
type mockSFU struct {
	calls   *calls
	primary *mockPrimary

	mu       sync.Mutex
	tracks   map[domain.SessionID][]string
	notReady map[domain.SessionID]int
}

func (s *mockSFU) publish(id domain.SessionID, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[id] = names
}

func (s *mockSFU) NewTracks(_ context.Context, _ domain.SessionID, req domain.TracksRequest) (*domain.TracksResponse, error) {
	s.calls.add("pull " + string(req.Tracks[0].SessionID))
	go func() {
		for _, ref := range req.Tracks {
			s.primary.deliver(&remoteTrack{id: ref.TrackName})
		}
	}()
	return &domain.TracksResponse{}, nil
}

func (s *mockSFU) Renegotiate(context.Context, domain.SessionID, domain.SessionDescription) error {
	return nil
}

func (s *mockSFU) Session(_ context.Context, id domain.SessionID) (*domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notReady[id] > 0 {
		s.notReady[id]--
		return nil, domain.ErrSessionNotReady
	}
	state := &domain.SessionState{}
	for _, name := range s.tracks[id] {
		state.Tracks = append(state.Tracks, domain.TrackStatus{
			TrackRef: domain.TrackRef{Location: domain.LocationLocal, TrackName: name},
			Status:   domain.TrackStatusActive,
		})
	}
	return state, nil
}

type mockPrimary struct {
	calls *calls

	mu            sync.Mutex
	sink          func(media.RemoteTrack)
	reestablished func()
}

func (p *mockPrimary) SessionID() domain.SessionID { return "B" }
func (p *mockPrimary) Renegotiate(context.Context, domain.SessionDescription) error {
	return nil
}
func (p *mockPrimary) OnTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	p.sink = fn
	p.mu.Unlock()
}
func (p *mockPrimary) OnReestablished(fn func()) {
	p.mu.Lock()
	p.reestablished = fn
	p.mu.Unlock()
}
func (p *mockPrimary) Close() error {
	p.calls.add("close primary")
	return nil
}

func (p *mockPrimary) deliver(t media.RemoteTrack) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	sink(t)
}

type mockSignaler struct {
	calls *calls
	// onConnect runs inside Connect, like a server pushing room_state at once.
	onConnect func()
}

func (s *mockSignaler) Connect(context.Context) error {
	s.calls.add("signal connect")
	if s.onConnect != nil {
		s.onConnect()
	}
	return nil
}
func (s *mockSignaler) SendWave() error {
	s.calls.add("send wave")
	return nil
}
func (s *mockSignaler) SendSpeakingState(bool) error {
	s.calls.add("send speaking")
	return nil
}
func (s *mockSignaler) SendParticipantLeft(id domain.SessionID, username string) error {
	s.calls.add("send left " + string(id) + " " + username)
	return nil
}
func (s *mockSignaler) Close() { s.calls.add("signal close") }

type mockView struct {
	mu            sync.Mutex
	local         *media.Stream
	notifications []string
	changes       int
}

func (v *mockView) OnParticipantsChanged([]domain.Participant) {
	v.mu.Lock()
	v.changes++
	v.mu.Unlock()
}
func (v *mockView) OnLocalStreamReady(s *media.Stream) {
	v.mu.Lock()
	v.local = s
	v.mu.Unlock()
}
func (v *mockView) OnNotification(kind string, _ any) {
	v.mu.Lock()
	v.notifications = append(v.notifications, kind)
	v.mu.Unlock()
}

func (v *mockView) kinds() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.notifications...)
}

type fixture struct {
	calls     *calls
	reg       *registry.Registry
	directory *mockDirectory
	sfu       *mockSFU
	primary   *mockPrimary
	signaler  *mockSignaler
	stream    *mockStream
	view      *mockView
	room      *Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &calls{}
	primary := &mockPrimary{calls: c}
	f := &fixture{
		calls:     c,
		reg:       registry.New("bob"),
		directory: &mockDirectory{calls: c},
		sfu: &mockSFU{
			calls:    c,
			primary:  primary,
			tracks:   make(map[domain.SessionID][]string),
			notReady: make(map[domain.SessionID]int),
		},
		primary:  primary,
		signaler: &mockSignaler{calls: c},
		stream:   newMockStream(),
		view:     &mockView{},
	}
	f.room = New(Config{
		RoomID:    "room",
		Username:  "bob",
		Registry:  f.reg,
		Directory: f.directory,
		SFU:       f.sfu,
		Capture:   &mockCapture{stream: f.stream},
		View:      f.view,
		Connect: func(_ context.Context, id domain.SessionID, _ media.LocalStream) (Primary, error) {
			c.add("connect " + string(id))
			return primary, nil
		},
		Acquire: acquire.Options{
			Policy:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			ReceiveTimeout: time.Second,
		},
		JoinedDelay:   time.Millisecond,
		NotReadyDelay: time.Millisecond,
	})
	f.room.SetSignaler(f.signaler)
	t.Cleanup(func() { f.room.Close(context.Background()) })
	return f
}

func (f *fixture) join(t *testing.T) {
	t.Helper()
	if err := f.room.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) hasStream(id domain.SessionID) func() bool {
	return func() bool {
		p, ok := f.reg.Get(id)
		return ok && p.HasStream()
	}
}

func TestJoin_RunsInitializationInOrder(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	want := []string{"join bob", "connect B", "notify B", "signal connect", "info"}
	if got := f.calls.all(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.view.local == nil {
		t.Error("expected the local stream handed to the view")
	}
	if f.room.LocalSessionID() != "B" {
		t.Errorf("expected local session B, got %s", f.room.LocalSessionID())
	}
}

func TestJoin_PullsExistingParticipants(t *testing.T) {
	f := newFixture(t)
	f.directory.sessions = []domain.SessionInfo{
		{SessionID: "A", Username: "alice"},
		{SessionID: "B", Username: "bob"},
		{SessionID: "C", Username: "carol"},
	}
	f.sfu.publish("A", "a-audio", "a-video")

	f.join(t)

	if f.reg.Len() != 2 {
		t.Fatalf("expected alice and carol, got %d records", f.reg.Len())
	}
	p, _ := f.reg.Get("A")
	if !p.HasStream() || p.Stream.Len() != 2 {
		t.Errorf("expected alice's stream bound by the end of join, got %+v", p.Stream)
	}
	if f.calls.count("pull C") != 0 {
		t.Error("expected no pull for a participant without tracks")
	}
}

func TestJoin_PullsParticipantsAlreadySeenOnConnect(t *testing.T) {
	f := newFixture(t)
	f.directory.sessions = []domain.SessionInfo{
		{SessionID: "A", Username: "alice"},
		{SessionID: "B", Username: "bob"},
	}
	f.sfu.publish("A", "a-audio", "a-video")
	f.signaler.onConnect = func() {
		f.room.OnRoomState(domain.RoomState{Sessions: f.directory.sessions})
	}

	f.join(t)

	if f.calls.count("pull A") != 1 {
		t.Errorf("expected alice pulled once, got %v", f.calls.all())
	}
	p, ok := f.reg.Get("A")
	if !ok || !p.HasStream() || p.Stream.Len() != 2 {
		t.Errorf("expected alice's stream bound by the end of join, got %+v", p)
	}
	if f.calls.count("pull B") != 0 {
		t.Error("expected no pull of the local session")
	}
}

func TestJoin_FailureLeavesRoom(t *testing.T) {
	f := newFixture(t)
	f.room.cfg.Connect = func(context.Context, domain.SessionID, media.LocalStream) (Primary, error) {
		return nil, errors.New("sfu unreachable")
	}

	if err := f.room.Join(context.Background()); err == nil {
		t.Fatal("expected join to fail")
	}
	if f.calls.count("leave B") != 1 {
		t.Errorf("expected the session left, got %v", f.calls.all())
	}
	if !f.stream.stopped {
		t.Error("expected the local capture stopped")
	}
	if f.calls.count("signal connect") != 0 {
		t.Error("expected signaling untouched")
	}
}

func TestRoomState_AddsWithoutPulling(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.sfu.publish("A", "a-video")

	f.room.OnRoomState(domain.RoomState{Sessions: []domain.SessionInfo{{SessionID: "A", Username: "alice"}}})

	if f.reg.Len() != 1 {
		t.Fatalf("expected one record, got %d", f.reg.Len())
	}
	p, _ := f.reg.Get("A")
	if p.DisplayName() != "alice" {
		t.Errorf("unexpected record %+v", p)
	}
	time.Sleep(20 * time.Millisecond)
	if n := f.calls.count("pull A"); n != 0 {
		t.Fatalf("expected no pull before tracks_ready, got %d", n)
	}

	f.room.OnTracksReady(domain.ParticipantEvent{SessionID: "A", Username: "alice"})

	waitFor(t, "alice's stream", f.hasStream("A"))
	if n := f.calls.count("pull A"); n != 1 {
		t.Errorf("expected one pull, got %d", n)
	}
}

func TestRoomState_RemovesAbsent(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.room.OnRoomState(domain.RoomState{Sessions: []domain.SessionInfo{
		{SessionID: "A", Username: "alice"},
		{SessionID: "C", Username: "carol"},
	}})

	f.room.OnRoomState(domain.RoomState{Sessions: []domain.SessionInfo{{SessionID: "C", Username: "carol"}}})

	if _, ok := f.reg.Get("A"); ok {
		t.Error("expected alice removed")
	}
	if f.reg.Len() != 1 {
		t.Errorf("expected one record, got %d", f.reg.Len())
	}
}

func TestParticipantJoined_PullsAfterDelay(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.sfu.publish("A", "a-video")
	f.sfu.notReady["A"] = 1

	f.room.OnParticipantJoined(domain.ParticipantEvent{SessionID: "A", Username: "alice"})
	f.room.OnParticipantJoined(domain.ParticipantEvent{SessionID: "B", Username: "bob"})

	waitFor(t, "alice's stream", f.hasStream("A"))
	if f.reg.Len() != 1 {
		t.Errorf("expected the local user ignored, got %d records", f.reg.Len())
	}
}

func TestParticipantLeft_ByNameRemovesSibling(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.room.OnRoomState(domain.RoomState{Sessions: []domain.SessionInfo{
		{SessionID: "A", Username: "alice"},
		{SessionID: "AS", Username: "alice_screen"},
		{SessionID: "C", Username: "carol"},
	}})

	f.room.OnParticipantLeft(domain.ParticipantEvent{Username: "alice"})

	if _, ok := f.reg.Get("A"); ok {
		t.Error("expected alice removed")
	}
	if _, ok := f.reg.Get("AS"); ok {
		t.Error("expected alice's screen removed")
	}
	if _, ok := f.reg.Get("C"); !ok {
		t.Error("expected carol kept")
	}
}

func TestParticipantLeft_ScreenShareKeepsOwner(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.room.OnRoomState(domain.RoomState{Sessions: []domain.SessionInfo{
		{SessionID: "A", Username: "alice"},
		{SessionID: "AS", Username: "alice_screen"},
	}})

	f.room.OnParticipantLeft(domain.ParticipantEvent{SessionID: "AS", Username: "alice_screen"})

	if _, ok := f.reg.Get("AS"); ok {
		t.Error("expected alice's screen removed")
	}
	if _, ok := f.reg.Get("A"); !ok {
		t.Error("expected alice kept")
	}
}

func TestTracksReady_ForcesScreenShareRefresh(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.room.OnRoomState(domain.RoomState{Sessions: []domain.SessionInfo{{SessionID: "AS", Username: "alice_screen"}}})
	f.sfu.publish("AS", "screen-1")

	f.room.OnTracksReady(domain.ParticipantEvent{SessionID: "AS", Username: "alice_screen"})
	waitFor(t, "first screen stream", f.hasStream("AS"))

	f.sfu.publish("AS", "screen-2")
	f.room.OnTracksReady(domain.ParticipantEvent{SessionID: "AS", Username: "alice_screen"})

	waitFor(t, "refreshed screen stream", func() bool {
		p, ok := f.reg.Get("AS")
		return ok && p.HasStream() && p.Stream.TrackIDs()[0] == "screen-2"
	})
	if n := f.calls.count("pull AS"); n != 2 {
		t.Errorf("expected two pulls, got %d", n)
	}
}

func TestTracksReady_IgnoresOwnSessions(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	f.room.OnTracksReady(domain.ParticipantEvent{SessionID: "B", Username: "bob"})
	f.room.OnTracksReady(domain.ParticipantEvent{SessionID: "S", Username: "bob_screen"})

	if f.reg.Len() != 0 {
		t.Errorf("expected no records, got %d", f.reg.Len())
	}
}

func TestReestablished_ReacquiresEveryone(t *testing.T) {
	f := newFixture(t)
	f.directory.sessions = []domain.SessionInfo{{SessionID: "A", Username: "alice"}}
	f.sfu.publish("A", "a-video")
	f.join(t)

	f.primary.reestablished()

	waitFor(t, "second pull", func() bool { return f.calls.count("pull A") == 2 })
	waitFor(t, "alice's stream", f.hasStream("A"))
}

func TestWaveAndSpeaking(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	f.room.OnWave(domain.Wave{Username: "bob"})
	f.room.OnWave(domain.Wave{Username: "alice"})
	f.room.OnSpeakingState(domain.SpeakingState{Username: "alice", IsSpeaking: true})

	want := []string{domain.NotifyWave, domain.NotifySpeakingState}
	if got := f.view.kinds(); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if err := f.room.Wave(); err != nil {
		t.Fatalf("wave: %v", err)
	}
	if err := f.room.SetSpeaking(true); err != nil {
		t.Fatalf("speaking: %v", err)
	}
	if f.calls.count("send wave") != 1 || f.calls.count("send speaking") != 1 {
		t.Errorf("unexpected calls %v", f.calls.all())
	}
}

func TestSendParticipantLeft_UsesSignaler(t *testing.T) {
	f := newFixture(t)

	if err := f.room.SendParticipantLeft("S", "bob_screen"); err != nil {
		t.Fatalf("send left: %v", err)
	}
	if f.calls.count("send left S bob_screen") != 1 {
		t.Errorf("unexpected calls %v", f.calls.all())
	}
}

func TestScreenShareNotConfigured(t *testing.T) {
	f := newFixture(t)
	if err := f.room.StartScreenShare(context.Background()); !errors.Is(err, ErrNoScreenShare) {
		t.Fatalf("expected ErrNoScreenShare, got %v", err)
	}
}

func TestClose_LeavesAndDisposes(t *testing.T) {
	f := newFixture(t)
	f.directory.sessions = []domain.SessionInfo{{SessionID: "A", Username: "alice"}}
	f.join(t)

	if err := f.room.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.room.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}

	for _, want := range []string{"leave B", "signal close", "close primary"} {
		if f.calls.count(want) != 1 {
			t.Errorf("expected %q once, got %v", want, f.calls.all())
		}
	}
	if f.reg.Len() != 0 {
		t.Errorf("expected every record disposed, got %d", f.reg.Len())
	}
	if !f.stream.stopped {
		t.Error("expected the local capture stopped")
	}

	f.room.OnParticipantJoined(domain.ParticipantEvent{SessionID: "D", Username: "dave"})
	time.Sleep(10 * time.Millisecond)
	if f.calls.count("pull D") != 0 {
		t.Error("expected no background work after close")
	}
}
