package webrtc

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

type fakeSender struct {
	mid     string
	trackID string
	stopped bool
}

func (s *fakeSender) Mid() string     { return s.mid }
func (s *fakeSender) TrackID() string { return s.trackID }
func (s *fakeSender) Stop() error {
	s.stopped = true
	return nil
}

// fakePC scripts a peer connection. With connectOnAnswer set, applying a
// remote answer reports the connection as connected.
type fakePC struct {
	mu        sync.Mutex
	senders   []*fakeSender
	recvOnly  []pion.RTPCodecType
	local     *pion.SessionDescription
	remotes   []pion.SessionDescription
	conn      pion.PeerConnectionState
	signaling pion.SignalingState
	onConn    func(pion.PeerConnectionState)
	onSignal  func(pion.SignalingState)
	onTrack   func(media.RemoteTrack)
	closed    bool

	connectOnAnswer bool
	setRemoteErr    error
	gathered        chan struct{}
}

func newFakePC() *fakePC {
	gathered := make(chan struct{})
	close(gathered)
	return &fakePC{
		conn:            pion.PeerConnectionStateNew,
		signaling:       pion.SignalingStateStable,
		connectOnAnswer: true,
		gathered:        gathered,
	}
}

func (f *fakePC) AddSendTrack(track pion.TrackLocal) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{mid: strconv.Itoa(len(f.senders)), trackID: track.ID()}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakePC) AddRecvOnly(kind pion.RTPCodecType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvOnly = append(f.recvOnly, kind)
	return nil
}

func (f *fakePC) CreateOffer() (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (f *fakePC) CreateAnswer() (pion.SessionDescription, error) {
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc pion.SessionDescription) error {
	f.mu.Lock()
	f.local = &desc
	f.mu.Unlock()
	if desc.Type == pion.SDPTypeOffer {
		f.setSignaling(pion.SignalingStateHaveLocalOffer)
	} else {
		f.setSignaling(pion.SignalingStateStable)
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(desc pion.SessionDescription) error {
	f.mu.Lock()
	if f.setRemoteErr != nil {
		err := f.setRemoteErr
		f.mu.Unlock()
		return err
	}
	f.remotes = append(f.remotes, desc)
	connect := f.connectOnAnswer
	f.mu.Unlock()

	if desc.Type == pion.SDPTypeOffer {
		f.setSignaling(pion.SignalingStateHaveRemoteOffer)
		return nil
	}
	f.setSignaling(pion.SignalingStateStable)
	if connect {
		f.setConn(pion.PeerConnectionStateConnected)
	}
	return nil
}

func (f *fakePC) LocalDescription() *pion.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePC) GatheringComplete() <-chan struct{} { return f.gathered }

func (f *fakePC) ConnectionState() pion.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakePC) SignalingState() pion.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakePC) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	f.mu.Lock()
	f.onConn = fn
	f.mu.Unlock()
}

func (f *fakePC) OnSignalingStateChange(fn func(pion.SignalingState)) {
	f.mu.Lock()
	f.onSignal = fn
	f.mu.Unlock()
}

func (f *fakePC) OnTrack(fn func(media.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	f.setConn(pion.PeerConnectionStateClosed)
	return nil
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePC) setConn(state pion.PeerConnectionState) {
	f.mu.Lock()
	f.conn = state
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePC) setSignaling(state pion.SignalingState) {
	f.mu.Lock()
	f.signaling = state
	fn := f.onSignal
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePC) deliver(track media.RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(track)
}

// pcFactory hands out scripted connections and remembers them.
type pcFactory struct {
	mu      sync.Mutex
	created []*fakePC
	// configure, when set, adjusts the n-th connection (1-based).
	configure func(n int, pc *fakePC)
}

func (f *pcFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := newFakePC()
	f.created = append(f.created, pc)
	if f.configure != nil {
		f.configure(len(f.created), pc)
	}
	return pc, nil
}

func (f *pcFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *pcFactory) get(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

// fakeSFU answers pushes and records every call.
type fakeSFU struct {
	mu           sync.Mutex
	pushErrs     []error
	pushes       []domain.TracksRequest
	noAnswer     bool
	renegotiated []domain.SessionDescription
}

func (f *fakeSFU) NewTracks(_ context.Context, id domain.SessionID, req domain.TracksRequest) (*domain.TracksResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, req)
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.noAnswer {
		return &domain.TracksResponse{}, nil
	}
	return &domain.TracksResponse{
		SessionDescription: &domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", id, len(f.pushes))},
	}, nil
}

func (f *fakeSFU) Renegotiate(_ context.Context, _ domain.SessionID, answer domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renegotiated = append(f.renegotiated, answer)
	return nil
}

func (f *fakeSFU) Session(context.Context, domain.SessionID) (*domain.SessionState, error) {
	return &domain.SessionState{}, nil
}

func (f *fakeSFU) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// staticTracks is a TrackSource over fixed local tracks.
type staticTracks []pion.TrackLocal

func (s staticTracks) LocalTracks() []pion.TrackLocal { return s }

type fakeLocalTrack struct {
	id   string
	kind pion.RTPCodecType
}

func (t *fakeLocalTrack) Bind(pion.TrackLocalContext) (pion.RTPCodecParameters, error) {
	return pion.RTPCodecParameters{}, nil
}
func (t *fakeLocalTrack) Unbind(pion.TrackLocalContext) error { return nil }
func (t *fakeLocalTrack) ID() string                          { return t.id }
func (t *fakeLocalTrack) RID() string                         { return "" }
func (t *fakeLocalTrack) StreamID() string                    { return "local" }
func (t *fakeLocalTrack) Kind() pion.RTPCodecType             { return t.kind }

// fakeRemoteTrack is an inbound track that never yields packets.
type fakeRemoteTrack struct {
	fakeLocalTrack
}

func (t *fakeRemoteTrack) Codec() pion.RTPCodecParameters { return pion.RTPCodecParameters{} }

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}
