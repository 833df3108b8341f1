package webrtc

import (
	"fmt"
	"time"

	"meeting_room/native/internal/media"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultICEServer is the SFU operator's public STUN server.
const DefaultICEServer = "stun:stun.cloudflare.com:3478"

// Sender is one outbound track attached to a connection.
type Sender interface {
	// Mid is assigned once the local description has been set.
	Mid() string
	TrackID() string
	Stop() error
}

// PeerConnection is the part of a WebRTC peer connection a Session drives.
type PeerConnection interface {
	AddSendTrack(track pion.TrackLocal) (Sender, error)
	AddRecvOnly(kind pion.RTPCodecType) error
	CreateOffer() (pion.SessionDescription, error)
	CreateAnswer() (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	LocalDescription() *pion.SessionDescription
	// GatheringComplete must be obtained before SetLocalDescription.
	GatheringComplete() <-chan struct{}
	ConnectionState() pion.PeerConnectionState
	SignalingState() pion.SignalingState
	OnConnectionStateChange(fn func(pion.PeerConnectionState))
	OnSignalingStateChange(fn func(pion.SignalingState))
	OnTrack(fn func(media.RemoteTrack))
	Close() error
}

// Factory builds a fresh, unused connection.
type Factory func() (PeerConnection, error)

// Options configure the pion API.
type Options struct {
	ICEServers []string

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// DefaultOptions returns options pointing at the SFU's STUN server.
func DefaultOptions() Options {
	return Options{
		ICEServers:             []string{DefaultICEServer},
		ICEDisconnectedTimeout: 5 * time.Second,
		ICEFailedTimeout:       25 * time.Second,
		ICEKeepaliveInterval:   2 * time.Second,
	}
}

// API creates pion peer connections sharing one media and interceptor setup.
type API struct {
	api        *pion.API
	iceServers []pion.ICEServer
}

// NewAPI registers the default codecs and the NACK and PLI interceptors.
func NewAPI(opts Options) (*API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generator)

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	se := pion.SettingEngine{}
	if opts.ICEFailedTimeout > 0 {
		se.SetICETimeouts(opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepaliveInterval)
	}

	var servers []pion.ICEServer
	for _, url := range opts.ICEServers {
		servers = append(servers, pion.ICEServer{URLs: []string{url}})
	}

	return &API{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
			pion.WithSettingEngine(se),
		),
		iceServers: servers,
	}, nil
}

// NewPeerConnection creates a bundled peer connection. It satisfies Factory.
func (a *API) NewPeerConnection() (PeerConnection, error) {
	pc, err := a.api.NewPeerConnection(pion.Configuration{
		ICEServers:   a.iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("ICE connection state")
	})
	return &pionConn{pc: pc}, nil
}

// pionConn adapts *pion.PeerConnection to PeerConnection.
type pionConn struct {
	pc *pion.PeerConnection
}

func (c *pionConn) AddSendTrack(track pion.TrackLocal) (Sender, error) {
	tr, err := c.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	// Interceptors only run while RTCP is read.
	sender := tr.Sender()
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &pionSender{tr: tr, trackID: track.ID()}, nil
}

func (c *pionConn) AddRecvOnly(kind pion.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return nil
}

func (c *pionConn) CreateOffer() (pion.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (pion.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc pion.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc pion.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) LocalDescription() *pion.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionConn) GatheringComplete() <-chan struct{} {
	return pion.GatheringCompletePromise(c.pc)
}

func (c *pionConn) ConnectionState() pion.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConn) SignalingState() pion.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) OnConnectionStateChange(fn func(pion.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) OnSignalingStateChange(fn func(pion.SignalingState)) {
	c.pc.OnSignalingStateChange(fn)
}

func (c *pionConn) OnTrack(fn func(media.RemoteTrack)) {
	c.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Debug().
			Str("module", "webrtc").
			Str("track", track.ID()).
			Str("kind", track.Kind().String()).
			Str("codec", codec.MimeType).
			Msg("got track")
		fn(track)
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

type pionSender struct {
	tr      *pion.RTPTransceiver
	trackID string
}

func (s *pionSender) Mid() string     { return s.tr.Mid() }
func (s *pionSender) TrackID() string { return s.trackID }

func (s *pionSender) Stop() error {
	return s.tr.Sender().Stop()
}
