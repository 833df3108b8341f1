// Package webrtc negotiates media sessions with the SFU over pion.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/retry"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"
	"github.com/rs/zerolog/log"
)

// ErrSessionReplaced is wrapped when a renegotiation had to rebuild the
// connection; work done against the old one must be repeated.
var ErrSessionReplaced = errors.New("session replaced")

// NegotiatorOptions bound the waits of a negotiation.
type NegotiatorOptions struct {
	Policy         retry.Policy
	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
	StableTimeout  time.Duration
}

// DefaultNegotiatorOptions returns the production bounds.
func DefaultNegotiatorOptions() NegotiatorOptions {
	return NegotiatorOptions{
		Policy:         retry.Default(),
		GatherTimeout:  2 * time.Second,
		ConnectTimeout: 15 * time.Second,
		StableTimeout:  5 * time.Second,
	}
}

// Negotiator builds and renegotiates sessions against the SFU.
type Negotiator struct {
	sfu   domain.SFU
	newPC Factory
	opts  NegotiatorOptions
}

// NewNegotiator creates a negotiator that obtains connections from newPC.
func NewNegotiator(sfu domain.SFU, newPC Factory, opts NegotiatorOptions) *Negotiator {
	return &Negotiator{sfu: sfu, newPC: newPC, opts: opts}
}

// Establish pushes the tracks of source on a new connection for session id
// and waits until it is connected. Every attempt starts from a fresh
// connection; a failed attempt's connection is closed.
func (n *Negotiator) Establish(ctx context.Context, id domain.SessionID, source TrackSource) (*Session, error) {
	policy := n.opts.Policy.WithClassifier(nil)
	return retry.Do(ctx, policy, "establish "+string(id), func(ctx context.Context) (*Session, error) {
		return n.establishOnce(ctx, id, source)
	})
}

func (n *Negotiator) establishOnce(ctx context.Context, id domain.SessionID, source TrackSource) (s *Session, err error) {
	pc, err := n.newPC()
	if err != nil {
		return nil, err
	}
	s = newSession(id, pc, source)
	defer func() {
		if err != nil {
			s.transition(StateFailed)
			s.Close()
			s = nil
		}
	}()

	tracks := source.LocalTracks()
	for _, t := range tracks {
		sender, err := pc.AddSendTrack(t)
		if err != nil {
			return nil, &domain.NegotiationError{Op: "add track", Err: err}
		}
		s.addSender(sender)
	}
	if len(tracks) == 0 {
		// An offer without media sections has no transport to negotiate.
		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			if err := pc.AddRecvOnly(kind); err != nil {
				return nil, &domain.NegotiationError{Op: "add transceiver", Err: err}
			}
		}
	}

	s.transition(StateOffering)
	offer, err := pc.CreateOffer()
	if err != nil {
		return nil, classify("create offer", err)
	}
	gathered := pc.GatheringComplete()
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, classify("set local description", err)
	}
	n.waitGathering(ctx, id, gathered)

	local := pc.LocalDescription()
	if local == nil {
		return nil, &domain.NegotiationError{Op: "offer", Err: errors.New("no local description")}
	}

	refs := make([]domain.TrackRef, 0, len(s.Senders()))
	for _, sender := range s.Senders() {
		refs = append(refs, domain.TrackRef{
			Location:  domain.LocationLocal,
			Mid:       sender.Mid(),
			TrackName: sender.TrackID(),
		})
	}

	s.transition(StateAwaitingAnswer)
	resp, err := n.sfu.NewTracks(ctx, id, domain.TracksRequest{
		SessionDescription: &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: local.SDP},
		Tracks:             refs,
	})
	if err != nil {
		return nil, err
	}
	if err := resp.TrackError("push tracks"); err != nil {
		return nil, err
	}
	if resp.SessionDescription == nil || resp.SessionDescription.SDP == "" {
		return nil, &domain.ProtocolError{Op: "push tracks", Reason: "missing session description"}
	}

	s.transition(StateConnecting)
	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: resp.SessionDescription.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return nil, classify("set remote description", err)
	}

	if err := s.waitConnection(ctx, n.opts.ConnectTimeout); err != nil {
		return nil, err
	}
	log.Info().Str("module", "webrtc").Str("sid", string(id)).Int("tracks", len(refs)).Msg("session established")
	return s, nil
}

// waitGathering proceeds with whatever was gathered once the bound expires.
func (n *Negotiator) waitGathering(ctx context.Context, id domain.SessionID, gathered <-chan struct{}) {
	timer := time.NewTimer(n.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Debug().Str("module", "webrtc").Str("sid", string(id)).Msg("ICE gathering incomplete, sending partial offer")
	case <-ctx.Done():
	}
}

// Renegotiate answers an offer pushed by the SFU on session s. When s can
// no longer negotiate, or the exchange hits an invalid state, the
// connection is rebuilt with Establish. The rebuilt session is returned
// together with a retryable error wrapping ErrSessionReplaced, since the
// offer belonged to the old connection.
func (n *Negotiator) Renegotiate(ctx context.Context, s *Session, offer domain.SessionDescription) (*Session, error) {
	if s.broken() {
		log.Warn().Str("module", "webrtc").Str("sid", string(s.id)).Str("state", s.State().String()).Msg("renegotiating a dead session, re-establishing")
		return n.recreate(ctx, s, &domain.NegotiationError{Op: "renegotiate", InvalidState: true, Err: ErrSessionReplaced})
	}

	if err := s.waitStable(ctx, n.opts.StableTimeout); err != nil {
		return s, err
	}

	err := n.answer(ctx, s, offer)
	var negErr *domain.NegotiationError
	if errors.As(err, &negErr) && negErr.InvalidState {
		log.Warn().Str("module", "webrtc").Str("sid", string(s.id)).Err(err).Msg("invalid state, recreating session")
		return n.recreate(ctx, s, fmt.Errorf("%w: %w", err, ErrSessionReplaced))
	}
	if err != nil {
		return s, err
	}
	log.Debug().Str("module", "webrtc").Str("sid", string(s.id)).Msg("renegotiated")
	return s, nil
}

func (n *Negotiator) answer(ctx context.Context, s *Session, offer domain.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return classify("set remote offer", err)
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return classify("create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return classify("set local answer", err)
	}

	sdp := answer.SDP
	if local := s.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	return n.sfu.Renegotiate(ctx, s.id, domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: sdp})
}

func (n *Negotiator) recreate(ctx context.Context, old *Session, cause error) (*Session, error) {
	old.Close()
	fresh, err := n.Establish(ctx, old.id, old.source)
	if err != nil {
		return nil, fmt.Errorf("recreate session %s: %w", old.id, err)
	}
	return fresh, cause
}

// classify marks pion state errors so the retrier treats them as transient.
func classify(op string, err error) error {
	var invalidState *rtcerr.InvalidStateError
	var invalidModification *rtcerr.InvalidModificationError
	return &domain.NegotiationError{
		Op:           op,
		InvalidState: errors.As(err, &invalidState) || errors.As(err, &invalidModification),
		Err:          err,
	}
}
