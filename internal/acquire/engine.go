// Package acquire pulls remote participants' tracks from the SFU onto the
// primary session and binds them to registry records.
package acquire

import (
	"context"
	"fmt"
	"time"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"
	"meeting_room/native/internal/registry"
	"meeting_room/native/internal/retry"

	"github.com/rs/zerolog/log"
)

// DefaultReceiveTimeout bounds the wait for pulled tracks to arrive.
const DefaultReceiveTimeout = 15 * time.Second

// Negotiation is the primary session tracks are pulled onto.
// *webrtc.Link satisfies it.
type Negotiation interface {
	SessionID() domain.SessionID
	Renegotiate(ctx context.Context, offer domain.SessionDescription) error
}

// Options tune an Engine.
type Options struct {
	Policy         retry.Policy
	ReceiveTimeout time.Duration
}

// DefaultOptions returns the shared retry policy and a 15s receive bound.
func DefaultOptions() Options {
	return Options{
		Policy:         retry.Default(),
		ReceiveTimeout: DefaultReceiveTimeout,
	}
}

type acquireOptions struct {
	force bool
}

// Option adjusts a single acquisition.
type Option func(*acquireOptions)

// Force re-acquires even when a stream is already bound.
func Force() Option {
	return func(o *acquireOptions) { o.force = true }
}

// Engine runs track acquisitions, one at a time per participant.
type Engine struct {
	registry *registry.Registry
	sfu      domain.SFU
	primary  Negotiation
	router   *Router
	opts     Options
	queue    *keyedQueue
}

// NewEngine creates an engine pulling onto primary.
func NewEngine(reg *registry.Registry, sfu domain.SFU, primary Negotiation, router *Router, opts Options) *Engine {
	return &Engine{
		registry: reg,
		sfu:      sfu,
		primary:  primary,
		router:   router,
		opts:     opts,
		queue:    newKeyedQueue(),
	}
}

// Acquire pulls tracks of participant id and binds them as one stream.
// It never pulls from a session this client owns. Only failures accepted
// by domain.IsRetryable are retried.
func (e *Engine) Acquire(ctx context.Context, id domain.SessionID, tracks []domain.TrackRef, opts ...Option) error {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	if id == e.primary.SessionID() || e.registry.IsLocal(id) {
		log.Debug().Str("module", "acquire").Str("sid", string(id)).Msg("skipping own session")
		return nil
	}
	if len(tracks) == 0 {
		return nil
	}

	unlock, err := e.queue.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	policy := e.opts.Policy.WithClassifier(domain.IsRetryable)
	_, err = retry.Do(ctx, policy, "acquire "+string(id), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.acquireOnce(ctx, id, tracks, o.force)
	})
	return err
}

func (e *Engine) acquireOnce(ctx context.Context, id domain.SessionID, tracks []domain.TrackRef, force bool) (err error) {
	p, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("acquire %s: %w", id, domain.ErrUnknownParticipant)
	}
	if p.HasStream() && !force {
		log.Debug().Str("module", "acquire").Str("sid", string(id)).Msg("stream already bound")
		return nil
	}

	trackIDs := make([]string, 0, len(tracks))
	refs := make([]domain.TrackRef, 0, len(tracks))
	seen := domain.NewTrackSet()
	for _, t := range tracks {
		if seen.Has(t.TrackName) {
			continue
		}
		seen[t.TrackName] = struct{}{}
		trackIDs = append(trackIDs, t.TrackName)
		refs = append(refs, domain.TrackRef{
			Location:  domain.LocationRemote,
			TrackName: t.TrackName,
			SessionID: id,
		})
	}

	if err := e.registry.SetPending(id, trackIDs); err != nil {
		return fmt.Errorf("acquire %s: %w", id, err)
	}
	// The waiter exists before the pull so tracks arriving early are kept.
	w := e.router.Expect(id, trackIDs)
	defer w.Cancel()
	defer func() {
		if err != nil {
			e.registry.ClearPending(id)
		}
	}()

	log.Info().Str("module", "acquire").Str("sid", string(id)).Strs("tracks", trackIDs).Msg("pulling tracks")
	resp, err := e.sfu.NewTracks(ctx, e.primary.SessionID(), domain.TracksRequest{Tracks: refs})
	if err != nil {
		return err
	}
	if err := resp.TrackError("pull tracks"); err != nil {
		return err
	}
	if resp.RequiresImmediateRenegotiation {
		if resp.SessionDescription == nil {
			return &domain.ProtocolError{Op: "pull tracks", Reason: "renegotiation required without an offer"}
		}
		if err := e.primary.Renegotiate(ctx, *resp.SessionDescription); err != nil {
			return err
		}
	}

	received, err := w.Wait(ctx, e.opts.ReceiveTimeout)
	if err != nil {
		return err
	}

	streamTracks := make([]media.Track, len(received))
	for i, t := range received {
		streamTracks[i] = t
	}
	if err := e.registry.BindStream(id, media.NewStream(string(id), streamTracks...)); err != nil {
		return fmt.Errorf("acquire %s: %w", id, err)
	}
	log.Info().Str("module", "acquire").Str("sid", string(id)).Int("tracks", len(received)).Msg("stream bound")
	return nil
}

// SessionTracks lists the active tracks published by session id, as pull
// descriptors.
func (e *Engine) SessionTracks(ctx context.Context, id domain.SessionID) ([]domain.TrackRef, error) {
	state, err := e.sfu.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	return state.ActiveTracks(id), nil
}
