package acquire

import (
	"context"
	"sync"
	"time"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"

	"github.com/rs/zerolog/log"
)

// DefaultOrphanGrace is how long an unclaimed inbound track is kept.
const DefaultOrphanGrace = 10 * time.Second

// Claimer attributes a track identifier to the participant expecting it.
// *registry.Registry satisfies it.
type Claimer interface {
	Claim(trackID string) (domain.SessionID, bool)
}

type orphan struct {
	track media.RemoteTrack
	at    time.Time
}

// Router hands inbound tracks to the acquisition waiting for them. Tracks
// nobody claims yet are held for a grace period, then dropped.
type Router struct {
	claimer Claimer
	grace   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	waiters map[domain.SessionID]*Waiter
	orphans map[string]orphan
}

// NewRouter creates a router that buffers orphans for grace.
func NewRouter(claimer Claimer, grace time.Duration) *Router {
	return &Router{
		claimer: claimer,
		grace:   grace,
		now:     time.Now,
		waiters: make(map[domain.SessionID]*Waiter),
		orphans: make(map[string]orphan),
	}
}

// HandleTrack receives every inbound track of the primary session.
func (r *Router) HandleTrack(track media.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()

	if id, ok := r.claimer.Claim(track.ID()); ok {
		if w, ok := r.waiters[id]; ok && w.offer(track) {
			log.Debug().Str("module", "acquire").Str("sid", string(id)).Str("track", track.ID()).Msg("track received")
			return
		}
	}

	log.Debug().Str("module", "acquire").Str("track", track.ID()).Dur("grace", r.grace).Msg("holding unclaimed track")
	r.orphans[track.ID()] = orphan{track: track, at: r.now()}
}

// Expect registers a waiter for the given tracks of session id. Matching
// orphans are handed over at once.
func (r *Router) Expect(id domain.SessionID, trackIDs []string) *Waiter {
	w := &Waiter{
		router: r,
		id:     id,
		want:   domain.NewTrackSet(trackIDs...),
		got:    make(map[string]media.RemoteTrack, len(trackIDs)),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()

	if old, ok := r.waiters[id]; ok {
		old.stop()
	}
	r.waiters[id] = w

	for trackID := range w.want {
		if o, ok := r.orphans[trackID]; ok {
			delete(r.orphans, trackID)
			w.offer(o.track)
			log.Debug().Str("module", "acquire").Str("sid", string(id)).Str("track", trackID).Msg("claimed held track")
		}
	}
	return w
}

// prune must be called with r.mu held.
func (r *Router) prune() {
	cutoff := r.now().Add(-r.grace)
	for id, o := range r.orphans {
		if o.at.Before(cutoff) {
			delete(r.orphans, id)
			log.Debug().Str("module", "acquire").Str("track", id).Msg("dropped unclaimed track")
		}
	}
}

func (r *Router) orphanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	return len(r.orphans)
}

// Waiter collects the tracks one acquisition expects.
type Waiter struct {
	router *Router
	id     domain.SessionID
	want   domain.TrackSet

	// got and done are guarded by router.mu.
	got     map[string]media.RemoteTrack
	done    chan struct{}
	stopped bool
}

// offer must be called with router.mu held.
func (w *Waiter) offer(track media.RemoteTrack) bool {
	if w.stopped || !w.want.Has(track.ID()) {
		return false
	}
	if _, dup := w.got[track.ID()]; dup {
		return true
	}
	w.got[track.ID()] = track
	if len(w.got) == w.want.Len() {
		close(w.done)
	}
	return true
}

// stop must be called with router.mu held.
func (w *Waiter) stop() {
	w.stopped = true
}

// Wait blocks until every expected track arrived, in the order of want's
// sorted identifiers, or fails with *domain.TrackReceptionTimeout.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) ([]media.RemoteTrack, error) {
	if w.want.Len() == 0 {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		return nil, &domain.TrackReceptionTimeout{SessionID: w.id, Missing: w.missing(), After: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w.router.mu.Lock()
	defer w.router.mu.Unlock()
	out := make([]media.RemoteTrack, 0, len(w.got))
	for _, id := range w.want.Sorted() {
		out = append(out, w.got[id])
	}
	return out, nil
}

func (w *Waiter) missing() []string {
	w.router.mu.Lock()
	defer w.router.mu.Unlock()
	var out []string
	for _, id := range w.want.Sorted() {
		if _, ok := w.got[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Cancel unregisters the waiter. It is safe to call more than once.
func (w *Waiter) Cancel() {
	r := w.router
	r.mu.Lock()
	defer r.mu.Unlock()
	w.stop()
	if r.waiters[w.id] == w {
		delete(r.waiters, w.id)
	}
}
