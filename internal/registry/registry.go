// Package registry is the authoritative in-memory map of remote
// participants and their media state.
package registry

import (
	"cmp"
	"iter"
	"slices"
	"sync"

	"meeting_room/native/internal/domain"
	"meeting_room/native/internal/media"

	"github.com/rs/zerolog/log"
)

// Change lists the session IDs touched by a snapshot.
type Change struct {
	Added   []domain.SessionID
	Updated []domain.SessionID
	Removed []domain.Participant
}

// Empty reports whether the snapshot changed nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Registry holds one record per remote session. The local primary session
// is never stored. Records leave the registry as copies.
type Registry struct {
	mu      sync.RWMutex
	records map[domain.SessionID]*domain.Participant

	localID   domain.SessionID
	localName string

	onChange func()
}

// New creates a registry for the local user identified by username.
func New(localName string) *Registry {
	return &Registry{
		records:   make(map[domain.SessionID]*domain.Participant),
		localName: localName,
	}
}

// SetLocalSession records the local primary session once it is known.
// A record already stored under that ID is dropped.
func (r *Registry) SetLocalSession(id domain.SessionID) {
	r.mu.Lock()
	r.localID = id
	_, existed := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	if existed {
		r.changed()
	}
}

// LocalSession returns the local primary session ID.
func (r *Registry) LocalSession() domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localID
}

// OnChange registers the single listener called after every mutation.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// isLocal must be called with r.mu held.
func (r *Registry) isLocal(id domain.SessionID, name string) bool {
	if r.localID != "" && id == r.localID {
		return true
	}
	owner, kind := domain.ParseWireName(name)
	return kind == domain.KindPrimary && owner == r.localName
}

// ApplySnapshot reconciles the registry against the authoritative list of
// sessions in the room. New sessions are added, renamed ones updated and
// absent ones removed, except records marked Local. Applying the same
// snapshot twice changes nothing.
func (r *Registry) ApplySnapshot(sessions []domain.SessionInfo) Change {
	var change Change

	r.mu.Lock()
	seen := make(map[domain.SessionID]struct{}, len(sessions))
	for _, s := range sessions {
		if s.SessionID == "" || r.isLocal(s.SessionID, s.Username) {
			continue
		}
		seen[s.SessionID] = struct{}{}

		rec, ok := r.records[s.SessionID]
		if !ok {
			p := domain.NewParticipant(s.SessionID, s.Username)
			r.records[s.SessionID] = &p
			change.Added = append(change.Added, s.SessionID)
			continue
		}
		if rec.Name != s.Username {
			rec.Name = s.Username
			rec.Owner, rec.Kind = domain.ParseWireName(s.Username)
			change.Updated = append(change.Updated, s.SessionID)
		}
	}
	for id, rec := range r.records {
		// Records owned by this client leave only through their owner.
		if _, ok := seen[id]; ok || rec.Local {
			continue
		}
		change.Removed = append(change.Removed, rec.Clone())
		delete(r.records, id)
	}
	r.mu.Unlock()

	slices.SortFunc(change.Removed, func(a, b domain.Participant) int {
		return cmp.Compare(a.SessionID, b.SessionID)
	})

	if !change.Empty() {
		log.Info().
			Str("module", "registry").
			Int("added", len(change.Added)).
			Int("updated", len(change.Updated)).
			Int("removed", len(change.Removed)).
			Msg("snapshot applied")
		r.changed()
	}
	return change
}

// Upsert creates the record for id when absent and applies patch to it.
// It refuses the local primary session and reports whether it stored.
// Listeners are notified only when a record was created or patched.
func (r *Registry) Upsert(id domain.SessionID, name string, patch func(*domain.Participant)) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		if id == "" || r.isLocal(id, name) {
			r.mu.Unlock()
			return false
		}
		p := domain.NewParticipant(id, name)
		rec = &p
		r.records[id] = rec
	}
	if patch != nil {
		patch(rec)
	}
	r.mu.Unlock()

	if !ok || patch != nil {
		r.changed()
	}
	return true
}

// Remove deletes the record for id and returns it. Removing an unknown ID
// is a no-op.
func (r *Registry) Remove(id domain.SessionID) (domain.Participant, bool) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if !ok {
		return domain.Participant{}, false
	}
	log.Info().Str("module", "registry").Str("sid", string(id)).Str("name", rec.Name).Msg("participant removed")
	r.changed()
	return rec.Clone(), true
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id domain.SessionID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.Participant{}, false
	}
	return rec.Clone(), true
}

// FindByName returns the record whose wire username is name.
func (r *Registry) FindByName(name string) (domain.Participant, bool) {
	return r.find(func(p *domain.Participant) bool { return p.Name == name })
}

// ScreenShareOf returns the screen-share record owned by owner.
func (r *Registry) ScreenShareOf(owner string) (domain.Participant, bool) {
	return r.find(func(p *domain.Participant) bool {
		return p.Kind == domain.KindScreenShare && p.Owner == owner
	})
}

// ActiveScreenShare returns any screen-share record in the room.
func (r *Registry) ActiveScreenShare() (domain.Participant, bool) {
	return r.find(func(p *domain.Participant) bool { return p.Kind == domain.KindScreenShare })
}

func (r *Registry) find(match func(*domain.Participant) bool) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *domain.Participant
	for _, rec := range r.records {
		if !match(rec) {
			continue
		}
		if found == nil || rec.SessionID < found.SessionID {
			found = rec
		}
	}
	if found == nil {
		return domain.Participant{}, false
	}
	return found.Clone(), true
}

// IsLocal reports whether id belongs to this client: the primary session
// or a record marked Local.
func (r *Registry) IsLocal(id domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.localID != "" && id == r.localID {
		return true
	}
	rec, ok := r.records[id]
	return ok && rec.Local
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// All yields the current records ordered by display name. Every iteration
// starts from a fresh snapshot.
func (r *Registry) All() iter.Seq[domain.Participant] {
	return func(yield func(domain.Participant) bool) {
		for _, p := range r.snapshot() {
			if !yield(p) {
				return
			}
		}
	}
}

// Snapshot returns the current records ordered by display name.
func (r *Registry) Snapshot() []domain.Participant {
	return r.snapshot()
}

func (r *Registry) snapshot() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Participant) int {
		if c := cmp.Compare(a.DisplayName(), b.DisplayName()); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// SetPending records the tracks an acquisition expects for id.
func (r *Registry) SetPending(id domain.SessionID, trackIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return domain.ErrUnknownParticipant
	}
	rec.Pending = domain.NewTrackSet(trackIDs...)
	return nil
}

// ClearPending forgets the expected tracks of id.
func (r *Registry) ClearPending(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Pending = nil
	}
}

// Claim attributes an inbound track to the record whose pending set
// contains trackID.
func (r *Registry) Claim(trackID string) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rec := range r.records {
		if rec.Pending.Has(trackID) {
			return id, true
		}
	}
	return "", false
}

// BindStream attaches a fully received stream to id and clears its
// pending set.
func (r *Registry) BindStream(id domain.SessionID, stream *media.Stream) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		rec.Stream = stream
		rec.Pending = nil
	}
	r.mu.Unlock()

	if !ok {
		return domain.ErrUnknownParticipant
	}
	r.changed()
	return nil
}

// ClearStream detaches the bound stream of id.
func (r *Registry) ClearStream(id domain.SessionID) {
	r.mu.Lock()
	rec, ok := r.records[id]
	hadStream := ok && rec.Stream != nil
	if ok {
		rec.Stream = nil
	}
	r.mu.Unlock()

	if hadStream {
		r.changed()
	}
}
