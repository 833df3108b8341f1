package acquire

import (
	"context"
	"sync"

	"meeting_room/native/internal/domain"

	"golang.org/x/sync/semaphore"
)

// keyedQueue runs at most one holder per session at a time. Slots are
// dropped once nobody holds or waits for them.
type keyedQueue struct {
	mu    sync.Mutex
	slots map[domain.SessionID]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{slots: make(map[domain.SessionID]*slot)}
}

func (q *keyedQueue) lock(ctx context.Context, id domain.SessionID) (unlock func(), err error) {
	q.mu.Lock()
	sl, ok := q.slots[id]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		q.slots[id] = sl
	}
	sl.refs++
	q.mu.Unlock()

	if err := sl.sem.Acquire(ctx, 1); err != nil {
		q.unref(id, sl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			sl.sem.Release(1)
			q.unref(id, sl)
		})
	}, nil
}

func (q *keyedQueue) unref(id domain.SessionID, sl *slot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(q.slots, id)
	}
}

func (q *keyedQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
