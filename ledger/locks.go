package ledger

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes mutations per user. Multi-user operations (a purchase
// crediting a referrer and a team referrer) lock every affected user in
// sorted order, so two writers can never wait on each other in a loop.
type Locker struct {
	mu    sync.Mutex
	users map[UserID]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{users: make(map[UserID]*userLock)}
}

// Lock blocks until every id is held or ctx is done. The returned func
// releases all of them.
func (l *Locker) Lock(ctx context.Context, ids ...UserID) (func(), error) {
	ids = SortedUnique(ids)

	held := make([]UserID, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, id := range ids {
		ul := l.acquireRef(id)
		select {
		case ul.ch <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			l.dropRef(id)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (l *Locker) acquireRef(id UserID) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.users[id]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.users[id] = ul
	}
	ul.refs++
	return ul
}

func (l *Locker) dropRef(id UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul := l.users[id]
	ul.refs--
	if ul.refs == 0 {
		delete(l.users, id)
	}
}

func (l *Locker) release(id UserID) {
	l.mu.Lock()
	ul := l.users[id]
	l.mu.Unlock()
	<-ul.ch
	l.dropRef(id)
}

// SortedUnique returns ids sorted with empties and duplicates removed.
func SortedUnique(ids []UserID) []UserID {
	seen := make(map[UserID]bool, len(ids))
	out := make([]UserID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
