package gatekeeper

import (
	"context"
	"sync"
)

// keyedLocks serializes dispatch per fact key. Each key maps to a
// one-slot channel used as a mutex; acquisition is context-bounded so a
// call waiting behind a slow mutation fails with a conflict instead of
// hanging. Slots are refcounted by holders plus waiters and removed
// from the map when the count drops to zero, so the map only ever holds
// keys with live contention.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*lockSlot)}
}

func (l *keyedLocks) retain(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *keyedLocks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(l.slots, key)
	}
}

// Acquire takes the key's slot or returns ctx.Err() if the context
// expires first. On success the slot reference is held until Release.
func (l *keyedLocks) Acquire(ctx context.Context, key string) error {
	s := l.retain(key)
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key)
		return ctx.Err()
	}
}

func (l *keyedLocks) Release(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-s.ch
	l.unref(key)
}

func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
