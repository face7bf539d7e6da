package session

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key with strict FIFO handoff: waiters
// acquire the lock in arrival order. Entries are evicted as soon as the
// last holder or waiter for a key is gone, so the map stays bounded by
// the number of in-flight requests, not by the number of threads ever
// seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs  int
	held  bool
	queue []chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// Lock acquires the key's lock, waiting in FIFO order. It fails only if
// ctx is done before the lock is handed over.
func (m *keyedMutex) Lock(ctx context.Context, key string) error {
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
		e = &lockEntry{}
		m.entries[key] = e
	}
	e.refs++
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.queue = append(e.queue, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-ch:
			// Handed the lock while giving up; pass it straight on.
			m.unlockLocked(key)
			m.mu.Unlock()
			return ctx.Err()
		default:
		}
		for i, w := range e.queue {
			if w == ch {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases the key's lock, waking the longest waiter if any.
func (m *keyedMutex) Unlock(key string) {
	m.mu.Lock()
	m.unlockLocked(key)
	m.mu.Unlock()
}

func (m *keyedMutex) unlockLocked(key string) {
	e := m.entries[key]
	if e == nil || !e.held {
		return
	}
	e.refs--
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		close(next)
	} else {
		e.held = false
	}
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// size reports the number of live entries, for tests.
func (m *keyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
