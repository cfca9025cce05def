package sync

import "sync"

// keyedLocks hands out one mutex per account ID. The coordinator holds an
// account's lock for the full duration of a run, so the two trigger paths
// (push callback, periodic driver) never interleave for the same account
// while different accounts proceed in parallel.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for key, creating it on first use. Locks are never
// removed; the map is bounded by the number of registered accounts.
func (l *keyedLocks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}
