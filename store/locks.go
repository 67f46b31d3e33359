package store

import "sync"

// keyLocks serializes writers per (collection, key) while letting readers
// of the same key share access. Unrelated keys never contend.
type keyLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*keyLock
}

type lockKey struct {
	collection string
	key        string
}

type keyLock struct {
	sync.RWMutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[lockKey]*keyLock)}
}

func (l *keyLocks) acquire(collection, key string) (lockKey, *keyLock) {
	k := lockKey{collection: collection, key: key}

	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[k]
	if !ok {
		lk = &keyLock{}
		l.locks[k] = lk
	}
	lk.refs++
	return k, lk
}

func (l *keyLocks) release(k lockKey, lk *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, k)
	}
}

// Lock takes the write side and returns the matching unlock.
func (l *keyLocks) Lock(collection, key string) func() {
	k, lk := l.acquire(collection, key)
	lk.Lock()
	return func() {
		lk.Unlock()
		l.release(k, lk)
	}
}

func (l *keyLocks) RLock(collection, key string) func() {
	k, lk := l.acquire(collection, key)
	lk.RLock()
	return func() {
		lk.RUnlock()
		l.release(k, lk)
	}
}

// size is the number of keys currently held or waited on.
func (l *keyLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
