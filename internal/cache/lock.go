package cache

import stdsync "sync"

// pathLocks is a keyed mutex. Entries are dropped when no goroutine holds
// or waits on them.
type pathLocks struct {
	mu    stdsync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   stdsync.Mutex
	refs int
}

func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*pathLock)
	}
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, path)
		}
		p.mu.Unlock()
	}
}

// LockPath acquires an exclusive lock on path for a multi-step sequence and
// returns its release function. It is independent of the cache's internal
// write serialization, so cache methods may be called while it is held.
func (db *DB) LockPath(path string) func() {
	return db.locks.lock(path)
}
