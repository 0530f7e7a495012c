package syncer

import "sync"

// collectionLocks hands out one RWMutex per table. Bulk loads take the write
// side; single-record events take the read side.
type collectionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func (c *collectionLocks) get(table string) *sync.RWMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.RWMutex)
	}
	l, ok := c.locks[table]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[table] = l
	}
	return l
}

// recordLocks serializes work on the same key. Entries are reference
// counted and removed once the last holder unlocks.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	sync.Mutex
	refs int
}

// lock blocks until key is free and returns its unlock func.
func (r *recordLocks) lock(key string) func() {
	r.mu.Lock()
	if r.locks == nil {
		r.locks = make(map[string]*recordLock)
	}
	l, ok := r.locks[key]
	if !ok {
		l = &recordLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// held returns the number of keys currently locked or waited on.
func (r *recordLocks) held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
