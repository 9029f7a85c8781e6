package store

import (
	"sync"
	"time"
)

// timedCache keeps values for a window after their last use.
type timedCache[K comparable, V any] struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[K]*timedEntry[V]
	// gen changes with every set and delete.
	gen uint64
}

type timedEntry[V any] struct {
	val      V
	lastUsed time.Time
}

func newTimedCache[K comparable, V any](window time.Duration, now func() time.Time) *timedCache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &timedCache[K, V]{window: window, now: now, entries: make(map[K]*timedEntry[V])}
}

func (c *timedCache[K, V]) get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	e.lastUsed = c.now()
	return e.val, true
}

func (c *timedCache[K, V]) set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries[k] = &timedEntry[V]{val: v, lastUsed: c.now()}
}

// setIfUnchanged stores v only when no set or delete happened since gen was
// read, so a slow load cannot overwrite a newer value.
func (c *timedCache[K, V]) setIfUnchanged(k K, v V, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.entries[k] = &timedEntry[V]{val: v, lastUsed: c.now()}
	return true
}

func (c *timedCache[K, V]) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *timedCache[K, V]) delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.entries, k)
}

// sweep drops entries idle for longer than the window and returns how many
// were dropped.
func (c *timedCache[K, V]) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.window)
	n := 0
	for k, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *timedCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// namedLocks serializes work per name. Unused mutexes are dropped.
type namedLocks struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

type namedLock struct {
	mu   sync.Mutex
	refs int
}

func newNamedLocks() *namedLocks {
	return &namedLocks{locks: make(map[string]*namedLock)}
}

// lock acquires the mutex of name and returns its unlock function.
func (n *namedLocks) lock(name string) func() {
	n.mu.Lock()
	l, ok := n.locks[name]
	if !ok {
		l = &namedLock{}
		n.locks[name] = l
	}
	l.refs++
	n.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		n.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(n.locks, name)
		}
		n.mu.Unlock()
	}
}
