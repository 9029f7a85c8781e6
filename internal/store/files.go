package store

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kk-code-lab/nstore/internal/storage/objfile"
)

type fileKey struct {
	objID   string
	version uint64
}

func (k fileKey) String() string {
	return k.objID + "/" + strconv.FormatUint(k.version, 10)
}

type cachedFile struct {
	f        *objfile.File
	refs     int
	lastUsed time.Time
	// retired entries are out of the map and close on their last release.
	retired bool
}

// fileCache shares open version files between readers. Handles idle for
// longer than the window are closed by sweep; files are never deleted here.
// A retired handle stays open while it is referenced, so readers keep
// reading a version whose file was already unlinked.
type fileCache struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	open    func(fileKey) (*objfile.File, error)
	entries map[fileKey]*cachedFile
	group   singleflight.Group
}

func newFileCache(window time.Duration, now func() time.Time, open func(fileKey) (*objfile.File, error)) *fileCache {
	if now == nil {
		now = time.Now
	}
	return &fileCache{window: window, now: now, open: open, entries: make(map[fileKey]*cachedFile)}
}

// acquire returns the handle of k. release must be called exactly once.
func (c *fileCache) acquire(k fileKey) (*objfile.File, func(), error) {
	for {
		if f, release, ok := c.take(k); ok {
			return f, release, nil
		}
		_, err, _ := c.group.Do(k.String(), func() (any, error) {
			c.mu.Lock()
			_, ok := c.entries[k]
			c.mu.Unlock()
			if ok {
				return nil, nil
			}
			f, err := c.open(k)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.entries[k] = &cachedFile{f: f, lastUsed: c.now()}
			c.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
}

func (c *fileCache) take(k fileKey) (*objfile.File, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, nil, false
	}
	e.refs++
	e.lastUsed = c.now()
	var once sync.Once
	return e.f, func() {
		once.Do(func() {
			c.mu.Lock()
			e.refs--
			e.lastUsed = c.now()
			last := e.retired && e.refs == 0
			c.mu.Unlock()
			if last {
				_ = e.f.Close()
			}
		})
	}, true
}

// forget drops k from the cache and returns its handle, if any. The caller
// owns the returned handle.
func (c *fileCache) forget(k fileKey) *objfile.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil
	}
	delete(c.entries, k)
	return e.f
}

// retire drops k from the cache. Its handle is closed now when unused,
// otherwise by the last release.
func (c *fileCache) retire(k fileKey) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
	}
	idle := c.retireLocked(e)
	c.mu.Unlock()
	if idle != nil {
		_ = idle.Close()
	}
}

// retireObj retires every cached version of objID.
func (c *fileCache) retireObj(objID string) {
	c.mu.Lock()
	var idle []*objfile.File
	for k, e := range c.entries {
		if k.objID != objID {
			continue
		}
		delete(c.entries, k)
		if f := c.retireLocked(e); f != nil {
			idle = append(idle, f)
		}
	}
	c.mu.Unlock()
	for _, f := range idle {
		_ = f.Close()
	}
}

func (c *fileCache) retireLocked(e *cachedFile) *objfile.File {
	if e == nil {
		return nil
	}
	if e.refs == 0 {
		return e.f
	}
	e.retired = true
	return nil
}

func (c *fileCache) sweep() int {
	c.mu.Lock()
	cutoff := c.now().Add(-c.window)
	var idle []*objfile.File
	for k, e := range c.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			idle = append(idle, e.f)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	for _, f := range idle {
		_ = f.Close()
	}
	return len(idle)
}

func (c *fileCache) closeAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[fileKey]*cachedFile)
	c.mu.Unlock()
	for _, e := range entries {
		_ = e.f.Close()
	}
}

func (c *fileCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
