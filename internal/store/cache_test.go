package store

import (
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/nstore/internal/storage/objfile"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestTimedCacheSweep(t *testing.T) {
	clk := &fakeNow{t: time.Unix(1000, 0)}
	c := newTimedCache[string, int](time.Minute, clk.now)
	c.set("a", 1)
	c.set("b", 2)

	clk.advance(40 * time.Second)
	_, ok := c.get("a")
	require.True(t, ok)

	clk.advance(40 * time.Second)
	require.Equal(t, 1, c.sweep())
	_, ok = c.get("b")
	require.False(t, ok)
	v, ok := c.get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestNamedLocksSerializePerName(t *testing.T) {
	locks := newNamedLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("obj")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Empty(t, locks.locks)
}

func TestFileCacheRetireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"1.", "2."} {
		f, err := objfile.CreateNew(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, f.SaveSegs([]byte("data"), 0, true))
		require.NoError(t, f.Close())
	}
	c := newFileCache(time.Minute, nil, func(k fileKey) (*objfile.File, error) {
		return objfile.Open(filepath.Join(dir, strconv.FormatUint(k.version, 10)+"."))
	})
	held := fileKey{objID: "o", version: 1}
	idle := fileKey{objID: "o", version: 2}

	f1, release1, err := c.acquire(held)
	require.NoError(t, err)
	f2, release2, err := c.acquire(idle)
	require.NoError(t, err)
	release2()

	c.retireObj("o")
	require.Zero(t, c.len())
	_, err = f2.ReadSegs(0, 4)
	require.True(t, errors.Is(err, objfile.ErrClosed))
	got, err := f1.ReadSegs(0, 4)
	require.NoError(t, err)
	require.Equal(t, "data", string(got))

	release1()
	release1()
	_, err = f1.ReadSegs(0, 4)
	require.True(t, errors.Is(err, objfile.ErrClosed))

	f3, release3, err := c.acquire(held)
	require.NoError(t, err)
	require.NotSame(t, f1, f3)
	release3()
}
