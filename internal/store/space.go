package store

import (
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// space tracks bytes used by a store against its quota. Writes reserve
// their length first and settle the reservation with the bytes that really
// landed on disk.
type space struct {
	mu       sync.Mutex
	quota    uint64
	used     uint64
	reserved uint64
}

// reservation is an outstanding claim made by reserve.
type reservation struct {
	s       *space
	n       uint64
	settled bool
}

func newSpace(quota, used uint64) *space {
	return &space{quota: quota, used: used}
}

// reserve claims n bytes. A zero quota means unlimited.
func (s *space) reserve(n uint64) (*reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota > 0 && s.used+s.reserved+n > s.quota {
		return nil, errors.Wrapf(ErrNotEnoughSpace, "need %s, free %s",
			humanize.IBytes(n), humanize.IBytes(s.freeLocked()))
	}
	s.reserved += n
	return &reservation{s: s, n: n}, nil
}

// settle drops the reservation and accounts for actual bytes, which may
// differ from the reserved amount. It is a no-op after the first call.
func (r *reservation) settle(actual int64) {
	if r == nil || r.settled {
		return
	}
	r.settled = true
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved -= r.n
	s.adjustLocked(actual)
}

// adjust accounts for bytes added (positive) or freed (negative) outside of
// reservations.
func (s *space) adjust(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adjustLocked(delta)
}

func (s *space) adjustLocked(delta int64) {
	if delta >= 0 {
		s.used += uint64(delta)
		return
	}
	if d := uint64(-delta); d < s.used {
		s.used -= d
	} else {
		s.used = 0
	}
}

func (s *space) freeLocked() uint64 {
	taken := s.used + s.reserved
	if s.quota <= taken {
		return 0
	}
	return s.quota - taken
}

func (s *space) snapshot() (used, reserved, quota uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.reserved, s.quota
}

// diskUsage sums the sizes of regular files under root.
func diskUsage(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "store: measure disk usage")
	}
	return total, nil
}
