// Package clock provides the wall clock abstraction and the hybrid logical
// clock that orders object events.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrBadTimestamp is returned for strings that are not HLC timestamps.
var ErrBadTimestamp = errors.New("clock: malformed timestamp")

// Clock tells the wall time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// Timestamp is a point of a hybrid logical clock: wall time in unix
// nanoseconds plus a counter for events within the same nanosecond.
type Timestamp struct {
	Wall    int64
	Logical uint32
}

// String formats t so that string order matches timestamp order.
func (t Timestamp) String() string {
	return fmt.Sprintf("%019d-%010d", t.Wall, t.Logical)
}

// Before reports whether t orders before o.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Wall < o.Wall || (t.Wall == o.Wall && t.Logical < o.Logical)
}

// Time returns the wall part of t.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, t.Wall).UTC()
}

// ParseTimestamp parses the String form of a timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	wall, logical, ok := strings.Cut(s, "-")
	if !ok {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	w, err := strconv.ParseInt(wall, 10, 64)
	if err != nil || w < 0 {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	l, err := strconv.ParseUint(logical, 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}
	return Timestamp{Wall: w, Logical: uint32(l)}, nil
}

// HLC hands out strictly increasing timestamps even when the wall clock
// stalls or steps back.
type HLC struct {
	mu   sync.Mutex
	wall Clock
	last Timestamp
}

// New returns an HLC driven by the system clock.
func New() *HLC {
	return NewWithClock(RealClock{})
}

// NewWithClock returns an HLC driven by c.
func NewWithClock(c Clock) *HLC {
	return &HLC{wall: c}
}

// Tick returns the next timestamp.
func (h *HLC) Tick() Timestamp {
	wall := h.wall.Now().UnixNano()
	h.mu.Lock()
	defer h.mu.Unlock()
	if wall > h.last.Wall {
		h.last = Timestamp{Wall: wall}
	} else {
		h.last.Logical++
	}
	return h.last
}

// Next returns the next timestamp in String form.
func (h *HLC) Next() string {
	return h.Tick().String()
}

// Observe moves the clock past ts. It reports whether ts was ahead.
func (h *HLC) Observe(ts Timestamp) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.last.Before(ts) {
		return false
	}
	h.last = ts
	return true
}

// Update is Observe for the String form; malformed input is ignored.
func (h *HLC) Update(s string) bool {
	ts, err := ParseTimestamp(s)
	if err != nil {
		return false
	}
	return h.Observe(ts)
}
