package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize bounds the bytes held by a Streamer before a long
// segment chunk is flushed early.
const DefaultBufferSize = 1 << 20

var (
	ErrEndOfFile   = errors.New("chunk: input ended before the planned chunks")
	ErrExcessBytes = errors.New("chunk: input is longer than the planned chunks")
)

// Kind of a planned chunk.
type Kind uint8

const (
	KindHeader Kind = iota + 1
	KindSegs
)

// Planned is one entry of the write plan.
type Planned struct {
	Kind Kind
	Len  uint64
	// SegsOfs is the segment offset of the chunk's first byte, for KindSegs.
	SegsOfs uint64
}

// Sink receives flushed chunks. objfile.File implements it.
type Sink interface {
	SaveHeader(b []byte, saveLayout bool) error
	SaveSegs(b []byte, thisVerOfs uint64, saveLayout bool) error
	SaveLayout() error
}

// Streamer turns a byte stream with arbitrary read boundaries into the
// planned sequence of sink writes.
type Streamer struct {
	sink    Sink
	plan    []Planned
	maxBuf  int
	idx     int
	flushed uint64 // bytes of plan[idx] already given to the sink
	buf     []byte
	written uint64
}

// NewStreamer creates a streamer for plan. maxBuf <= 0 uses DefaultBufferSize.
func NewStreamer(sink Sink, plan []Planned, maxBuf int) *Streamer {
	if maxBuf <= 0 {
		maxBuf = DefaultBufferSize
	}
	return &Streamer{sink: sink, plan: plan, maxBuf: maxBuf}
}

// Consume reads r to the end, writing chunks as they complete, and saves the
// layout once the whole plan is written.
func (s *Streamer) Consume(ctx context.Context, r io.Reader) error {
	readBuf := make([]byte, min(s.maxBuf, 64<<10))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(readBuf)
		if n > 0 {
			if perr := s.push(readBuf[:n]); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	s.skipEmpty()
	if s.idx < len(s.plan) {
		cur := s.plan[s.idx]
		return fmt.Errorf("%w: chunk %d has %d of %d bytes", ErrEndOfFile, s.idx, s.flushed+uint64(len(s.buf)), cur.Len)
	}
	return s.sink.SaveLayout()
}

// Written returns the number of bytes handed to the sink.
func (s *Streamer) Written() uint64 {
	return s.written
}

func (s *Streamer) push(p []byte) error {
	for len(p) > 0 {
		s.skipEmpty()
		if s.idx >= len(s.plan) {
			return fmt.Errorf("%w: %d unexpected bytes", ErrExcessBytes, len(p))
		}
		cur := s.plan[s.idx]
		need := cur.Len - s.flushed - uint64(len(s.buf))
		take := min(need, uint64(len(p)))
		s.buf = append(s.buf, p[:take]...)
		p = p[take:]
		switch {
		case s.flushed+uint64(len(s.buf)) == cur.Len:
			if err := s.flush(cur); err != nil {
				return err
			}
			s.idx++
			s.flushed = 0
		case cur.Kind == KindSegs && len(s.buf) >= s.maxBuf:
			if err := s.flush(cur); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Streamer) flush(cur Planned) error {
	var err error
	switch cur.Kind {
	case KindHeader:
		err = s.sink.SaveHeader(s.buf, false)
	case KindSegs:
		err = s.sink.SaveSegs(s.buf, cur.SegsOfs+s.flushed, false)
	default:
		err = fmt.Errorf("chunk: unknown planned kind %d", cur.Kind)
	}
	if err != nil {
		return err
	}
	n := uint64(len(s.buf))
	s.flushed += n
	s.written += n
	s.buf = s.buf[:0]
	return nil
}

func (s *Streamer) skipEmpty() {
	for s.idx < len(s.plan) && s.plan[s.idx].Len == 0 && len(s.buf) == 0 {
		s.idx++
		s.flushed = 0
	}
}
