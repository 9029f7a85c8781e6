package layout

import (
	"errors"
	"fmt"
)

// PrologueLen is the size of the fixed version file prologue: a 4-byte
// format marker followed by the 8-byte offset of the layout trailer.
const PrologueLen = 4 + 8

// ChunkType tells where the bytes of a chunk come from and whether they are
// physically present in the version file.
type ChunkType uint8

const (
	// ChunkNew is a placeholder for bytes of this version not yet on disk.
	ChunkNew ChunkType = iota + 1
	// ChunkNewOnDisk holds bytes of this version stored in this file.
	ChunkNewOnDisk
	// ChunkBase is inherited unchanged from the base version.
	ChunkBase
	// ChunkBaseOnDisk is inherited from the base version and also copied here.
	ChunkBaseOnDisk
	// ChunkNewEndless is a trailing placeholder of unknown length.
	ChunkNewEndless
)

func (t ChunkType) String() string {
	switch t {
	case ChunkNew:
		return "new"
	case ChunkNewOnDisk:
		return "new-on-disk"
	case ChunkBase:
		return "base"
	case ChunkBaseOnDisk:
		return "base-on-disk"
	case ChunkNewEndless:
		return "new-endless"
	default:
		return fmt.Sprintf("chunk-type(%d)", uint8(t))
	}
}

// OnDisk reports whether chunk bytes can be read from this version's file.
func (t ChunkType) OnDisk() bool {
	return t == ChunkNewOnDisk || t == ChunkBaseOnDisk
}

func (t ChunkType) fromBase() bool {
	return t == ChunkBase || t == ChunkBaseOnDisk
}

// Structural errors. They mean a bug or corrupted data and are never retried.
var (
	ErrHole                = errors.New("layout: hole in chunk list")
	ErrIncompatibleOverlap = errors.New("layout: overlap of incompatible chunks")
	ErrEndlessNotLast      = errors.New("layout: endless chunk is not last")
	ErrHeaderAlreadySet    = errors.New("layout: header already set")
	ErrFrozen              = errors.New("layout: layout is frozen")
	ErrOutOfBounds         = errors.New("layout: range outside of frozen layout")
	ErrNoBase              = errors.New("layout: version has no base")
)

// Chunk is a contiguous range of a version's segment space.
// Len is ignored for ChunkNewEndless, which extends to infinity.
type Chunk struct {
	Type       ChunkType
	ThisVerOfs uint64
	Len        uint64
	FileOfs    uint64
	BaseVerOfs uint64
}

// End returns the exclusive end of the chunk, ok is false for endless chunks.
func (c Chunk) End() (uint64, bool) {
	if c.Type == ChunkNewEndless {
		return 0, false
	}
	return c.ThisVerOfs + c.Len, true
}

// head returns the first n bytes of the chunk. Head of an endless chunk is a
// plain new placeholder.
func (c Chunk) head(n uint64) Chunk {
	if c.Type == ChunkNewEndless {
		c.Type = ChunkNew
	}
	c.Len = n
	return c
}

// tail returns the chunk without its first skip bytes.
func (c Chunk) tail(skip uint64) Chunk {
	c.ThisVerOfs += skip
	if c.Type != ChunkNewEndless {
		c.Len -= skip
	}
	if c.Type.OnDisk() {
		c.FileOfs += skip
	}
	if c.Type.fromBase() {
		c.BaseVerOfs += skip
	}
	return c
}

// HeaderChunk locates the version header in the file.
type HeaderChunk struct {
	Len     uint64
	FileOfs uint64
}

// Layout describes how one object version's bytes are partitioned and where
// each part physically lives. A Layout is not safe for concurrent use; its
// owner serializes access.
type Layout struct {
	header      *HeaderChunk
	chunks      []Chunk
	baseVersion uint64
	frozen      bool
	contentEnd  uint64
}

// ForNewFile returns an empty layout for a freshly created file.
func ForNewFile() *Layout {
	return &Layout{contentEnd: PrologueLen}
}

// AddHeader records the header location. It can be called only once.
func (l *Layout) AddHeader(length, fileOfs uint64) error {
	if l.header != nil {
		return ErrHeaderAlreadySet
	}
	l.header = &HeaderChunk{Len: length, FileOfs: fileOfs}
	l.bumpContentEnd(fileOfs + length)
	return nil
}

// AddSegsOnFile records that bytes [thisVerOfs, thisVerOfs+length) of this
// version were written to the file at fileOfs.
func (l *Layout) AddSegsOnFile(thisVerOfs, length, fileOfs uint64) error {
	if length == 0 {
		return nil
	}
	c := Chunk{Type: ChunkNewOnDisk, ThisVerOfs: thisVerOfs, Len: length, FileOfs: fileOfs}
	var err error
	if l.frozen {
		err = l.fill(c, func(old Chunk) bool { return old.Type == ChunkNew })
	} else {
		err = l.extend(c)
	}
	if err != nil {
		return err
	}
	l.bumpContentEnd(fileOfs + length)
	return nil
}

// AddBaseSegsOnFile records a physical copy of base version bytes
// [baseVerOfs, baseVerOfs+length) placed at thisVerOfs of this version.
func (l *Layout) AddBaseSegsOnFile(thisVerOfs, baseVerOfs, length, fileOfs uint64) error {
	if l.baseVersion == 0 {
		return ErrNoBase
	}
	if length == 0 {
		return nil
	}
	c := Chunk{Type: ChunkBaseOnDisk, ThisVerOfs: thisVerOfs, Len: length, FileOfs: fileOfs, BaseVerOfs: baseVerOfs}
	err := l.fill(c, func(old Chunk) bool {
		return old.Type == ChunkBase && old.BaseVerOfs+thisVerOfs == baseVerOfs+old.ThisVerOfs
	})
	if err != nil {
		return err
	}
	l.bumpContentEnd(fileOfs + length)
	return nil
}

// SetAndFreezeWith installs the chunk plan of a sanitized diff. Afterwards
// only physical locations of planned chunks can be filled in.
func (l *Layout) SetAndFreezeWith(d *Diff) error {
	if l.frozen {
		return ErrFrozen
	}
	if len(l.chunks) > 0 {
		return fmt.Errorf("layout: cannot apply diff over %d written chunks", len(l.chunks))
	}
	chunks := make([]Chunk, 0, len(d.Sections))
	var pos uint64
	for _, s := range d.Sections {
		c := Chunk{ThisVerOfs: pos, Len: s.Len}
		if s.IsNew {
			c.Type = ChunkNew
		} else {
			c.Type = ChunkBase
			c.BaseVerOfs = s.Offset
		}
		chunks = append(chunks, c)
		pos += s.Len
	}
	l.chunks = merge(chunks)
	l.baseVersion = d.BaseVersion
	l.frozen = true
	return l.validate()
}

// MarkEndless appends an endless placeholder for uploads whose total length
// is not known yet.
func (l *Layout) MarkEndless() error {
	if l.frozen {
		return ErrFrozen
	}
	if l.IsEndless() {
		return nil
	}
	l.chunks = merge(append(l.chunks, Chunk{Type: ChunkNewEndless, ThisVerOfs: l.coverEnd()}))
	return nil
}

// TruncateEndless drops the endless placeholder, fixing the total length at
// the end of the last finite chunk.
func (l *Layout) TruncateEndless() {
	if l.IsEndless() {
		l.chunks = l.chunks[:len(l.chunks)-1]
	}
}

// SegsLocations returns the sub-chunks covering [ofs, ofs+length), split at
// the range boundaries.
func (l *Layout) SegsLocations(ofs, length uint64) ([]Chunk, error) {
	if length == 0 {
		return nil, nil
	}
	end := ofs + length
	var out []Chunk
	for _, c := range l.chunks {
		cEnd, finite := c.End()
		if finite && cEnd <= ofs {
			continue
		}
		if c.ThisVerOfs >= end {
			break
		}
		if c.ThisVerOfs < ofs {
			c = c.tail(ofs - c.ThisVerOfs)
		}
		if !finite || c.ThisVerOfs+c.Len > end {
			c = c.head(end - c.ThisVerOfs)
			if !finite {
				c.Type = ChunkNewEndless
			}
		}
		out = append(out, c)
	}
	covered := ofs
	if len(out) > 0 {
		last := out[len(out)-1]
		covered = last.ThisVerOfs + last.Len
	}
	if covered < end {
		if l.frozen {
			return nil, ErrOutOfBounds
		}
		if covered < l.coverEnd() {
			return nil, ErrHole
		}
		out = append(out, Chunk{Type: ChunkNew, ThisVerOfs: covered, Len: end - covered})
	}
	return out, nil
}

// Chunks returns a copy of the chunk list.
func (l *Layout) Chunks() []Chunk {
	return append([]Chunk(nil), l.chunks...)
}

// Header returns the header location, ok is false when no header was added.
func (l *Layout) Header() (HeaderChunk, bool) {
	if l.header == nil {
		return HeaderChunk{}, false
	}
	return *l.header, true
}

// HeaderLen returns the header length, zero without a header.
func (l *Layout) HeaderLen() uint64 {
	if l.header == nil {
		return 0
	}
	return l.header.Len
}

// TotalSegsLen returns the length of the segment space. For endless layouts
// it is the start of the endless chunk.
func (l *Layout) TotalSegsLen() uint64 {
	return l.coverEnd()
}

// IsFileComplete reports whether every chunk has its bytes available, either
// in this file or through the base version.
func (l *Layout) IsFileComplete() bool {
	for _, c := range l.chunks {
		if c.Type == ChunkNew || c.Type == ChunkNewEndless {
			return false
		}
	}
	return true
}

// IsEndless reports whether the layout ends with an endless placeholder.
func (l *Layout) IsEndless() bool {
	return len(l.chunks) > 0 && l.chunks[len(l.chunks)-1].Type == ChunkNewEndless
}

// IsFrozen reports whether the chunk structure was fixed by a diff.
func (l *Layout) IsFrozen() bool { return l.frozen }

// BaseVersion returns the version this one was diffed against, or zero.
func (l *Layout) BaseVersion() uint64 { return l.baseVersion }

// ContentEnd is the file offset right after header and segment bytes, where
// the serialized layout is written.
func (l *Layout) ContentEnd() uint64 { return l.contentEnd }

func (l *Layout) bumpContentEnd(end uint64) {
	if end > l.contentEnd {
		l.contentEnd = end
	}
}

func (l *Layout) coverEnd() uint64 {
	if len(l.chunks) == 0 {
		return 0
	}
	last := l.chunks[len(l.chunks)-1]
	if last.Type == ChunkNewEndless {
		return last.ThisVerOfs
	}
	return last.ThisVerOfs + last.Len
}

// extend places c into a non-frozen layout. Bytes past the current end grow
// the version; a gap before c becomes a new placeholder.
func (l *Layout) extend(c Chunk) error {
	if end := l.coverEnd(); !l.IsEndless() && c.ThisVerOfs > end {
		l.chunks = append(l.chunks, Chunk{Type: ChunkNew, ThisVerOfs: end, Len: c.ThisVerOfs - end})
	}
	chunks, _, err := l.place(c, func(old Chunk) bool {
		return old.Type == ChunkNew || old.Type == ChunkNewEndless
	})
	if err != nil {
		return err
	}
	l.chunks = chunks
	return nil
}

// fill places c over planned chunks only; the whole range must be covered by
// chunks accepted by canFill.
func (l *Layout) fill(c Chunk, canFill func(Chunk) bool) error {
	chunks, covered, err := l.place(c, canFill)
	if err != nil {
		return err
	}
	if covered != c.Len {
		return ErrOutOfBounds
	}
	l.chunks = chunks
	return nil
}

// place returns the chunk list with c replacing the parts of existing chunks
// it overlaps, and how many bytes of c overlapped existing chunks.
func (l *Layout) place(c Chunk, canReplace func(Chunk) bool) ([]Chunk, uint64, error) {
	end := c.ThisVerOfs + c.Len
	out := make([]Chunk, 0, len(l.chunks)+2)
	placed := false
	var covered uint64
	for _, old := range l.chunks {
		oldEnd, finite := old.End()
		if finite && oldEnd <= c.ThisVerOfs {
			out = append(out, old)
			continue
		}
		if old.ThisVerOfs >= end {
			if !placed {
				out = append(out, c)
				placed = true
			}
			out = append(out, old)
			continue
		}
		if !canReplace(old) {
			return nil, 0, fmt.Errorf("%w: %s at %d over %s at %d", ErrIncompatibleOverlap, c.Type, c.ThisVerOfs, old.Type, old.ThisVerOfs)
		}
		from := max(old.ThisVerOfs, c.ThisVerOfs)
		to := end
		if finite {
			to = min(oldEnd, end)
		}
		covered += to - from
		if old.ThisVerOfs < c.ThisVerOfs {
			out = append(out, old.head(c.ThisVerOfs-old.ThisVerOfs))
		}
		if !placed {
			out = append(out, c)
			placed = true
		}
		if !finite || oldEnd > end {
			out = append(out, old.tail(end-old.ThisVerOfs))
		}
	}
	if !placed {
		out = append(out, c)
	}
	merged := merge(out)
	if err := validateChunks(merged); err != nil {
		return nil, 0, err
	}
	return merged, covered, nil
}

func (l *Layout) validate() error {
	return validateChunks(l.chunks)
}

// validateChunks checks that chunks cover [0, end) without holes and that an
// endless chunk can only be last.
func validateChunks(chunks []Chunk) error {
	var pos uint64
	for i, c := range chunks {
		if c.ThisVerOfs != pos {
			return fmt.Errorf("%w: chunk %d starts at %d, expected %d", ErrHole, i, c.ThisVerOfs, pos)
		}
		if c.Type == ChunkNewEndless {
			if i != len(chunks)-1 {
				return ErrEndlessNotLast
			}
			continue
		}
		if c.Type < ChunkNew || c.Type > ChunkNewEndless {
			return fmt.Errorf("layout: unknown chunk type %d", c.Type)
		}
		if c.Len == 0 {
			return fmt.Errorf("%w: empty chunk %d", ErrHole, i)
		}
		pos += c.Len
	}
	return nil
}

// merge joins neighbours of the same type whose physical placement is
// contiguous.
func merge(chunks []Chunk) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	out := chunks[:1]
	for _, c := range chunks[1:] {
		last := &out[len(out)-1]
		if mergeable(*last, c) {
			if c.Type == ChunkNewEndless {
				last.Type = ChunkNewEndless
				last.Len = 0
			} else {
				last.Len += c.Len
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

func mergeable(a, b Chunk) bool {
	if a.Type == ChunkNewEndless {
		return false
	}
	if a.ThisVerOfs+a.Len != b.ThisVerOfs {
		return false
	}
	switch {
	case a.Type == ChunkNew && (b.Type == ChunkNew || b.Type == ChunkNewEndless):
		return true
	case a.Type != b.Type:
		return false
	case a.Type == ChunkNewOnDisk:
		return a.FileOfs+a.Len == b.FileOfs
	case a.Type == ChunkBase:
		return a.BaseVerOfs+a.Len == b.BaseVerOfs
	case a.Type == ChunkBaseOnDisk:
		return a.FileOfs+a.Len == b.FileOfs && a.BaseVerOfs+a.Len == b.BaseVerOfs
	}
	return false
}
