package layout

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	magic       = 0x334e4c54 // "3NLT"
	versionV1   = 1
	headerLen   = 4 + 4
	checksumLen = 32
)

const (
	flagHeader = 1 << iota
	flagBase
	flagFrozen
)

// ErrCorrupt is returned by FromBytes for any malformed trailer.
var ErrCorrupt = errors.New("layout: corrupt trailer")

// Bytes serializes the layout into the trailer stored at the end of a
// version file.
func (l *Layout) Bytes() []byte {
	buf := make([]byte, 0, 64+len(l.chunks)*33)
	buf = appendU32(buf, magic)
	buf = appendU32(buf, versionV1)
	var flags byte
	if l.header != nil {
		flags |= flagHeader
	}
	if l.baseVersion != 0 {
		flags |= flagBase
	}
	if l.frozen {
		flags |= flagFrozen
	}
	buf = append(buf, flags)
	if l.header != nil {
		buf = appendU64(buf, l.header.Len)
		buf = appendU64(buf, l.header.FileOfs)
	}
	if l.baseVersion != 0 {
		buf = appendU64(buf, l.baseVersion)
	}
	buf = appendU32(buf, uint32(len(l.chunks)))
	for _, c := range l.chunks {
		buf = append(buf, byte(c.Type))
		buf = appendU64(buf, c.ThisVerOfs)
		if c.Type != ChunkNewEndless {
			buf = appendU64(buf, c.Len)
		}
		if c.Type.OnDisk() {
			buf = appendU64(buf, c.FileOfs)
		}
		if c.Type.fromBase() {
			buf = appendU64(buf, c.BaseVerOfs)
		}
	}
	checksum := blake3.Sum256(buf[headerLen:])
	return append(buf, checksum[:]...)
}

// FromBytes parses a trailer that was found at file offset ofs.
func FromBytes(ofs uint64, data []byte) (*Layout, error) {
	if ofs < PrologueLen {
		return nil, fmt.Errorf("%w: trailer offset %d inside prologue", ErrCorrupt, ofs)
	}
	if len(data) < headerLen+checksumLen {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	body := data[:len(data)-checksumLen]
	sum := blake3.Sum256(body[headerLen:])
	if !bytes.Equal(sum[:], data[len(data)-checksumLen:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if binary.BigEndian.Uint32(body[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if binary.BigEndian.Uint32(body[4:8]) != versionV1 {
		return nil, fmt.Errorf("%w: unsupported version", ErrCorrupt)
	}
	r := reader{data: body, off: headerLen}
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	l := &Layout{contentEnd: ofs, frozen: flags&flagFrozen != 0}
	if flags&flagHeader != 0 {
		h := HeaderChunk{}
		if h.Len, err = r.u64(); err != nil {
			return nil, err
		}
		if h.FileOfs, err = r.u64(); err != nil {
			return nil, err
		}
		if h.FileOfs < PrologueLen || h.FileOfs+h.Len > ofs {
			return nil, fmt.Errorf("%w: header outside of content", ErrCorrupt)
		}
		l.header = &h
	}
	if flags&flagBase != 0 {
		if l.baseVersion, err = r.u64(); err != nil {
			return nil, err
		}
		if l.baseVersion == 0 {
			return nil, fmt.Errorf("%w: zero base version", ErrCorrupt)
		}
	}
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(count) > len(body) {
		return nil, fmt.Errorf("%w: chunk count %d", ErrCorrupt, count)
	}
	if count > 0 {
		l.chunks = make([]Chunk, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		t, err := r.u8()
		if err != nil {
			return nil, err
		}
		c := Chunk{Type: ChunkType(t)}
		if c.ThisVerOfs, err = r.u64(); err != nil {
			return nil, err
		}
		if c.Type != ChunkNewEndless {
			if c.Len, err = r.u64(); err != nil {
				return nil, err
			}
		}
		if c.Type.OnDisk() {
			if c.FileOfs, err = r.u64(); err != nil {
				return nil, err
			}
			if c.FileOfs < PrologueLen || c.FileOfs+c.Len > ofs {
				return nil, fmt.Errorf("%w: chunk %d outside of content", ErrCorrupt, i)
			}
		}
		if c.Type.fromBase() {
			if l.baseVersion == 0 {
				return nil, fmt.Errorf("%w: base chunk without base version", ErrCorrupt)
			}
			if c.BaseVerOfs, err = r.u64(); err != nil {
				return nil, err
			}
		}
		l.chunks = append(l.chunks, c)
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrCorrupt)
	}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return l, nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) u8() (byte, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated body", ErrCorrupt)
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated body", ErrCorrupt)
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated body", ErrCorrupt)
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
