package objfile

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/kk-code-lab/nstore/internal/storage/layout"
)

// File is an open version file. Mutations are serialized on the handle;
// reads share it with each other but never overlap a mutation.
type File struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	layout *layout.Layout
	// unsaved is set once bytes were written past the last saved trailer
	// and the prologue offset was zeroed.
	unsaved bool
}

// CreateNew creates a version file with an empty layout. It fails with
// ErrAlreadyExists when path is taken.
func CreateNew(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrAlreadyExists, path)
		}
		return nil, errors.Wrap(err, "objfile: create")
	}
	if _, err := file.WriteAt(encodePrologue(0), 0); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "objfile: write prologue")
	}
	return &File{path: path, file: file, layout: layout.ForNewFile(), unsaved: true}, nil
}

// Open opens an existing version file and parses its layout. A file whose
// prologue still has a zero offset never had its layout saved; it opens
// with an empty layout.
func Open(path string) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "objfile: open")
	}
	ofs, err := decodePrologue(file)
	if err != nil {
		_ = file.Close()
		return nil, &ParsingError{Path: path, Err: err}
	}
	if ofs == 0 {
		return &File{path: path, file: file, layout: layout.ForNewFile(), unsaved: true}, nil
	}
	l, err := readLayout(path, file, ofs)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &File{path: path, file: file, layout: l}, nil
}

func readLayout(path string, file *os.File, ofs uint64) (*layout.Layout, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "objfile: stat")
	}
	size := uint64(info.Size())
	if ofs < layout.PrologueLen || ofs >= size {
		return nil, &ParsingError{Path: path, Err: errors.Errorf("layout offset %d inconsistent with file size %d", ofs, size)}
	}
	buf := make([]byte, size-ofs)
	if _, err := file.ReadAt(buf, int64(ofs)); err != nil {
		return nil, errors.Wrap(err, "objfile: read layout")
	}
	l, err := layout.FromBytes(ofs, buf)
	if err != nil {
		return nil, &ParsingError{Path: path, Err: err}
	}
	return l, nil
}

// Path returns the current location of the file.
func (f *File) Path() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.path
}

// Size returns the physical size of the file.
func (f *File) Size() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return 0, ErrClosed
	}
	info, err := f.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "objfile: stat")
	}
	return info.Size(), nil
}

// SaveHeader writes the version header at the end of the content.
func (f *File) SaveHeader(b []byte, saveLayout bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.layout.Header(); ok {
		return layout.ErrHeaderAlreadySet
	}
	fileOfs, err := f.appendContent(b)
	if err != nil {
		return err
	}
	if err := f.layout.AddHeader(uint64(len(b)), fileOfs); err != nil {
		return err
	}
	return f.maybeSaveLayout(saveLayout)
}

// SaveSegs writes bytes of this version's segments that start at thisVerOfs.
func (f *File) SaveSegs(b []byte, thisVerOfs uint64, saveLayout bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(b) == 0 {
		return f.maybeSaveLayout(saveLayout)
	}
	if _, err := f.layout.SegsLocations(thisVerOfs, uint64(len(b))); err != nil {
		return err
	}
	fileOfs, err := f.appendContent(b)
	if err != nil {
		return err
	}
	if err := f.layout.AddSegsOnFile(thisVerOfs, uint64(len(b)), fileOfs); err != nil {
		return err
	}
	return f.maybeSaveLayout(saveLayout)
}

// SaveBaseSegs stores a physical copy of base version bytes that this
// version inherits at thisVerOfs.
func (f *File) SaveBaseSegs(b []byte, thisVerOfs, baseVerOfs uint64, saveLayout bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(b) == 0 {
		return f.maybeSaveLayout(saveLayout)
	}
	fileOfs, err := f.appendContent(b)
	if err != nil {
		return err
	}
	if err := f.layout.AddBaseSegsOnFile(thisVerOfs, baseVerOfs, uint64(len(b)), fileOfs); err != nil {
		return err
	}
	return f.maybeSaveLayout(saveLayout)
}

// SaveLayout writes the layout trailer and records its offset.
func (f *File) SaveLayout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLayout()
}

// SetAndFreezeWith installs a diff plan. The layout is saved by the next
// save call.
func (f *File) SetAndFreezeWith(d *layout.Diff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.layout.SetAndFreezeWith(d)
}

// MarkEndless declares that the version length is not known yet.
func (f *File) MarkEndless() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.layout.MarkEndless()
}

// TruncateEndless fixes the version length at the bytes written so far.
func (f *File) TruncateEndless() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layout.TruncateEndless()
}

func (f *File) maybeSaveLayout(save bool) error {
	if !save {
		return nil
	}
	return f.saveLayout()
}

// appendContent writes b at the end of content, over any stale trailer.
func (f *File) appendContent(b []byte) (uint64, error) {
	if f.file == nil {
		return 0, ErrClosed
	}
	if !f.unsaved {
		var zero [8]byte
		if _, err := f.file.WriteAt(zero[:], int64(len(marker))); err != nil {
			return 0, errors.Wrap(err, "objfile: reset layout offset")
		}
		f.unsaved = true
	}
	ofs := f.layout.ContentEnd()
	if _, err := f.file.WriteAt(b, int64(ofs)); err != nil {
		return 0, errors.Wrap(err, "objfile: write")
	}
	return ofs, nil
}

func (f *File) saveLayout() error {
	if f.file == nil {
		return ErrClosed
	}
	trailer := f.layout.Bytes()
	ofs := f.layout.ContentEnd()
	if _, err := f.file.WriteAt(trailer, int64(ofs)); err != nil {
		return errors.Wrap(err, "objfile: write layout")
	}
	if err := f.file.Truncate(int64(ofs) + int64(len(trailer))); err != nil {
		return errors.Wrap(err, "objfile: truncate")
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ofs)
	if _, err := f.file.WriteAt(buf[:], int64(len(marker))); err != nil {
		return errors.Wrap(err, "objfile: write layout offset")
	}
	if err := f.file.Sync(); err != nil {
		return errors.Wrap(err, "objfile: sync")
	}
	f.unsaved = false
	return nil
}

// ReadHeader returns the version header, nil when the version has none.
func (f *File) ReadHeader() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.layout.Header()
	if !ok {
		return nil, nil
	}
	if f.file == nil {
		return nil, ErrClosed
	}
	buf := make([]byte, h.Len)
	if _, err := f.file.ReadAt(buf, int64(h.FileOfs)); err != nil {
		return nil, errors.Wrap(err, "objfile: read header")
	}
	return buf, nil
}

// WriteHeaderTo streams the header into w.
func (f *File) WriteHeaderTo(w io.Writer) (int64, error) {
	f.mu.RLock()
	h, ok := f.layout.Header()
	closed := f.file == nil
	f.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	if closed {
		return 0, ErrClosed
	}
	return f.copyOut(w, h.FileOfs, h.Len)
}

// ReadSegs reads segment bytes [ofs, ofs+n). All of them must be stored in
// this file.
func (f *File) ReadSegs(ofs, n uint64) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	locs, err := f.onDiskLocations(ofs, n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, n)
	for _, c := range locs {
		part := make([]byte, c.Len)
		if _, err := f.file.ReadAt(part, int64(c.FileOfs)); err != nil {
			return nil, errors.Wrap(err, "objfile: read segments")
		}
		buf = append(buf, part...)
	}
	return buf, nil
}

// WriteSegsTo streams segment bytes [ofs, ofs+n) into w. All of them must be
// stored in this file.
func (f *File) WriteSegsTo(w io.Writer, ofs, n uint64) (int64, error) {
	f.mu.RLock()
	locs, err := f.onDiskLocations(ofs, n)
	f.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	var written int64
	for _, c := range locs {
		m, err := f.copyOut(w, c.FileOfs, c.Len)
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (f *File) onDiskLocations(ofs, n uint64) ([]layout.Chunk, error) {
	if f.file == nil {
		return nil, ErrClosed
	}
	locs, err := f.layout.SegsLocations(ofs, n)
	if err != nil {
		return nil, err
	}
	for _, c := range locs {
		if !c.Type.OnDisk() {
			return nil, errors.Wrapf(ErrNotOnDisk, "%s chunk at %d", c.Type, c.ThisVerOfs)
		}
	}
	return locs, nil
}

// copyPiece bounds how much is read per lock hold in copyOut.
const copyPiece = 256 << 10

// copyOut writes file bytes [ofs, ofs+n) into w. The lock is held while a
// piece is read and released before w sees it, so a slow consumer never
// blocks Move, Remove or Close. Stored bytes never move once written.
func (f *File) copyOut(w io.Writer, ofs, n uint64) (int64, error) {
	buf := make([]byte, min(n, copyPiece))
	var written int64
	for n > 0 {
		part := buf[:min(n, uint64(len(buf)))]
		f.mu.RLock()
		var m int
		err := ErrClosed
		if f.file != nil {
			m, err = f.file.ReadAt(part, int64(ofs))
		}
		f.mu.RUnlock()
		if m == len(part) {
			err = nil
		}
		switch {
		case err == io.EOF:
			return written, io.ErrUnexpectedEOF
		case errors.Is(err, ErrClosed):
			return written, err
		case err != nil:
			return written, errors.Wrap(err, "objfile: read")
		}
		k, err := w.Write(part)
		written += int64(k)
		if err != nil {
			return written, err
		}
		ofs += uint64(len(part))
		n -= uint64(len(part))
	}
	return written, nil
}

// SegsLocations returns the chunks covering [ofs, ofs+n).
func (f *File) SegsLocations(ofs, n uint64) ([]layout.Chunk, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.SegsLocations(ofs, n)
}

// Chunks returns the full chunk list.
func (f *File) Chunks() []layout.Chunk {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.Chunks()
}

// Header returns the header location.
func (f *File) Header() (layout.HeaderChunk, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.Header()
}

func (f *File) HeaderLen() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.HeaderLen()
}

func (f *File) TotalSegsLen() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.TotalSegsLen()
}

func (f *File) BaseVersion() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.BaseVersion()
}

func (f *File) IsFileComplete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.IsFileComplete()
}

func (f *File) IsEndless() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.IsEndless()
}

func (f *File) IsFrozen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.layout.IsFrozen()
}

// Move renames the file. The handle stays usable.
func (f *File) Move(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Rename(f.path, newPath); err != nil {
		return errors.Wrap(err, "objfile: move")
	}
	f.path = newPath
	return nil
}

// Remove closes the handle and deletes the file.
func (f *File) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "objfile: remove")
	}
	return nil
}

// Close closes the handle; the file stays on disk.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
