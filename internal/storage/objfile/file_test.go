package objfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kk-code-lab/nstore/internal/storage/layout"
)

func TestCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	header := bytes.Repeat([]byte{0xAA}, 10)
	if err := f.SaveHeader(header, false); err != nil {
		t.Fatalf("SaveHeader: %v", err)
	}
	if err := f.SaveSegs([]byte("hello "), 0, false); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}
	if err := f.SaveSegs([]byte("world"), 6, true); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err = Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if !f.IsFileComplete() || f.TotalSegsLen() != 11 || f.HeaderLen() != 10 {
		t.Fatalf("complete=%v total=%d header=%d", f.IsFileComplete(), f.TotalSegsLen(), f.HeaderLen())
	}
	gotHeader, err := f.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !bytes.Equal(gotHeader, header) {
		t.Fatalf("header mismatch: %x", gotHeader)
	}
	segs, err := f.ReadSegs(0, 11)
	if err != nil {
		t.Fatalf("ReadSegs: %v", err)
	}
	if string(segs) != "hello world" {
		t.Fatalf("segs mismatch: %q", segs)
	}
	var buf bytes.Buffer
	if _, err := f.WriteSegsTo(&buf, 3, 5); err != nil {
		t.Fatalf("WriteSegsTo: %v", err)
	}
	if buf.String() != "lo wo" {
		t.Fatalf("range mismatch: %q", buf.String())
	}
	if chunks := f.Chunks(); len(chunks) != 1 {
		t.Fatalf("expected merged chunks, got %+v", chunks)
	}
}

func TestCreateNewExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := CreateNew(path); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestWriteZeroesLayoutOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer func() { _ = f.Close() }()
	if err := f.SaveSegs([]byte("abc"), 0, true); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}
	if ofs := readPrologueOffset(t, path); ofs != layout.PrologueLen+3 {
		t.Fatalf("offset after save: %d", ofs)
	}
	if err := f.SaveSegs([]byte("def"), 3, false); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}
	if ofs := readPrologueOffset(t, path); ofs != 0 {
		t.Fatalf("offset after unsaved write: %d", ofs)
	}
	if err := f.SaveLayout(); err != nil {
		t.Fatalf("SaveLayout: %v", err)
	}
	if ofs := readPrologueOffset(t, path); ofs != layout.PrologueLen+6 {
		t.Fatalf("offset after second save: %d", ofs)
	}
}

func TestOpenUnsavedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, err = Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.TotalSegsLen() != 0 || !f.IsFileComplete() {
		t.Fatalf("unexpected layout for unsaved file")
	}
}

func TestOpenParsingErrors(t *testing.T) {
	dir := t.TempDir()
	badMarker := append([]byte("xxxx"), make([]byte, 8)...)
	shortFile := []byte("3no")
	badOffset := encodePrologue(4096)
	corrupt := append(encodePrologue(layout.PrologueLen), []byte("not a layout trailer at all, just noise.....")...)
	for name, data := range map[string][]byte{
		"marker":  badMarker,
		"short":   shortFile,
		"offset":  badOffset,
		"trailer": corrupt,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		_, err := Open(path)
		if !errors.Is(err, ErrParsing) {
			t.Fatalf("%s: expected ErrParsing, got %v", name, err)
		}
		var perr *ParsingError
		if !errors.As(err, &perr) || perr.Path != path {
			t.Fatalf("%s: expected ParsingError with path, got %v", name, err)
		}
	}
}

func TestReadBaseChunkNotOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "2.")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer func() { _ = f.Close() }()
	d := &layout.Diff{BaseVersion: 1, SegsSize: 8, Sections: []layout.Section{
		{Offset: 0, Len: 4},
		{IsNew: true, Offset: 4, Len: 4},
	}}
	if err := f.SetAndFreezeWith(d); err != nil {
		t.Fatalf("SetAndFreezeWith: %v", err)
	}
	if err := f.SaveSegs([]byte("new!"), 4, true); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}
	if _, err := f.ReadSegs(0, 8); !errors.Is(err, ErrNotOnDisk) {
		t.Fatalf("expected ErrNotOnDisk, got %v", err)
	}
	got, err := f.ReadSegs(4, 4)
	if err != nil {
		t.Fatalf("ReadSegs: %v", err)
	}
	if string(got) != "new!" {
		t.Fatalf("unexpected bytes %q", got)
	}
	if err := f.SaveBaseSegs([]byte("base"), 0, 0, true); err != nil {
		t.Fatalf("SaveBaseSegs: %v", err)
	}
	got, err = f.ReadSegs(0, 8)
	if err != nil {
		t.Fatalf("ReadSegs: %v", err)
	}
	if string(got) != "basenew!" {
		t.Fatalf("unexpected bytes %q", got)
	}
}

func TestMoveAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := f.SaveSegs([]byte("x"), 0, true); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}
	dst := filepath.Join(dir, "1.")
	if err := f.Move(dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if f.Path() != dst {
		t.Fatalf("path not updated: %s", f.Path())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("old path still present: %v", err)
	}
	if err := f.SaveSegs([]byte("y"), 1, true); err != nil {
		t.Fatalf("SaveSegs after move: %v", err)
	}
	if err := f.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
}

// stallWriter blocks its first Write until released.
type stallWriter struct {
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (w *stallWriter) Write(p []byte) (int, error) {
	if !w.once {
		w.once = true
		close(w.entered)
		<-w.release
	}
	return len(p), nil
}

func TestSlowConsumerDoesNotBlockRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.")
	f, err := CreateNew(path)
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	data := bytes.Repeat([]byte("0123456789abcdef"), 64<<10)
	if err := f.SaveSegs(data, 0, true); err != nil {
		t.Fatalf("SaveSegs: %v", err)
	}

	w := &stallWriter{entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := f.WriteSegsTo(w, 0, uint64(len(data)))
		done <- err
	}()
	<-w.entered

	removed := make(chan error, 1)
	go func() { removed <- f.Remove() }()
	select {
	case err := <-removed:
		if err != nil {
			t.Fatalf("Remove: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(w.release)
		t.Fatal("Remove waited for the consumer")
	}
	close(w.release)
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("copy after remove: %v", err)
	}
}

func readPrologueOffset(t *testing.T, path string) uint64 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return binary.BigEndian.Uint64(data[4:12])
}
