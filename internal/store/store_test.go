package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/nstore/internal/meta"
	"github.com/kk-code-lab/nstore/internal/storage/chunk"
	"github.com/kk-code-lab/nstore/internal/storage/layout"
)

type recordedEvent struct {
	objID   string
	kind    string
	version uint64
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
	usage  []meta.Usage
}

func (r *eventRecorder) RecordObjEvent(_ context.Context, _, objID, kind string, version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{objID: objID, kind: kind, version: version})
	return nil
}

func (r *eventRecorder) RecordUsage(_ context.Context, u meta.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, u)
	return nil
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	if opts.UserID == "" {
		opts.UserID = "alice"
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func saveWhole(t *testing.T, s *Store, objID string, version uint64, isNew bool, header, segs []byte) {
	t.Helper()
	body := append(append([]byte{}, header...), segs...)
	txnID, err := s.StartSaving(context.Background(), objID, nil, bytes.NewReader(body), uint64(len(body)), SaveOpts{
		IsNewObj: isNew,
		Version:  version,
		Header:   uint64(len(header)),
		Last:     true,
	})
	require.NoError(t, err)
	require.Empty(t, txnID)
}

func readCurrent(t *testing.T, s *Store, objID string, includeHeader bool) ([]byte, *ObjReader) {
	t.Helper()
	r, err := s.GetCurrentObj(context.Background(), objID, includeHeader, 0, -1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.Pipe(context.Background(), &buf))
	require.Equal(t, r.Len, uint64(buf.Len()))
	return buf.Bytes(), r
}

func TestSaveAndRead(t *testing.T) {
	s := openTestStore(t, Options{})
	header := bytes.Repeat([]byte{0xAA}, 10)
	saveWhole(t, s, "abc", 1, true, header, []byte("hello world"))

	got, r := readCurrent(t, s, "abc", true)
	require.Equal(t, append(header, "hello world"...), got)
	require.Equal(t, uint64(1), r.Version)
	require.Equal(t, uint64(10), r.HeaderLen)
	require.Equal(t, uint64(11), r.SegsLen)

	r, err := s.GetCurrentObj(context.Background(), "abc", false, 6, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), r.Len)
	rc := r.Open(context.Background())
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "world", buf.String())

	objs, err := s.ListObjs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, objs)
}

func TestRootObject(t *testing.T) {
	s := openTestStore(t, Options{})
	saveWhole(t, s, "", 1, true, []byte("hdr"), []byte("root"))
	got, _ := readCurrent(t, s, "", false)
	require.Equal(t, "root", string(got))
	_, err := os.Stat(filepath.Join(s.Root(), "root", "1."))
	require.NoError(t, err)

	require.NoError(t, s.DeleteCurrentObjVersion(context.Background(), "", 1))
	_, err = s.GetCurrentObj(context.Background(), "", false, 0, -1)
	require.True(t, errors.Is(err, ErrObjectUnknown))
	_, err = os.Stat(filepath.Join(s.Root(), "root"))
	require.NoError(t, err)
}

func TestArchiveScenario(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "abc", 1, true, bytes.Repeat([]byte{0xAA}, 10), []byte("hello world"))

	archived, err := s.ArchiveCurrentObjVersion(ctx, "abc", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), archived)

	header2 := bytes.Repeat([]byte{0xBB}, 10)
	saveWhole(t, s, "abc", 2, false, header2, []byte("goodbye"))

	versions, err := s.ListObjArchive(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, versions)

	got, r := readCurrent(t, s, "abc", true)
	require.Equal(t, uint64(2), r.Version)
	require.Equal(t, append(header2, "goodbye"...), got)

	v1Path := filepath.Join(s.Root(), "objects", "abc", "1.")
	_, err = os.Stat(v1Path)
	require.NoError(t, err)

	old, err := s.GetArchivedObjVersion(ctx, "abc", 1, false, 0, -1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, old.Pipe(ctx, &buf))
	require.Equal(t, "hello world", buf.String())

	require.NoError(t, s.DeleteArchivedObjVersion(ctx, "abc", 1))
	_, err = os.Stat(v1Path)
	require.True(t, os.IsNotExist(err))
	st, err := s.ObjStatus(ctx, "abc")
	require.NoError(t, err)
	require.Empty(t, st.ArchivedVersions)
	require.Equal(t, StateCurrent, st.State)
}

func TestConcurrentStartNew(t *testing.T) {
	s := openTestStore(t, Options{})
	var g errgroup.Group
	results := make([]error, 2)
	for i := range results {
		g.Go(func() error {
			_, results[i] = s.StartSaving(context.Background(), "race", nil, bytes.NewReader([]byte("hd")), 2, SaveOpts{
				IsNewObj: true,
				Version:  1,
				Header:   2,
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, ErrConcurrentTransaction), "unexpected error: %v", err)
	}
	require.Equal(t, 1, succeeded)
}

func TestAtomicPromotion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "doc", 1, true, []byte("h1"), []byte("first"))

	txnID, err := s.StartSaving(ctx, "doc", nil, bytes.NewReader([]byte("h2sec")), 5, SaveOpts{Version: 2, Header: 2})
	require.NoError(t, err)
	require.NotEmpty(t, txnID)

	got, r := readCurrent(t, s, "doc", true)
	require.Equal(t, uint64(1), r.Version)
	require.Equal(t, "h1first", string(got))

	txnID2, err := s.ContinueSaving(ctx, "doc", bytes.NewReader([]byte("ond")), 3, ContinueOpts{TxnID: txnID, Offset: 3, Last: true})
	require.NoError(t, err)
	require.Empty(t, txnID2)

	got, r = readCurrent(t, s, "doc", true)
	require.Equal(t, uint64(2), r.Version)
	require.Equal(t, "h2second", string(got))

	_, err = os.Stat(filepath.Join(s.Root(), "objects", "doc", "1."))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.Root(), "transactions", "doc"))
	require.True(t, os.IsNotExist(err))
}

func TestFailedPromotionKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "doc", 1, true, []byte("h1"), []byte("first"))

	// A folder where version 2 belongs makes the rename fail.
	blocker := filepath.Join(s.Root(), "objects", "doc", "2.")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))
	_, err := s.StartSaving(ctx, "doc", nil, bytes.NewReader([]byte("h2second")), 8, SaveOpts{Version: 2, Header: 2, Last: true})
	require.Error(t, err)

	st, err := s.ObjStatus(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, StateCurrent, st.State)
	require.Equal(t, uint64(1), st.CurrentVersion)
	got, r := readCurrent(t, s, "doc", true)
	require.Equal(t, uint64(1), r.Version)
	require.Equal(t, "h1first", string(got))
	txns, err := s.Transactions()
	require.NoError(t, err)
	require.Empty(t, txns)

	require.NoError(t, os.RemoveAll(blocker))
	saveWhole(t, s, "doc", 2, false, []byte("h2"), []byte("second"))
	got, _ = readCurrent(t, s, "doc", true)
	require.Equal(t, "h2second", string(got))
}

func TestPromotionKeepsArchivedBase(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "doc", 1, true, []byte("h"), []byte("0123456789"))
	_, err := s.ArchiveCurrentObjVersion(ctx, "doc", 1)
	require.NoError(t, err)

	diff := &layout.Diff{BaseVersion: 1, SegsSize: 12, Sections: []layout.Section{
		{Offset: 0, Len: 8},
		{IsNew: true, Offset: 8, Len: 4},
	}}
	_, err = s.StartSaving(ctx, "doc", diff, bytes.NewReader([]byte("hWXYZ")), 5, SaveOpts{Version: 2, Header: 1, Last: true})
	require.NoError(t, err)

	v1Path := filepath.Join(s.Root(), "objects", "doc", "1.")
	_, err = os.Stat(v1Path)
	require.NoError(t, err)
	st, err := s.ObjStatus(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.CurrentVersion)
	require.Equal(t, []uint64{1}, st.ArchivedVersions)

	got, _ := readCurrent(t, s, "doc", false)
	require.Equal(t, "01234567WXYZ", string(got))
	old, err := s.GetArchivedObjVersion(ctx, "doc", 1, false, 0, -1)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, old.Pipe(ctx, &buf))
	require.Equal(t, "0123456789", buf.String())

	// The diff goes with its replacement; the archived base stays.
	saveWhole(t, s, "doc", 3, false, []byte("h"), []byte("fresh"))
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "doc", "2."))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(v1Path)
	require.NoError(t, err)
}

func TestStalledReaderDoesNotBlockCommit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	v1 := bytes.Repeat([]byte("0123456789abcdef"), 64<<10)
	saveWhole(t, s, "big", 1, true, nil, v1)

	r, err := s.GetCurrentObj(ctx, "big", false, 0, -1)
	require.NoError(t, err)
	rc := r.Open(ctx)
	defer rc.Close()
	head := make([]byte, 10)
	_, err = io.ReadFull(rc, head)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.StartSaving(ctx, "big", nil, bytes.NewReader([]byte("replacement")), 11, SaveOpts{Version: 2, Last: true})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("commit waited for a stalled reader")
	}
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "big", "1."))
	require.True(t, os.IsNotExist(err))

	rest, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, v1, append(head, rest...))
	got, _ := readCurrent(t, s, "big", false)
	require.Equal(t, "replacement", string(got))
}

func TestReaderKeepsReplacedVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "doc", 1, true, []byte("h1"), []byte("first"))

	r, err := s.GetCurrentObj(ctx, "doc", true, 0, -1)
	require.NoError(t, err)
	saveWhole(t, s, "doc", 2, false, []byte("h2"), []byte("second"))
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "doc", "1."))
	require.True(t, os.IsNotExist(err))

	var buf bytes.Buffer
	require.NoError(t, r.Pipe(ctx, &buf))
	require.Equal(t, "h1first", buf.String())
	require.Error(t, r.Pipe(ctx, &buf))

	// A diff reader holds its base too.
	diff := &layout.Diff{BaseVersion: 2, SegsSize: 9, Sections: []layout.Section{
		{Offset: 0, Len: 6},
		{IsNew: true, Offset: 6, Len: 3},
	}}
	_, err = s.StartSaving(ctx, "doc", diff, bytes.NewReader([]byte("h3+++")), 5, SaveOpts{Version: 3, Header: 2, Last: true})
	require.NoError(t, err)
	r, err = s.GetCurrentObj(ctx, "doc", false, 0, -1)
	require.NoError(t, err)
	unused, err := s.GetCurrentObj(ctx, "doc", false, 0, -1)
	require.NoError(t, err)
	saveWhole(t, s, "doc", 4, false, nil, []byte("fourth"))
	for _, v := range []string{"2.", "3."} {
		_, err = os.Stat(filepath.Join(s.Root(), "objects", "doc", v))
		require.True(t, os.IsNotExist(err), "version file %s still present", v)
	}
	buf.Reset()
	require.NoError(t, r.Pipe(ctx, &buf))
	require.Equal(t, "second+++", buf.String())
	require.NoError(t, unused.Close())
	require.Error(t, unused.Pipe(ctx, &buf))
}

func TestResentPieceKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "doc", 1, true, []byte("h1"), []byte("first"))

	txnID, err := s.StartSaving(ctx, "doc", nil, bytes.NewReader([]byte("h2sec")), 5, SaveOpts{Version: 2, Header: 2})
	require.NoError(t, err)
	_, err = s.ContinueSaving(ctx, "doc", bytes.NewReader([]byte("sec")), 3, ContinueOpts{TxnID: txnID, Offset: 0})
	require.True(t, errors.Is(err, ErrBadRequest), "unexpected error: %v", err)
	_, err = s.ContinueSaving(ctx, "doc", bytes.NewReader([]byte("econd")), 5, ContinueOpts{TxnID: txnID, Offset: 1, Last: true})
	require.True(t, errors.Is(err, ErrBadRequest), "unexpected error: %v", err)

	txns, err := s.Transactions()
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, txnID, txns[0].ID)

	_, err = s.ContinueSaving(ctx, "doc", bytes.NewReader([]byte("ond")), 3, ContinueOpts{TxnID: txnID, Offset: 3, Last: true})
	require.NoError(t, err)
	got, _ := readCurrent(t, s, "doc", true)
	require.Equal(t, "h2second", string(got))
}

func TestDiffResolution(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	v1 := bytes.Repeat([]byte("abcdefghij"), 10)
	saveWhole(t, s, "d", 1, true, []byte("h1"), v1)

	diff := &layout.Diff{BaseVersion: 1, SegsSize: 150, Sections: []layout.Section{
		{Offset: 0, Len: 100},
		{IsNew: true, Offset: 100, Len: 50},
	}}
	newBytes := bytes.Repeat([]byte{'N'}, 50)
	body := append([]byte("h2"), newBytes...)
	txnID, err := s.StartSaving(ctx, "d", diff, bytes.NewReader(body), uint64(len(body)), SaveOpts{Version: 2, Header: 2, Last: true})
	require.NoError(t, err)
	require.Empty(t, txnID)

	want := append(append([]byte{}, v1...), newBytes...)
	got, _ := readCurrent(t, s, "d", false)
	require.Equal(t, want, got)

	// The base of the current diff stays on disk.
	v1Path := filepath.Join(s.Root(), "objects", "d", "1.")
	_, err = os.Stat(v1Path)
	require.NoError(t, err)

	saveWhole(t, s, "d", 3, false, []byte("h3"), []byte("fresh"))
	for _, v := range []string{"1.", "2."} {
		_, err = os.Stat(filepath.Join(s.Root(), "objects", "d", v))
		require.True(t, os.IsNotExist(err), "version file %s still present", v)
	}
}

func TestDiffUploadInPieces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	v1 := []byte("0123456789")
	saveWhole(t, s, "p", 1, true, nil, v1)

	diff := &layout.Diff{BaseVersion: 1, SegsSize: 16, Sections: []layout.Section{
		{IsNew: true, Offset: 0, Len: 3},
		{Offset: 2, Len: 5},
		{IsNew: true, Offset: 8, Len: 4},
		{Offset: 0, Len: 4},
	}}
	txnID, err := s.StartSaving(ctx, "p", diff, bytes.NewReader([]byte("hAB")), 3, SaveOpts{Version: 2, Header: 1})
	require.NoError(t, err)
	_, err = s.ContinueSaving(ctx, "p", bytes.NewReader([]byte("CDEF")), 4, ContinueOpts{TxnID: txnID, Offset: 2})
	require.NoError(t, err)
	_, err = s.ContinueSaving(ctx, "p", bytes.NewReader([]byte("G")), 1, ContinueOpts{TxnID: txnID, Offset: 6, Last: true})
	require.NoError(t, err)

	got, _ := readCurrent(t, s, "p", true)
	require.Equal(t, "hABC23456DEFG0123", string(got))
}

func TestCancelRestoresState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	txnID, err := s.StartSaving(ctx, "gone", nil, bytes.NewReader([]byte("hhpart")), 6, SaveOpts{IsNewObj: true, Version: 1, Header: 2})
	require.NoError(t, err)

	_, err = s.ObjStatus(ctx, "gone")
	require.True(t, errors.Is(err, ErrObjectUnknown))

	require.True(t, errors.Is(s.CancelTransaction(ctx, "gone", "other"), ErrTransactionUnknown))
	require.NoError(t, s.CancelTransaction(ctx, "gone", txnID))

	_, err = s.GetCurrentObj(ctx, "gone", false, 0, -1)
	require.True(t, errors.Is(err, ErrObjectUnknown))
	for _, dir := range []string{"transactions/gone", "objects/gone"} {
		_, err = os.Stat(filepath.Join(s.Root(), dir))
		require.True(t, os.IsNotExist(err), "%s still present", dir)
	}
	txns, err := s.Transactions()
	require.NoError(t, err)
	require.Empty(t, txns)

	_, err = s.ContinueSaving(ctx, "gone", bytes.NewReader(nil), 0, ContinueOpts{TxnID: txnID, Offset: 4, Last: true})
	require.True(t, errors.Is(err, ErrTransactionUnknown))
}

func TestCancelKeepsExistingObject(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "keep", 1, true, []byte("h"), []byte("v1"))

	_, err := s.StartSaving(ctx, "keep", nil, bytes.NewReader([]byte("hv")), 2, SaveOpts{Version: 2, Header: 1})
	require.NoError(t, err)
	require.NoError(t, s.CancelTransaction(ctx, "keep", ""))

	got, r := readCurrent(t, s, "keep", true)
	require.Equal(t, uint64(1), r.Version)
	require.Equal(t, "hv1", string(got))
}

func TestChunkedUploadMatchesWhole(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{WriteBuffer: 4})
	header := []byte("HEADER")
	segs := bytes.Repeat([]byte("0123456789abcdef"), 8)
	saveWhole(t, s, "whole", 1, true, header, segs)

	first := 5
	body := append(append([]byte{}, header...), segs[:first]...)
	txnID, err := s.StartSaving(ctx, "pieces", nil, bytes.NewReader(body), uint64(len(body)), SaveOpts{
		IsNewObj: true,
		Version:  1,
		Header:   uint64(len(header)),
	})
	require.NoError(t, err)
	ofs := first
	for i, size := range []int{1, 1, 7, 30, 13, 1} {
		piece := segs[ofs : ofs+size]
		got, err := s.ContinueSaving(ctx, "pieces", bytes.NewReader(piece), uint64(size), ContinueOpts{TxnID: txnID, Offset: uint64(ofs)})
		require.NoError(t, err, "piece %d", i)
		require.Equal(t, txnID, got)
		ofs += size
	}
	rest := segs[ofs:]
	got, err := s.ContinueSaving(ctx, "pieces", bytes.NewReader(rest), uint64(len(rest)), ContinueOpts{TxnID: txnID, Offset: uint64(ofs), Last: true})
	require.NoError(t, err)
	require.Empty(t, got)

	whole, wr := readCurrent(t, s, "whole", true)
	pieces, pr := readCurrent(t, s, "pieces", true)
	require.Equal(t, whole, pieces)
	require.Equal(t, wr.SegsLen, pr.SegsLen)

	ws, err := s.ObjStatus(ctx, "whole")
	require.NoError(t, err)
	ps, err := s.ObjStatus(ctx, "pieces")
	require.NoError(t, err)
	require.Equal(t, ws, ps)
}

func TestVersionChecks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "v", 3, true, []byte("h"), []byte("data"))

	_, err := s.StartSaving(ctx, "v", nil, bytes.NewReader([]byte("hx")), 2, SaveOpts{Version: 3, Header: 1, Last: true})
	current, ok := CurrentVersionOf(err)
	require.True(t, ok, "unexpected error: %v", err)
	require.Equal(t, uint64(3), current)

	_, err = s.StartSaving(ctx, "v", nil, bytes.NewReader([]byte("hx")), 2, SaveOpts{IsNewObj: true, Version: 1, Header: 1, Last: true})
	require.True(t, errors.Is(err, ErrObjAlreadyExists))

	_, err = s.StartSaving(ctx, "missing", nil, bytes.NewReader([]byte("hx")), 2, SaveOpts{Version: 2, Header: 1, Last: true})
	require.True(t, errors.Is(err, ErrObjectUnknown))

	_, err = s.StartSaving(ctx, "../escape", nil, bytes.NewReader(nil), 0, SaveOpts{IsNewObj: true, Version: 1, Last: true})
	require.True(t, errors.Is(err, ErrBadObjID))

	// Failed validations release the lock and keep the object.
	saveWhole(t, s, "v", 4, false, []byte("h"), []byte("next"))
	got, _ := readCurrent(t, s, "v", false)
	require.Equal(t, "next", string(got))
}

func TestStreamErrorsCancel(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	_, err := s.StartSaving(ctx, "short", nil, bytes.NewReader([]byte("hhabc")), 10, SaveOpts{IsNewObj: true, Version: 1, Header: 2, Last: true})
	require.True(t, errors.Is(err, chunk.ErrEndOfFile), "unexpected error: %v", err)
	_, err = s.ObjStatus(ctx, "short")
	require.True(t, errors.Is(err, ErrObjectUnknown))

	_, err = s.StartSaving(ctx, "long", nil, bytes.NewReader([]byte("hhabcdef")), 4, SaveOpts{IsNewObj: true, Version: 1, Header: 2, Last: true})
	require.True(t, errors.Is(err, chunk.ErrExcessBytes), "unexpected error: %v", err)

	txns, err := s.Transactions()
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestIncompleteUploadFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	txnID, err := s.StartSaving(ctx, "holes", nil, bytes.NewReader([]byte("hab")), 3, SaveOpts{IsNewObj: true, Version: 1, Header: 1})
	require.NoError(t, err)
	_, err = s.ContinueSaving(ctx, "holes", bytes.NewReader([]byte("yz")), 2, ContinueOpts{TxnID: txnID, Offset: 10, Last: true})
	require.True(t, errors.Is(err, ErrObjFileIncomplete), "unexpected error: %v", err)
	_, err = s.ObjStatus(ctx, "holes")
	require.True(t, errors.Is(err, ErrObjectUnknown))
}

func TestDeleteCurrent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "a", 1, true, []byte("h"), []byte("one"))
	saveWhole(t, s, "b", 1, true, []byte("h"), []byte("one"))
	_, err := s.ArchiveCurrentObjVersion(ctx, "b", 0)
	require.NoError(t, err)
	saveWhole(t, s, "b", 2, false, []byte("h"), []byte("two"))

	err = s.DeleteCurrentObjVersion(ctx, "a", 7)
	_, ok := CurrentVersionOf(err)
	require.True(t, ok)

	require.NoError(t, s.DeleteCurrentObjVersion(ctx, "a", 1))
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "a"))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, s.DeleteCurrentObjVersion(ctx, "b", 0))
	st, err := s.ObjStatus(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, StateArchived, st.State)
	require.Zero(t, st.CurrentVersion)
	_, err = s.GetCurrentObj(ctx, "b", false, 0, -1)
	require.True(t, errors.Is(err, ErrObjectUnknown))
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "b", "2."))
	require.True(t, os.IsNotExist(err))

	objs, err := s.ListObjs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, objs)

	require.NoError(t, s.DeleteArchivedObjVersion(ctx, "b", 1))
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "b"))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteArchivedBaseKeepsDiff(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{WriteBuffer: 3})
	v1 := []byte("the quick brown fox")
	saveWhole(t, s, "chain", 1, true, []byte("h"), v1)
	_, err := s.ArchiveCurrentObjVersion(ctx, "chain", 1)
	require.NoError(t, err)

	diff := &layout.Diff{BaseVersion: 1, SegsSize: 19, Sections: []layout.Section{
		{Offset: 0, Len: 10},
		{IsNew: true, Offset: 10, Len: 5},
		{Offset: 15, Len: 4},
	}}
	_, err = s.StartSaving(ctx, "chain", diff, bytes.NewReader([]byte("hslow ")), 6, SaveOpts{Version: 2, Header: 1, Last: true})
	require.NoError(t, err)
	before, _ := readCurrent(t, s, "chain", false)
	require.Equal(t, "the quick slow  fox", string(before))

	require.NoError(t, s.DeleteArchivedObjVersion(ctx, "chain", 1))
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "chain", "1."))
	require.True(t, os.IsNotExist(err))

	after, _ := readCurrent(t, s, "chain", false)
	require.Equal(t, before, after)
}

func TestDiffResentPieceKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{})
	saveWhole(t, s, "p", 1, true, nil, []byte("0123456789"))

	diff := &layout.Diff{BaseVersion: 1, SegsSize: 16, Sections: []layout.Section{
		{IsNew: true, Offset: 0, Len: 3},
		{Offset: 2, Len: 5},
		{IsNew: true, Offset: 8, Len: 4},
		{Offset: 0, Len: 4},
	}}
	txnID, err := s.StartSaving(ctx, "p", diff, bytes.NewReader([]byte("hAB")), 3, SaveOpts{Version: 2, Header: 1})
	require.NoError(t, err)
	_, err = s.ContinueSaving(ctx, "p", bytes.NewReader([]byte("AB")), 2, ContinueOpts{TxnID: txnID, Offset: 0})
	require.True(t, errors.Is(err, ErrBadRequest), "unexpected error: %v", err)
	_, err = s.ContinueSaving(ctx, "p", bytes.NewReader([]byte("CDEF")), 4, ContinueOpts{TxnID: txnID, Offset: 2})
	require.NoError(t, err)
	_, err = s.ContinueSaving(ctx, "p", bytes.NewReader([]byte("F")), 1, ContinueOpts{TxnID: txnID, Offset: 5})
	require.True(t, errors.Is(err, ErrBadRequest), "unexpected error: %v", err)
	_, err = s.ContinueSaving(ctx, "p", bytes.NewReader([]byte("G")), 1, ContinueOpts{TxnID: txnID, Offset: 6, Last: true})
	require.NoError(t, err)

	got, _ := readCurrent(t, s, "p", true)
	require.Equal(t, "hABC23456DEFG0123", string(got))
}

func TestMaterializeRespectsQuota(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := openTestStore(t, Options{Root: root})
	saveWhole(t, s, "chain", 1, true, []byte("h"), []byte("the quick brown fox"))
	_, err := s.ArchiveCurrentObjVersion(ctx, "chain", 1)
	require.NoError(t, err)
	diff := &layout.Diff{BaseVersion: 1, SegsSize: 19, Sections: []layout.Section{
		{Offset: 0, Len: 10},
		{IsNew: true, Offset: 10, Len: 5},
		{Offset: 15, Len: 4},
	}}
	_, err = s.StartSaving(ctx, "chain", diff, bytes.NewReader([]byte("hslow ")), 6, SaveOpts{Version: 2, Header: 1, Last: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Too little room for the 14 inherited bytes.
	used, err := diskUsage(root)
	require.NoError(t, err)
	s = openTestStore(t, Options{Root: root, Quota: used + 5})
	before := s.Usage().Used
	err = s.DeleteArchivedObjVersion(ctx, "chain", 1)
	require.True(t, errors.Is(err, ErrNotEnoughSpace), "unexpected error: %v", err)
	require.Zero(t, s.Usage().Reserved)
	require.Equal(t, before, s.Usage().Used)

	st, err := s.ObjStatus(ctx, "chain")
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, st.ArchivedVersions)
	_, err = os.Stat(filepath.Join(s.Root(), "objects", "chain", "1."))
	require.NoError(t, err)
	got, _ := readCurrent(t, s, "chain", false)
	require.Equal(t, "the quick slow  fox", string(got))
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, Options{Quota: 8})
	_, err := s.StartSaving(ctx, "big", nil, bytes.NewReader(make([]byte, 20)), 20, SaveOpts{IsNewObj: true, Version: 1, Last: true})
	require.True(t, errors.Is(err, ErrNotEnoughSpace))
	_, err = s.ObjStatus(ctx, "big")
	require.True(t, errors.Is(err, ErrObjectUnknown))
	require.Zero(t, s.Usage().Reserved)
}

func TestReapStaleTransactions(t *testing.T) {
	ctx := context.Background()
	clk := &fakeNow{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, Options{Now: clk.now})
	_, err := s.StartSaving(ctx, "stale", nil, bytes.NewReader([]byte("hh")), 2, SaveOpts{IsNewObj: true, Version: 1, Header: 2})
	require.NoError(t, err)
	clk.advance(30 * time.Minute)
	_, err = s.StartSaving(ctx, "fresh", nil, bytes.NewReader([]byte("hh")), 2, SaveOpts{IsNewObj: true, Version: 1, Header: 2})
	require.NoError(t, err)

	clk.advance(40 * time.Minute)
	reaped, err := s.ReapStaleTransactions(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	require.Equal(t, "stale", reaped[0].ObjID)

	txns, err := s.Transactions()
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, "fresh", txns[0].ObjID)
	require.True(t, txns[0].IsNewObj)
}

func TestEventsRecorded(t *testing.T) {
	ctx := context.Background()
	rec := &eventRecorder{}
	s := openTestStore(t, Options{UserID: "bob", Events: rec})
	saveWhole(t, s, "e", 1, true, []byte("h"), []byte("x"))
	_, err := s.ArchiveCurrentObjVersion(ctx, "e", 1)
	require.NoError(t, err)
	require.NoError(t, s.DeleteCurrentObjVersion(ctx, "e", 1))

	require.Equal(t, []recordedEvent{
		{objID: "e", kind: meta.EventObjChanged, version: 1},
		{objID: "e", kind: meta.EventObjArchived, version: 1},
		{objID: "e", kind: meta.EventObjRemoved, version: 1},
	}, rec.events)
	require.Len(t, rec.usage, 3)
	require.Equal(t, "bob", rec.usage[0].UserID)
	require.Equal(t, int64(1), rec.usage[0].Objects)
}

func TestParams(t *testing.T) {
	s := openTestStore(t, Options{})
	kd, err := GetParam(s, ParamKeyDeriv)
	require.NoError(t, err)
	require.Equal(t, "scrypt", kd.Alg)

	kd.Salt = "c2FsdA"
	require.NoError(t, SetParam(s, ParamKeyDeriv, kd))
	got, err := GetParam(s, ParamKeyDeriv)
	require.NoError(t, err)
	require.Equal(t, kd, got)

	require.NoError(t, SetParam(s, ParamUploadPolicy, UploadPolicy{MaxChunkBytes: 4}))
	_, err = s.StartSaving(context.Background(), "big", nil, bytes.NewReader(make([]byte, 5)), 5, SaveOpts{IsNewObj: true, Version: 1, Last: true})
	require.True(t, errors.Is(err, ErrBadRequest))
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.Close())
	_, err := s.GetCurrentObj(context.Background(), "x", false, 0, -1)
	require.True(t, errors.Is(err, ErrClosed))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(t.TempDir(), Options{})
	t.Cleanup(func() { _ = reg.Close() })
	a1, err := reg.Get("alice")
	require.NoError(t, err)
	a2, err := reg.Get("alice")
	require.NoError(t, err)
	require.Same(t, a1, a2)
	_, err = reg.Get("bob")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, reg.Users())

	_, err = reg.Get("../x")
	require.Error(t, err)
}
