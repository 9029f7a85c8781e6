package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kk-code-lab/nstore/internal/logging"
	"github.com/kk-code-lab/nstore/internal/meta"
	"github.com/kk-code-lab/nstore/internal/metrics"
	"github.com/kk-code-lab/nstore/internal/storage/chunk"
	"github.com/kk-code-lab/nstore/internal/storage/fs"
	"github.com/kk-code-lab/nstore/internal/storage/layout"
	"github.com/kk-code-lab/nstore/internal/storage/objfile"
	"github.com/kk-code-lab/nstore/internal/storage/objpipe"
)

const defaultCacheWindow = time.Minute

// EventSink receives notifications about committed changes. meta.Store
// implements it.
type EventSink interface {
	RecordObjEvent(ctx context.Context, userID, objID, kind string, version uint64) error
	RecordUsage(ctx context.Context, u meta.Usage) error
}

// Options configures a user store.
type Options struct {
	Root   string
	UserID string
	// Quota in bytes; zero means unlimited.
	Quota uint64
	// WriteBuffer bounds bytes buffered per upload before a flush.
	WriteBuffer int
	// UploadRate in bytes per second shared by all uploads; zero means
	// unlimited.
	UploadRate        uint64
	FileCacheWindow   time.Duration
	StatusCacheWindow time.Duration
	Events            EventSink
	Now               func() time.Time
}

// Store keeps the objects of one user.
type Store struct {
	userID      string
	layout      fs.Layout
	log         *logrus.Entry
	now         func() time.Time
	writeBuffer int
	events      EventSink

	statuses    *timedCache[string, *ObjStatus]
	statusGroup singleflight.Group
	statusLocks *namedLocks
	paramLocks  *namedLocks
	files       *fileCache
	space       *space
	limiter     *uploadLimiter

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// SaveOpts describes the first request of a version upload.
type SaveOpts struct {
	IsNewObj bool
	Version  uint64
	// Header is the length of the version header at the start of the
	// stream.
	Header uint64
	// Last marks the final request of the upload.
	Last bool
}

// ContinueOpts describes a follow-up request of a version upload.
type ContinueOpts struct {
	TxnID string
	// Offset is the segment offset of the first byte. For diff uploads it
	// is the offset in the packed stream of new bytes.
	Offset uint64
	Last   bool
}

// UsageInfo reports space used by a store.
type UsageInfo struct {
	Used     uint64
	Reserved uint64
	Quota    uint64
}

// Open opens or initializes the store folder at opts.Root.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("store: root required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FileCacheWindow <= 0 {
		opts.FileCacheWindow = defaultCacheWindow
	}
	if opts.StatusCacheWindow <= 0 {
		opts.StatusCacheWindow = defaultCacheWindow
	}
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = chunk.DefaultBufferSize
	}
	l := fs.NewLayout(opts.Root)
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "store: create folders")
		}
	}
	used, err := diskUsage(opts.Root)
	if err != nil {
		return nil, err
	}
	s := &Store{
		userID:      opts.UserID,
		layout:      l,
		log:         logging.For("store").WithField("user", opts.UserID),
		now:         opts.Now,
		writeBuffer: opts.WriteBuffer,
		events:      opts.Events,
		statuses:    newTimedCache[string, *ObjStatus](opts.StatusCacheWindow, opts.Now),
		statusLocks: newNamedLocks(),
		paramLocks:  newNamedLocks(),
		space:       newSpace(opts.Quota, used),
		limiter:     newUploadLimiter(opts.UploadRate),
		done:        make(chan struct{}),
	}
	s.files = newFileCache(opts.FileCacheWindow, opts.Now, s.openFile)

	if txns, err := s.Transactions(); err == nil && len(txns) > 0 {
		s.log.WithField("count", len(txns)).Info("found unfinished transactions")
	}
	s.wg.Add(1)
	go s.janitor(min(opts.FileCacheWindow, opts.StatusCacheWindow) / 2)
	return s, nil
}

// Close stops background work and closes cached files.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
		s.files.closeAll()
	})
	return nil
}

// Root returns the store folder.
func (s *Store) Root() string {
	return s.layout.Root
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) janitor(interval time.Duration) {
	defer s.wg.Done()
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.files.sweep()
			s.statuses.sweep()
		}
	}
}

// StartSaving begins a version upload. The stream carries the header
// followed by segment bytes, or by the packed new bytes of diff. It returns
// the transaction id for follow-up requests, or "" when the version was
// committed.
func (s *Store) StartSaving(ctx context.Context, objID string, diff *layout.Diff, r io.Reader, byteLen uint64, o SaveOpts) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if err := checkObjID(objID); err != nil {
		return "", err
	}
	if o.Version == 0 {
		return "", errors.Wrap(ErrBadRequest, "version must be positive")
	}
	if o.Header > byteLen {
		return "", errors.Wrapf(ErrBadRequest, "header of %d bytes in a %d byte request", o.Header, byteLen)
	}
	segsLen := byteLen - o.Header
	if diff != nil {
		if o.IsNewObj {
			return "", errors.Wrap(ErrBadRequest, "a new object cannot be written as a diff")
		}
		if err := diff.Sanitize(o.Version); err != nil {
			return "", err
		}
		if nb := diff.NewBytesLen(); segsLen > nb || (o.Last && segsLen != nb) {
			return "", errors.Wrapf(ErrBadRequest, "%d segment bytes for a diff with %d new bytes", segsLen, nb)
		}
	}
	if err := s.checkUploadPolicy(byteLen); err != nil {
		return "", err
	}
	plan, err := segsPlan(diff, 0, segsLen)
	if err != nil {
		return "", err
	}
	plan = append([]chunk.Planned{{Kind: chunk.KindHeader, Len: o.Header}}, plan...)

	req := Transaction{Type: TxnWrite, Version: o.Version, IsNewObj: o.IsNewObj, Diff: diff}
	if diff != nil {
		req.BaseVersion = diff.BaseVersion
	}
	t, err := s.startTxn(objID, req, checkWrite(&req))
	if err != nil {
		return "", err
	}
	f, err := objfile.CreateNew(s.layout.TxnVersionPath(objID))
	if err != nil {
		return "", s.abortWrite(objID, t, nil, err)
	}
	switch {
	case diff != nil:
		err = f.SetAndFreezeWith(diff)
	case !o.Last:
		err = f.MarkEndless()
	}
	if err == nil {
		err = s.writeStream(ctx, f, plan, r, byteLen)
	}
	if err != nil {
		return "", s.abortWrite(objID, t, f, err)
	}
	if !o.Last {
		_ = f.Close()
		return t.ID, nil
	}
	return "", s.finishWrite(ctx, objID, t, f)
}

// ContinueSaving appends bytes to an upload started by StartSaving.
func (s *Store) ContinueSaving(ctx context.Context, objID string, r io.Reader, byteLen uint64, o ContinueOpts) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if err := checkObjID(objID); err != nil {
		return "", err
	}
	if o.TxnID == "" {
		return "", errors.Wrap(ErrTransactionUnknown, "transaction id required")
	}
	t, err := s.getTxn(objID, o.TxnID)
	if err != nil {
		return "", err
	}
	if t.Type != TxnWrite {
		return "", errors.Wrapf(ErrTransactionUnknown, "transaction %s is a %s transaction", t.ID, t.Type)
	}
	if err := s.checkUploadPolicy(byteLen); err != nil {
		return "", err
	}
	plan, err := segsPlan(t.Diff, o.Offset, byteLen)
	if err != nil {
		return "", err
	}
	f, release, err := s.files.acquire(txnFileKey(objID))
	if err != nil {
		return "", err
	}
	if err := checkUnwritten(f, plan); err != nil {
		release()
		return "", err
	}
	if err := s.touchTxn(objID, t); err != nil {
		release()
		return "", err
	}
	if err := s.writeStream(ctx, f, plan, r, byteLen); err != nil {
		release()
		s.files.forget(txnFileKey(objID))
		return "", s.abortWrite(objID, t, f, err)
	}
	release()
	if !o.Last {
		return t.ID, nil
	}
	s.files.forget(txnFileKey(objID))
	return "", s.finishWrite(ctx, objID, t, f)
}

// CancelTransaction abandons the transaction of objID. An empty txnID
// cancels whichever transaction holds the object.
func (s *Store) CancelTransaction(ctx context.Context, objID, txnID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkObjID(objID); err != nil {
		return err
	}
	return s.cancelTxn(objID, txnID)
}

func (s *Store) finishWrite(ctx context.Context, objID string, t *Transaction, f *objfile.File) error {
	if f.IsEndless() {
		f.TruncateEndless()
		if err := f.SaveLayout(); err != nil {
			return s.abortWrite(objID, t, f, err)
		}
	}
	if err := s.completeTxn(ctx, objID, t, f); err != nil {
		return s.abortWrite(objID, t, f, err)
	}
	return nil
}

// abortWrite releases everything a failed write holds and returns cause.
func (s *Store) abortWrite(objID string, t *Transaction, f *objfile.File, cause error) error {
	if f != nil {
		_ = f.Close()
	}
	if err := s.cancelTxn(objID, t.ID); err != nil && !errors.Is(err, ErrTransactionUnknown) {
		s.txnLog(objID, t).WithError(err).Error("failed to cancel transaction")
	}
	metrics.TransactionsTotal.WithLabelValues(string(t.Type), "failed").Inc()
	s.txnLog(objID, t).WithError(cause).Warn("write failed")
	return cause
}

func (s *Store) writeStream(ctx context.Context, f *objfile.File, plan []chunk.Planned, r io.Reader, n uint64) error {
	res, err := s.space.reserve(n)
	if err != nil {
		return err
	}
	before, _ := f.Size()
	st := chunk.NewStreamer(f, plan, s.writeBuffer)
	err = st.Consume(ctx, s.limiter.wrap(r))
	after, _ := f.Size()
	res.settle(after - before)
	metrics.BytesWrittenTotal.Add(float64(st.Written()))
	return err
}

// checkUnwritten rejects a plan that overlaps segment bytes f already
// stores. A resent piece is refused without touching the transaction.
func checkUnwritten(f *objfile.File, plan []chunk.Planned) error {
	for _, p := range plan {
		if p.Kind != chunk.KindSegs || p.Len == 0 {
			continue
		}
		locs, err := f.SegsLocations(p.SegsOfs, p.Len)
		if err != nil {
			return errors.Wrapf(ErrBadRequest, "segments [%d, %d): %v", p.SegsOfs, p.SegsOfs+p.Len, err)
		}
		for _, c := range locs {
			if c.Type.OnDisk() {
				return errors.Wrapf(ErrBadRequest, "segments at %d already written", c.ThisVerOfs)
			}
		}
	}
	return nil
}

func segsPlan(diff *layout.Diff, ofs, n uint64) ([]chunk.Planned, error) {
	if diff == nil {
		return []chunk.Planned{{Kind: chunk.KindSegs, Len: n, SegsOfs: ofs}}, nil
	}
	spans, err := diff.NewBytesSpans(ofs, n)
	if err != nil {
		return nil, err
	}
	plan := make([]chunk.Planned, 0, len(spans))
	for _, sp := range spans {
		plan = append(plan, chunk.Planned{Kind: chunk.KindSegs, Len: sp.Len, SegsOfs: sp.Offset})
	}
	return plan, nil
}

func (s *Store) checkUploadPolicy(byteLen uint64) error {
	p, err := GetParam(s, ParamUploadPolicy)
	if err != nil {
		return err
	}
	if p.MaxChunkBytes > 0 && byteLen > p.MaxChunkBytes {
		return errors.Wrapf(ErrBadRequest, "request of %d bytes exceeds %d", byteLen, p.MaxChunkBytes)
	}
	return nil
}

// ObjReader reads a range of one object version. It holds the version file
// and the diff bases it reads from, so a later commit or delete cannot take
// them away. Pipe, or Open's stream, releases them when done; Close does so
// for a reader that is never piped.
type ObjReader struct {
	Version uint64
	// Len is the number of bytes the reader produces.
	Len uint64
	// SegsLen is the total segment length of the version.
	SegsLen   uint64
	HeaderLen uint64

	s             *Store
	objID         string
	kind          string
	includeHeader bool
	segsOfs       uint64
	segsN         uint64

	pinned   map[uint64]*objfile.File
	releases []func()
	used     atomic.Bool
	once     sync.Once
}

// Pipe writes the selected bytes into w. A reader pipes once.
func (r *ObjReader) Pipe(ctx context.Context, w io.Writer) error {
	if !r.used.CompareAndSwap(false, true) {
		return errors.Wrapf(objfile.ErrClosed, "object %q version %d reader", r.objID, r.Version)
	}
	defer r.release()
	metrics.ObjReadsTotal.WithLabelValues(r.kind).Inc()
	return objpipe.Make(r.pinned[r.Version], r.objID, r.includeHeader, r.segsOfs, r.segsN, r.resolve)(ctx, w)
}

// Open returns the selected bytes as a stream.
func (r *ObjReader) Open(ctx context.Context) io.ReadCloser {
	return objpipe.Open(ctx, r.Pipe)
}

// Close releases the files of a reader that was never piped.
func (r *ObjReader) Close() error {
	if r.used.CompareAndSwap(false, true) {
		r.release()
	}
	return nil
}

func (r *ObjReader) release() {
	r.once.Do(func() {
		for _, rel := range r.releases {
			rel()
		}
	})
}

func (r *ObjReader) resolve(ctx context.Context, objID string, version uint64) (objpipe.File, func(), error) {
	if f, ok := r.pinned[version]; ok && objID == r.objID {
		return f, func() {}, nil
	}
	return r.s.resolve(ctx, objID, version)
}

// GetCurrentObj returns a reader of the current version of objID.
// segsLimit < 0 reads to the end of the segments.
func (s *Store) GetCurrentObj(ctx context.Context, objID string, includeHeader bool, segsOfs uint64, segsLimit int64) (*ObjReader, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkObjID(objID); err != nil {
		return nil, err
	}
	// A commit may replace the version between the status read and the pin.
	for attempt := 0; ; attempt++ {
		st, err := s.loadStatus(objID)
		if err != nil {
			return nil, err
		}
		if st == nil || st.State != StateCurrent {
			return nil, errors.Wrapf(ErrObjectUnknown, "object %q", objID)
		}
		r, err := s.reader(objID, st.CurrentVersion, "current", includeHeader, segsOfs, segsLimit)
		if err == nil || attempt == 2 || !errors.Is(err, ErrObjectVersionUnknown) {
			return r, err
		}
	}
}

// GetArchivedObjVersion returns a reader of an archived version of objID.
func (s *Store) GetArchivedObjVersion(ctx context.Context, objID string, version uint64, includeHeader bool, segsOfs uint64, segsLimit int64) (*ObjReader, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkObjID(objID); err != nil {
		return nil, err
	}
	st, err := s.loadStatus(objID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.State == StateNew {
		return nil, errors.Wrapf(ErrObjectUnknown, "object %q", objID)
	}
	if !st.isArchived(version) {
		return nil, errors.Wrapf(ErrObjectVersionUnknown, "object %q version %d", objID, version)
	}
	return s.reader(objID, version, "archived", includeHeader, segsOfs, segsLimit)
}

func (s *Store) reader(objID string, version uint64, kind string, includeHeader bool, segsOfs uint64, segsLimit int64) (*ObjReader, error) {
	r := &ObjReader{
		Version:       version,
		s:             s,
		objID:         objID,
		kind:          kind,
		includeHeader: includeHeader,
		pinned:        make(map[uint64]*objfile.File),
	}
	if err := r.pin(version); err != nil {
		r.release()
		return nil, err
	}
	f := r.pinned[version]
	r.SegsLen = f.TotalSegsLen()
	r.HeaderLen = f.HeaderLen()
	r.segsOfs = min(segsOfs, r.SegsLen)
	r.segsN = r.SegsLen - r.segsOfs
	if segsLimit >= 0 && uint64(segsLimit) < r.segsN {
		r.segsN = uint64(segsLimit)
	}
	r.Len = r.segsN
	if includeHeader {
		r.Len += r.HeaderLen
	}
	return r, nil
}

// pin acquires version and every base it still reads from.
func (r *ObjReader) pin(version uint64) error {
	for v := version; v != 0; {
		f, release, err := r.s.files.acquire(fileKey{objID: r.objID, version: v})
		if err != nil {
			return err
		}
		r.pinned[v] = f
		r.releases = append(r.releases, release)
		base := f.BaseVersion()
		if base == 0 || base >= v || !readsFromBase(f.Chunks()) {
			return nil
		}
		v = base
	}
	return nil
}

func (s *Store) resolve(_ context.Context, objID string, version uint64) (objpipe.File, func(), error) {
	f, release, err := s.files.acquire(fileKey{objID: objID, version: version})
	if err != nil {
		return nil, nil, err
	}
	return f, release, nil
}

func txnFileKey(objID string) fileKey {
	return fileKey{objID: objID}
}

// openFile opens version files for the cache. Version 0 is the file of the
// object's write transaction.
func (s *Store) openFile(k fileKey) (*objfile.File, error) {
	path := s.layout.TxnVersionPath(k.objID)
	if k.version != 0 {
		path = s.layout.VersionPath(k.objID, k.version)
	}
	f, err := objfile.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, os.ErrNotExist) && k.version == 0:
		return nil, errors.Wrapf(ErrTransactionUnknown, "object %q", k.objID)
	case errors.Is(err, os.ErrNotExist):
		return nil, errors.Wrapf(ErrObjectVersionUnknown, "object %q version %d", k.objID, k.version)
	case errors.Is(err, objfile.ErrParsing):
		s.log.WithError(err).WithField("path", path).Error("cannot parse version file")
	}
	return nil, err
}

// DeleteCurrentObjVersion removes the current version of objID. version 0
// matches any current version. An object without archived versions is
// removed completely.
func (s *Store) DeleteCurrentObjVersion(ctx context.Context, objID string, version uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkObjID(objID); err != nil {
		return err
	}
	t, err := s.startTxn(objID, Transaction{Type: TxnRemove, Version: version}, func(st *ObjStatus) error {
		if st == nil || st.State != StateCurrent {
			return errors.Wrapf(ErrObjectUnknown, "object %q", objID)
		}
		if version != 0 && version != st.CurrentVersion {
			return errors.WithStack(&MismatchedVersionError{Current: st.CurrentVersion})
		}
		return nil
	})
	if err != nil {
		return err
	}
	outcome := "failed"
	defer func() { s.finishTxn(ctx, objID, t, outcome, "") }()

	unlock := s.statusLocks.lock(objID)
	st, err := s.loadStatus(objID)
	if err != nil {
		unlock()
		return err
	}
	cur := st.CurrentVersion
	t.Version = cur
	if len(st.ArchivedVersions) == 0 {
		err = s.removeObjFolder(objID)
		unlock()
		if err != nil {
			return err
		}
	} else {
		st.State = StateArchived
		st.CurrentVersion = 0
		err = s.saveStatus(objID, st)
		unlock()
		if err != nil {
			return err
		}
		if !st.isArchived(cur) {
			if err := s.dropVersionFile(ctx, objID, cur); err != nil {
				return err
			}
		}
		s.pruneUnreferenced(ctx, objID, st)
	}
	outcome = "completed"
	s.recordEvent(ctx, objID, meta.EventObjRemoved, cur)
	return nil
}

// ArchiveCurrentObjVersion adds the current version of objID to its
// archive. version 0 matches any current version.
func (s *Store) ArchiveCurrentObjVersion(ctx context.Context, objID string, version uint64) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if err := checkObjID(objID); err != nil {
		return 0, err
	}
	t, err := s.startTxn(objID, Transaction{Type: TxnArchive, Version: version}, func(st *ObjStatus) error {
		if st == nil || st.State != StateCurrent {
			return errors.Wrapf(ErrObjectUnknown, "object %q", objID)
		}
		if version != 0 && version != st.CurrentVersion {
			return errors.WithStack(&MismatchedVersionError{Current: st.CurrentVersion})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	unlock := s.statusLocks.lock(objID)
	st, err := s.loadStatus(objID)
	if err == nil {
		t.Version = st.CurrentVersion
		st.addArchived(st.CurrentVersion)
		err = s.saveStatus(objID, st)
	}
	unlock()
	if err != nil {
		s.finishTxn(ctx, objID, t, "failed", "")
		return 0, err
	}
	s.finishTxn(ctx, objID, t, "completed", meta.EventObjArchived)
	return t.Version, nil
}

// DeleteArchivedObjVersion removes one archived version of objID. Versions
// that use it as a diff base get its bytes copied in first.
func (s *Store) DeleteArchivedObjVersion(ctx context.Context, objID string, version uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := checkObjID(objID); err != nil {
		return err
	}
	t, err := s.startTxn(objID, Transaction{Type: TxnRemove, Version: version}, func(st *ObjStatus) error {
		if st == nil || st.State == StateNew {
			return errors.Wrapf(ErrObjectUnknown, "object %q", objID)
		}
		if !st.isArchived(version) {
			return errors.Wrapf(ErrObjectVersionUnknown, "object %q version %d", objID, version)
		}
		return nil
	})
	if err != nil {
		return err
	}
	outcome := "failed"
	defer func() { s.finishTxn(ctx, objID, t, outcome, "") }()

	unlock := s.statusLocks.lock(objID)
	st, err := s.loadStatus(objID)
	if err != nil {
		unlock()
		return err
	}
	st.removeArchived(version)
	if st.State == StateArchived && len(st.ArchivedVersions) == 0 {
		err = s.removeObjFolder(objID)
		unlock()
		if err != nil {
			return err
		}
	} else {
		keepFile := st.State == StateCurrent && st.CurrentVersion == version
		if !keepFile {
			if err := s.materializeDependents(ctx, objID, version); err != nil {
				unlock()
				return err
			}
		}
		err = s.saveStatus(objID, st)
		unlock()
		if err != nil {
			return err
		}
		if !keepFile {
			if err := s.dropVersionFile(ctx, objID, version); err != nil {
				return err
			}
		}
		s.pruneUnreferenced(ctx, objID, st)
	}
	outcome = "completed"
	s.recordEvent(ctx, objID, meta.EventObjRemoved, version)
	return nil
}

// ListObjArchive returns archived versions of objID in ascending order.
func (s *Store) ListObjArchive(ctx context.Context, objID string) ([]uint64, error) {
	st, err := s.ObjStatus(ctx, objID)
	if err != nil {
		return nil, err
	}
	if st.ArchivedVersions == nil {
		return []uint64{}, nil
	}
	return st.ArchivedVersions, nil
}

// ObjStatus returns the status of objID. Objects whose first version is
// still being written are unknown.
func (s *Store) ObjStatus(ctx context.Context, objID string) (*ObjStatus, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkObjID(objID); err != nil {
		return nil, err
	}
	st, err := s.loadStatus(objID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.State == StateNew {
		return nil, errors.Wrapf(ErrObjectUnknown, "object %q", objID)
	}
	return st, nil
}

// ListObjs returns ids of non-root objects with a current or archived
// version, sorted.
func (s *Store) ListObjs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.layout.ObjectsDir)
	if err != nil {
		return nil, errors.Wrap(err, "store: list objects")
	}
	var out []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		st, err := s.loadStatus(e.Name())
		if err != nil {
			return nil, err
		}
		if st != nil && st.State != StateNew {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Usage reports the space accounting of the store.
func (s *Store) Usage() UsageInfo {
	used, reserved, quota := s.space.snapshot()
	return UsageInfo{Used: used, Reserved: reserved, Quota: quota}
}

// VersionInfo reads the layout summary of one stored version file. It does not
// check the object status.
func (s *Store) VersionInfo(objID string, version uint64) (VersionInfo, error) {
	if err := s.checkOpen(); err != nil {
		return VersionInfo{}, err
	}
	f, release, err := s.files.acquire(fileKey{objID: objID, version: version})
	if err != nil {
		return VersionInfo{}, err
	}
	defer release()
	size, err := f.Size()
	if err != nil {
		return VersionInfo{}, err
	}
	return VersionInfo{
		Path:        f.Path(),
		Size:        size,
		HeaderLen:   f.HeaderLen(),
		SegsLen:     f.TotalSegsLen(),
		BaseVersion: f.BaseVersion(),
		Complete:    f.IsFileComplete(),
		Chunks:      f.Chunks(),
	}, nil
}

// VersionInfo summarizes a version file.
type VersionInfo struct {
	Path        string
	Size        int64
	HeaderLen   uint64
	SegsLen     uint64
	BaseVersion uint64
	Complete    bool
	Chunks      []layout.Chunk
}

func (s *Store) loadStatus(objID string) (*ObjStatus, error) {
	if st, ok := s.statuses.get(objID); ok {
		return st.clone(), nil
	}
	v, err, _ := s.statusGroup.Do(objID, func() (any, error) {
		gen := s.statuses.generation()
		path := s.layout.StatusPath(objID)
		var st ObjStatus
		err := readJSON(path, &st)
		if errors.Is(err, os.ErrNotExist) {
			return (*ObjStatus)(nil), nil
		}
		if err != nil {
			s.log.WithError(err).WithField("path", path).Error("cannot read object status")
			return nil, err
		}
		s.statuses.setIfUnchanged(objID, &st, gen)
		return &st, nil
	})
	if err != nil {
		return nil, err
	}
	st := v.(*ObjStatus)
	if st == nil {
		return nil, nil
	}
	return st.clone(), nil
}

func (s *Store) saveStatus(objID string, st *ObjStatus) error {
	if err := os.MkdirAll(s.layout.ObjDir(objID), 0o755); err != nil {
		return errors.Wrap(err, "store: create object folder")
	}
	if err := writeJSONAtomic(s.layout.StatusPath(objID), st); err != nil {
		return errors.Wrapf(err, "store: save status of %q", objID)
	}
	s.statuses.set(objID, st.clone())
	return nil
}

func (s *Store) removeStatus(objID string) error {
	s.statuses.delete(objID)
	if err := os.Remove(s.layout.StatusPath(objID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "store: remove status")
	}
	return nil
}

// removeObjFolder deletes all files of an object. The root object keeps
// its folder and lock.
func (s *Store) removeObjFolder(objID string) error {
	s.files.retireObj(objID)
	s.statuses.delete(objID)
	dir := s.layout.ObjDir(objID)
	if objID != "" {
		freed := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrap(err, "store: remove object folder")
		}
		s.space.adjust(-freed)
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "store: list root object")
	}
	lock := s.layout.TxnDir("")
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if path == lock {
			continue
		}
		freed := dirSize(path)
		if e.Type().IsRegular() {
			freed, _ = fileSize(path)
		}
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrap(err, "store: remove root object file")
		}
		s.space.adjust(-freed)
	}
	return nil
}

// dropVersionFile deletes the file of one version. The path goes away at
// once; readers still holding the handle finish on the unlinked file.
func (s *Store) dropVersionFile(ctx context.Context, objID string, version uint64) error {
	path := s.layout.VersionPath(objID, version)
	size, _ := fileSize(path)
	s.files.retire(fileKey{objID: objID, version: version})
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "store: remove version file")
	}
	s.space.adjust(-size)
	s.log.WithFields(logrus.Fields{"obj": objID, "version": version}).Debug("version file removed")
	return nil
}

// LiveVersions returns the versions of objID that must stay on disk: the
// current and archived versions and, transitively, the diff bases they
// still read from.
func (s *Store) LiveVersions(objID string, st *ObjStatus) (map[uint64]bool, error) {
	live := make(map[uint64]bool)
	var queue []uint64
	if st.State == StateCurrent {
		queue = append(queue, st.CurrentVersion)
	}
	queue = append(queue, st.ArchivedVersions...)
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if live[v] {
			continue
		}
		live[v] = true
		f, release, err := s.files.acquire(fileKey{objID: objID, version: v})
		if err != nil {
			return nil, err
		}
		if base := f.BaseVersion(); base != 0 && readsFromBase(f.Chunks()) {
			queue = append(queue, base)
		}
		release()
	}
	return live, nil
}

func readsFromBase(chunks []layout.Chunk) bool {
	for _, c := range chunks {
		if c.Type == layout.ChunkBase {
			return true
		}
	}
	return false
}

// pruneUnreferenced deletes version files of objID that no live version
// needs any more. Failures are logged.
func (s *Store) pruneUnreferenced(ctx context.Context, objID string, st *ObjStatus) {
	log := s.log.WithField("obj", objID)
	live, err := s.LiveVersions(objID, st)
	if err != nil {
		log.WithError(err).Warn("cannot resolve live versions")
		return
	}
	entries, err := os.ReadDir(s.layout.ObjDir(objID))
	if err != nil {
		log.WithError(err).Warn("cannot list object versions")
		return
	}
	for _, e := range entries {
		v, ok := fs.ParseVersionFileName(e.Name())
		if !ok || live[v] {
			continue
		}
		if err := s.dropVersionFile(ctx, objID, v); err != nil {
			log.WithError(err).WithField("version", v).Warn("failed to remove unreferenced version")
		}
	}
}

// materializeDependents copies the bytes that later versions inherit from
// version into their own files, so version can be deleted.
func (s *Store) materializeDependents(ctx context.Context, objID string, version uint64) error {
	entries, err := os.ReadDir(s.layout.ObjDir(objID))
	if err != nil {
		return errors.Wrap(err, "store: list object versions")
	}
	for _, e := range entries {
		v, ok := fs.ParseVersionFileName(e.Name())
		if !ok || v <= version {
			continue
		}
		if err := s.materializeBase(ctx, objID, v, version); err != nil {
			return errors.Wrapf(err, "store: copy base %d into version %d", version, v)
		}
	}
	return nil
}

func (s *Store) materializeBase(ctx context.Context, objID string, version, base uint64) error {
	f, release, err := s.files.acquire(fileKey{objID: objID, version: version})
	if err != nil {
		return err
	}
	defer release()
	if f.BaseVersion() != base {
		return nil
	}
	bf, releaseBase, err := s.files.acquire(fileKey{objID: objID, version: base})
	if err != nil {
		return err
	}
	defer releaseBase()

	chunks := f.Chunks()
	var need uint64
	for _, c := range chunks {
		if c.Type == layout.ChunkBase {
			need += c.Len
		}
	}
	res, err := s.space.reserve(need)
	if err != nil {
		return err
	}
	before, _ := f.Size()
	defer func() {
		after, _ := f.Size()
		res.settle(after - before)
	}()
	for _, c := range chunks {
		if c.Type != layout.ChunkBase {
			continue
		}
		rc := objpipe.Open(ctx, objpipe.Make(bf, objID, false, c.BaseVerOfs, c.Len, s.resolve))
		n, err := chunk.Pieces(rc, s.writeBuffer, func(p chunk.Piece) error {
			return f.SaveBaseSegs(p.Data, c.ThisVerOfs+p.Ofs, c.BaseVerOfs+p.Ofs, false)
		})
		_ = rc.Close()
		if err == nil && n != c.Len {
			err = errors.Errorf("store: base range of %d bytes yielded %d", c.Len, n)
		}
		if err != nil {
			return err
		}
	}
	if err := f.SaveLayout(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"obj": objID, "version": version, "base": base}).Info("base bytes copied into version")
	return nil
}

func (s *Store) recordEvent(ctx context.Context, objID, kind string, version uint64) {
	if s.events == nil {
		return
	}
	log := s.log.WithFields(logrus.Fields{"obj": objID, "version": version, "event": kind})
	if err := s.events.RecordObjEvent(ctx, s.userID, objID, kind, version); err != nil {
		log.WithError(err).Warn("failed to record object event")
	}
	used, _, quota := s.space.snapshot()
	u := meta.Usage{UserID: s.userID, UsedBytes: int64(used), QuotaBytes: int64(quota), Objects: s.countObjs()}
	if err := s.events.RecordUsage(ctx, u); err != nil {
		log.WithError(err).Warn("failed to record usage")
	}
}

func (s *Store) countObjs() int64 {
	var n int64
	if _, err := os.Stat(s.layout.StatusPath("")); err == nil {
		n++
	}
	entries, err := os.ReadDir(s.layout.ObjectsDir)
	if err != nil {
		return n
	}
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}
