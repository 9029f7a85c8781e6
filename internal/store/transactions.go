package store

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kk-code-lab/nstore/internal/meta"
	"github.com/kk-code-lab/nstore/internal/metrics"
	"github.com/kk-code-lab/nstore/internal/storage/layout"
	"github.com/kk-code-lab/nstore/internal/storage/objfile"
)

// TxnType is the kind of work a transaction locks an object for.
type TxnType string

const (
	TxnWrite   TxnType = "write"
	TxnRemove  TxnType = "remove"
	TxnArchive TxnType = "archive"
)

// Transaction is persisted as the "transaction" file of a transaction
// folder. The folder itself is the object lock.
type Transaction struct {
	ID           string       `json:"transactionId"`
	Type         TxnType      `json:"transactionType"`
	Version      uint64       `json:"version"`
	BaseVersion  uint64       `json:"baseVersion,omitempty"`
	IsNewObj     bool         `json:"isNewObj,omitempty"`
	Diff         *layout.Diff `json:"diff,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
}

// TxnInfo describes a transaction found on disk.
type TxnInfo struct {
	ObjID string
	Transaction
	// Broken is set when the lock folder has no readable transaction file.
	Broken bool
}

// startTxn takes the object lock and records t. check validates the
// object's status under the lock; on failure the lock is dropped before the
// error is returned.
func (s *Store) startTxn(objID string, t Transaction, check func(*ObjStatus) error) (*Transaction, error) {
	dir := s.layout.TxnDir(objID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(ErrConcurrentTransaction, "object %q", objID)
		}
		return nil, errors.Wrap(err, "store: create transaction folder")
	}
	now := s.now()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.LastActivity = now
	if err := writeJSONAtomic(s.layout.TxnFilePath(objID), &t); err != nil {
		_ = os.RemoveAll(dir)
		return nil, errors.Wrap(err, "store: write transaction file")
	}
	status, err := s.loadStatus(objID)
	if err == nil {
		err = check(status)
	}
	if err == nil && t.IsNewObj {
		err = s.saveStatus(objID, &ObjStatus{State: StateNew})
	}
	if err != nil {
		// Nothing but the lock was created so far.
		_ = os.RemoveAll(dir)
		return nil, err
	}
	s.txnLog(objID, &t).Debug("transaction started")
	return &t, nil
}

// checkWrite validates a new version write against the object status.
func checkWrite(t *Transaction) func(*ObjStatus) error {
	return func(st *ObjStatus) error {
		if t.IsNewObj {
			if st != nil {
				return ErrObjAlreadyExists
			}
			return nil
		}
		if st == nil || st.State == StateNew {
			return ErrObjectUnknown
		}
		if st.State != StateCurrent || t.Version <= st.CurrentVersion {
			return errors.WithStack(&MismatchedVersionError{Current: st.CurrentVersion})
		}
		if t.Diff != nil && !st.hasVersion(t.Diff.BaseVersion) {
			return errors.Wrapf(ErrObjectVersionUnknown, "diff base %d", t.Diff.BaseVersion)
		}
		return nil
	}
}

// getTxn reads the transaction of objID. A txnID other than "" must match.
func (s *Store) getTxn(objID, txnID string) (*Transaction, error) {
	var t Transaction
	err := readJSON(s.layout.TxnFilePath(objID), &t)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrTransactionUnknown, "object %q", objID)
	}
	if err != nil {
		return nil, err
	}
	if txnID != "" && t.ID != txnID {
		return nil, errors.Wrapf(ErrTransactionUnknown, "object %q transaction %s", objID, txnID)
	}
	return &t, nil
}

func (s *Store) touchTxn(objID string, t *Transaction) error {
	t.LastActivity = s.now()
	return writeJSONAtomic(s.layout.TxnFilePath(objID), t)
}

// completeTxn promotes the finished file of a write transaction to the
// object's current version. f is closed in every case except an
// incomplete file, which stays with the caller.
func (s *Store) completeTxn(ctx context.Context, objID string, t *Transaction, f *objfile.File) error {
	if !f.IsFileComplete() {
		return errors.Wrapf(ErrObjFileIncomplete, "object %q version %d", objID, t.Version)
	}
	defer f.Close()

	unlock := s.statusLocks.lock(objID)
	st, err := s.loadStatus(objID)
	if err != nil {
		unlock()
		return err
	}
	if err := os.MkdirAll(s.layout.ObjDir(objID), 0o755); err != nil {
		unlock()
		return errors.Wrap(err, "store: create object folder")
	}
	if err := f.Move(s.layout.VersionPath(objID, t.Version)); err != nil {
		unlock()
		return err
	}
	var prev uint64
	next := &ObjStatus{State: StateCurrent, CurrentVersion: t.Version}
	if st != nil && st.State != StateNew {
		if st.State == StateCurrent {
			prev = st.CurrentVersion
		}
		next.ArchivedVersions = st.ArchivedVersions
	}
	if err := s.saveStatus(objID, next); err != nil {
		unlock()
		return err
	}
	unlock()

	// The previous version stays while it is archived or is the base of the
	// new diff.
	if prev != 0 && !next.isArchived(prev) && (t.Diff == nil || t.Diff.BaseVersion != prev) {
		if err := s.dropVersionFile(ctx, objID, prev); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"obj": objID, "version": prev}).
				Warn("failed to remove replaced version")
		}
		s.pruneUnreferenced(ctx, objID, next)
	}
	if err := os.RemoveAll(s.layout.TxnDir(objID)); err != nil {
		return errors.Wrap(err, "store: remove transaction folder")
	}
	metrics.TransactionsTotal.WithLabelValues(string(t.Type), "completed").Inc()
	s.txnLog(objID, t).Info("version saved")
	s.recordEvent(ctx, objID, meta.EventObjChanged, t.Version)
	return nil
}

// finishTxn drops the lock of a remove or archive transaction.
func (s *Store) finishTxn(ctx context.Context, objID string, t *Transaction, outcome, event string) {
	if err := os.RemoveAll(s.layout.TxnDir(objID)); err != nil {
		s.txnLog(objID, t).WithError(err).Error("failed to remove transaction folder")
	}
	metrics.TransactionsTotal.WithLabelValues(string(t.Type), outcome).Inc()
	if event != "" {
		s.recordEvent(ctx, objID, event, t.Version)
	}
}

// cancelTxn abandons the transaction of objID. A new object loses its
// status. txnID "" cancels whatever transaction holds the lock, including
// one whose transaction file was never written.
func (s *Store) cancelTxn(objID, txnID string) error {
	dir := s.layout.TxnDir(objID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrTransactionUnknown, "object %q", objID)
		}
		return errors.Wrap(err, "store: stat transaction folder")
	}
	t, err := s.getTxn(objID, txnID)
	switch {
	case err == nil:
	case txnID == "":
		t = nil
	default:
		return err
	}

	unlock := s.statusLocks.lock(objID)
	st, err := s.loadStatus(objID)
	if err == nil && st != nil && st.State == StateNew && (t == nil || t.IsNewObj) {
		err = s.removeNewObj(objID)
	}
	unlock()
	if err != nil {
		return err
	}

	s.files.retire(txnFileKey(objID))
	partial, _ := fileSize(s.layout.TxnVersionPath(objID))
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "store: remove transaction folder")
	}
	s.space.adjust(-partial)
	typ := TxnType("unknown")
	if t != nil {
		typ = t.Type
	}
	metrics.TransactionsTotal.WithLabelValues(string(typ), "canceled").Inc()
	s.log.WithFields(logrus.Fields{"obj": objID, "txn": txnID}).Info("transaction canceled")
	return nil
}

// removeNewObj deletes everything of an object that never got a version.
func (s *Store) removeNewObj(objID string) error {
	if objID == "" {
		return s.removeStatus(objID)
	}
	s.statuses.delete(objID)
	if err := os.RemoveAll(s.layout.ObjDir(objID)); err != nil {
		return errors.Wrap(err, "store: remove object folder")
	}
	return nil
}

// Transactions lists the transactions currently holding object locks.
func (s *Store) Transactions() ([]TxnInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var objIDs []string
	if _, err := os.Stat(s.layout.TxnDir("")); err == nil {
		objIDs = append(objIDs, "")
	}
	entries, err := os.ReadDir(s.layout.TransactionsDir)
	if err != nil {
		return nil, errors.Wrap(err, "store: list transactions")
	}
	for _, e := range entries {
		if e.IsDir() {
			objIDs = append(objIDs, e.Name())
		}
	}
	out := make([]TxnInfo, 0, len(objIDs))
	for _, objID := range objIDs {
		info := TxnInfo{ObjID: objID}
		t, err := s.getTxn(objID, "")
		if err == nil {
			info.Transaction = *t
		} else {
			s.log.WithError(err).WithField("obj", objID).Warn("unreadable transaction")
			info.Broken = true
			if fi, serr := os.Stat(s.layout.TxnDir(objID)); serr == nil {
				info.CreatedAt = fi.ModTime()
				info.LastActivity = fi.ModTime()
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// ReapStaleTransactions cancels transactions idle for longer than maxAge and
// returns them.
func (s *Store) ReapStaleTransactions(ctx context.Context, maxAge time.Duration) ([]TxnInfo, error) {
	txns, err := s.Transactions()
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-maxAge)
	var reaped []TxnInfo
	for _, t := range txns {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		if !t.LastActivity.Before(cutoff) {
			continue
		}
		if err := s.cancelTxn(t.ObjID, ""); err != nil {
			if errors.Is(err, ErrTransactionUnknown) {
				continue
			}
			return reaped, err
		}
		reaped = append(reaped, t)
	}
	return reaped, nil
}

func (s *Store) txnLog(objID string, t *Transaction) *logrus.Entry {
	return s.log.WithFields(logrus.Fields{
		"obj":     objID,
		"txn":     t.ID,
		"type":    t.Type,
		"version": t.Version,
	})
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func dirSize(dir string) int64 {
	n, err := diskUsage(dir)
	if err != nil {
		return 0
	}
	return int64(n)
}
