package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kk-code-lab/nstore/internal/store"
	storefs "github.com/kk-code-lab/nstore/internal/storage/fs"
	"github.com/kk-code-lab/nstore/internal/storage/layout"
	"github.com/kk-code-lab/nstore/internal/storage/objfile"
)

// Report summarizes an ops run.
type Report struct {
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Mode             string    `json:"mode"`
	Objects          int       `json:"objects"`
	VersionFiles     int       `json:"version_files"`
	Transactions     int       `json:"transactions"`
	UsedBytes        int64     `json:"used_bytes,omitempty"`
	Errors           int       `json:"errors"`
	ErrorSample      []string  `json:"error_sample,omitempty"`
	Candidates       int       `json:"candidates,omitempty"`
	CandidateIDs     []string  `json:"candidate_ids,omitempty"`
	Reaped           int       `json:"reaped,omitempty"`
	Reclaimed        int64     `json:"reclaimed_bytes,omitempty"`
	MissingVersions  int       `json:"missing_versions,omitempty"`
	UnparsableFiles  int       `json:"unparsable_files,omitempty"`
	IncompleteFiles  int       `json:"incomplete_files,omitempty"`
	BrokenBaseChains int       `json:"broken_base_chains,omitempty"`
	OrphanFiles      int       `json:"orphan_files,omitempty"`
	StaleNewObjects  int       `json:"stale_new_objects,omitempty"`
}

func (r *Report) addError(err error) {
	r.Errors++
	if len(r.ErrorSample) < 5 {
		r.ErrorSample = append(r.ErrorSample, err.Error())
	}
}

// Status collects basic counts about a user store.
func Status(l storefs.Layout) (*Report, error) {
	report := &Report{Mode: "status", StartedAt: now()}
	objIDs, err := listObjIDs(l)
	if err != nil {
		return nil, err
	}
	report.Objects = len(objIDs)
	for _, objID := range objIDs {
		versions, err := listVersionFiles(l, objID)
		if err != nil {
			return nil, err
		}
		report.VersionFiles += len(versions)
	}
	txns, err := listTxnObjIDs(l)
	if err != nil {
		return nil, err
	}
	report.Transactions = len(txns)
	report.UsedBytes, err = usedBytes(l.Root)
	if err != nil {
		return nil, err
	}
	report.FinishedAt = now()
	return report, nil
}

// Fsck checks object statuses against version files: listed versions must
// parse and be complete, diff bases must be present, and every file must be
// reachable from a listed version.
func Fsck(l storefs.Layout) (*Report, error) {
	report := &Report{Mode: "fsck", StartedAt: now()}
	objIDs, err := listObjIDs(l)
	if err != nil {
		return nil, err
	}
	report.Objects = len(objIDs)
	locked, err := listTxnObjIDs(l)
	if err != nil {
		return nil, err
	}
	report.Transactions = len(locked)
	lockedSet := make(map[string]bool, len(locked))
	for _, objID := range locked {
		lockedSet[objID] = true
		var t store.Transaction
		if err := readJSON(l.TxnFilePath(objID), &t); err != nil {
			report.addError(fmt.Errorf("transaction of %q unreadable: %w", objID, err))
		}
	}

	for _, objID := range objIDs {
		fsckObj(l, objID, lockedSet[objID], report)
	}
	report.FinishedAt = now()
	return report, nil
}

func fsckObj(l storefs.Layout, objID string, locked bool, report *Report) {
	versions, err := listVersionFiles(l, objID)
	if err != nil {
		report.addError(err)
		return
	}
	report.VersionFiles += len(versions)

	var st store.ObjStatus
	if err := readJSON(l.StatusPath(objID), &st); err != nil {
		report.addError(fmt.Errorf("status of %q unreadable: %w", objID, err))
		return
	}
	if st.State == store.StateNew {
		if !locked {
			report.StaleNewObjects++
			report.addError(fmt.Errorf("object %q is new without a transaction", objID))
		}
		return
	}

	onDisk := make(map[uint64]bool, len(versions))
	for _, v := range versions {
		onDisk[v] = true
	}
	var queue []uint64
	if st.State == store.StateCurrent {
		queue = append(queue, st.CurrentVersion)
	}
	queue = append(queue, st.ArchivedVersions...)
	live := make(map[uint64]bool)
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if live[v] {
			continue
		}
		live[v] = true
		if !onDisk[v] {
			report.MissingVersions++
			report.addError(fmt.Errorf("object %q version %d has no file", objID, v))
			continue
		}
		base, needsBase, ok := checkVersionFile(l.VersionPath(objID, v), report)
		if !ok || !needsBase {
			continue
		}
		if base >= v || !onDisk[base] {
			report.BrokenBaseChains++
			report.addError(fmt.Errorf("object %q version %d: base %d unavailable", objID, v, base))
		}
		queue = append(queue, base)
	}
	for _, v := range versions {
		if !live[v] {
			report.OrphanFiles++
			report.addError(fmt.Errorf("object %q version file %d is not referenced", objID, v))
		}
	}
}

// checkVersionFile parses a version file. It returns the base version and
// whether any chunk still reads from it.
func checkVersionFile(path string, report *Report) (uint64, bool, bool) {
	f, err := objfile.Open(path)
	if err != nil {
		if errors.Is(err, objfile.ErrParsing) {
			report.UnparsableFiles++
		}
		report.addError(err)
		return 0, false, false
	}
	defer f.Close()
	if !f.IsFileComplete() {
		report.IncompleteFiles++
		report.addError(fmt.Errorf("%s is incomplete", path))
	}
	needsBase := false
	for _, c := range f.Chunks() {
		if c.Type == layout.ChunkBase {
			needsBase = true
			break
		}
	}
	return f.BaseVersion(), needsBase, true
}

// ReapPlan lists transactions idle for longer than maxAge.
func ReapPlan(root string, maxAge time.Duration) (*Report, []store.TxnInfo, error) {
	report := &Report{Mode: "reap-plan", StartedAt: now()}
	s, err := store.Open(store.Options{Root: root, Now: now})
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()
	txns, err := s.Transactions()
	if err != nil {
		return nil, nil, err
	}
	report.Transactions = len(txns)
	cutoff := now().Add(-maxAge)
	var candidates []store.TxnInfo
	for _, t := range txns {
		if t.LastActivity.Before(cutoff) {
			candidates = append(candidates, t)
			report.CandidateIDs = append(report.CandidateIDs, txnLabel(t))
		}
	}
	report.Candidates = len(candidates)
	report.FinishedAt = now()
	return report, candidates, nil
}

// ReapRun cancels transactions idle for longer than maxAge.
func ReapRun(ctx context.Context, root string, maxAge time.Duration, force bool) (*Report, error) {
	if !force {
		return nil, errors.New("reap: refuse to run without --force")
	}
	report := &Report{Mode: "reap-run", StartedAt: now()}
	s, err := store.Open(store.Options{Root: root, Now: now})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	before := s.Usage().Used
	reaped, err := s.ReapStaleTransactions(ctx, maxAge)
	if err != nil {
		report.addError(err)
	}
	for _, t := range reaped {
		report.CandidateIDs = append(report.CandidateIDs, txnLabel(t))
	}
	report.Candidates = len(reaped)
	report.Reaped = len(reaped)
	if after := s.Usage().Used; after < before {
		report.Reclaimed = int64(before - after)
	}
	report.FinishedAt = now()
	return report, nil
}

func txnLabel(t store.TxnInfo) string {
	objID := t.ObjID
	if objID == "" {
		objID = "<root>"
	}
	if t.Broken {
		return objID + ":broken"
	}
	return objID + ":" + t.ID
}

// Snapshot copies the metadata database files and writes a status report
// next to them.
func Snapshot(l storefs.Layout, metaPath string, outDir string) (*Report, error) {
	if outDir == "" {
		return nil, errors.New("ops: snapshot output dir required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if metaPath != "" {
		_ = copyFile(metaPath, filepath.Join(outDir, "meta.db"))
		_ = copyFile(metaPath+"-wal", filepath.Join(outDir, "meta.db-wal"))
		_ = copyFile(metaPath+"-shm", filepath.Join(outDir, "meta.db-shm"))
	}
	report, err := Status(l)
	if err != nil {
		return nil, err
	}
	report.Mode = "snapshot"
	if err := writeJSON(filepath.Join(outDir, "snapshot.json"), report); err != nil {
		return nil, err
	}
	return report, nil
}

// listObjIDs returns objects with a status file; "" is the root object.
func listObjIDs(l storefs.Layout) ([]string, error) {
	var out []string
	if _, err := os.Stat(l.StatusPath("")); err == nil {
		out = append(out, "")
	}
	entries, err := os.ReadDir(l.ObjectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

func listVersionFiles(l storefs.Layout, objID string) ([]uint64, error) {
	files, err := listFiles(l.ObjDir(objID))
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, path := range files {
		if v, ok := storefs.ParseVersionFileName(filepath.Base(path)); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func listTxnObjIDs(l storefs.Layout) ([]string, error) {
	var out []string
	if _, err := os.Stat(l.TxnDir("")); err == nil {
		out = append(out, "")
	}
	entries, err := os.ReadDir(l.TransactionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	return out, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	return out, nil
}

func usedBytes(root string) (int64, error) {
	var total int64
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
		total += info.Size()
		return nil
	})
	return total, err
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
