package fs

import (
	"path/filepath"
	"strconv"
)

// Layout defines the on-disk directory layout of one user store.
type Layout struct {
	Root            string
	RootObjDir      string
	ObjectsDir      string
	TransactionsDir string
	ParamsDir       string
}

// NewLayout builds a default layout under the given root.
func NewLayout(root string) Layout {
	return Layout{
		Root:            root,
		RootObjDir:      filepath.Join(root, "root"),
		ObjectsDir:      filepath.Join(root, "objects"),
		TransactionsDir: filepath.Join(root, "transactions"),
		ParamsDir:       filepath.Join(root, "params"),
	}
}

// Dirs lists directories that must exist in a store.
func (l Layout) Dirs() []string {
	return []string{l.RootObjDir, l.ObjectsDir, l.TransactionsDir, l.ParamsDir}
}

// ObjDir is the folder of an object; an empty objID is the root object.
func (l Layout) ObjDir(objID string) string {
	if objID == "" {
		return l.RootObjDir
	}
	return filepath.Join(l.ObjectsDir, objID)
}

func (l Layout) StatusPath(objID string) string {
	return filepath.Join(l.ObjDir(objID), "status")
}

// VersionPath is the permanent location of a version file.
func (l Layout) VersionPath(objID string, version uint64) string {
	return filepath.Join(l.ObjDir(objID), VersionFileName(version))
}

// TxnDir is the transaction folder of an object. Its existence locks the
// object.
func (l Layout) TxnDir(objID string) string {
	if objID == "" {
		return filepath.Join(l.RootObjDir, "transaction")
	}
	return filepath.Join(l.TransactionsDir, objID)
}

func (l Layout) TxnFilePath(objID string) string {
	return filepath.Join(l.TxnDir(objID), "transaction")
}

// TxnVersionPath is where the version being written lives until commit.
func (l Layout) TxnVersionPath(objID string) string {
	return filepath.Join(l.TxnDir(objID), "new")
}

func (l Layout) ParamPath(name string) string {
	return filepath.Join(l.ParamsDir, name)
}

// VersionFileName names the file of a version inside its object folder.
func VersionFileName(version uint64) string {
	return strconv.FormatUint(version, 10) + "."
}

// ParseVersionFileName is the inverse of VersionFileName.
func ParseVersionFileName(name string) (uint64, bool) {
	if len(name) < 2 || name[len(name)-1] != '.' {
		return 0, false
	}
	v, err := strconv.ParseUint(name[:len(name)-1], 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}
