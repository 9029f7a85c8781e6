package store

import (
	"slices"
)

// ObjState is the externally visible state of an object.
type ObjState string

const (
	// StateNew marks an object whose first version is still being written.
	StateNew ObjState = "new"
	// StateCurrent marks an object with a current version.
	StateCurrent ObjState = "current"
	// StateArchived marks an object that only has archived versions.
	StateArchived ObjState = "archived"
)

// ObjStatus is persisted as the "status" file of an object folder.
type ObjStatus struct {
	State            ObjState `json:"state"`
	CurrentVersion   uint64   `json:"currentVersion,omitempty"`
	ArchivedVersions []uint64 `json:"archivedVersions,omitempty"`
}

func (s *ObjStatus) clone() *ObjStatus {
	c := *s
	c.ArchivedVersions = slices.Clone(s.ArchivedVersions)
	return &c
}

func (s *ObjStatus) isArchived(version uint64) bool {
	return slices.Contains(s.ArchivedVersions, version)
}

func (s *ObjStatus) addArchived(version uint64) {
	if s.isArchived(version) {
		return
	}
	s.ArchivedVersions = append(s.ArchivedVersions, version)
	slices.Sort(s.ArchivedVersions)
}

func (s *ObjStatus) removeArchived(version uint64) bool {
	i := slices.Index(s.ArchivedVersions, version)
	if i < 0 {
		return false
	}
	s.ArchivedVersions = slices.Delete(s.ArchivedVersions, i, i+1)
	return true
}

// hasVersion reports whether version is readable, either as the current
// version or from the archive.
func (s *ObjStatus) hasVersion(version uint64) bool {
	return (s.State == StateCurrent && s.CurrentVersion == version) || s.isArchived(version)
}
