package store

import (
	"os"

	"github.com/pkg/errors"
)

// Param names a per-user configuration value of type T, stored as JSON in
// the params folder.
type Param[T any] struct {
	Name    string
	Default func() T
}

// KeyDerivParams describes how a user's master key is derived from a
// passphrase.
type KeyDerivParams struct {
	Alg  string `json:"alg"`
	Salt string `json:"salt"`
	LogN int    `json:"logN"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

// UploadPolicy limits object writes of a user.
type UploadPolicy struct {
	MaxChunkBytes uint64 `json:"maxChunkBytes"`
}

var (
	ParamKeyDeriv = Param[KeyDerivParams]{
		Name:    "key-deriv",
		Default: func() KeyDerivParams { return KeyDerivParams{Alg: "scrypt", LogN: 17, R: 8, P: 1} },
	}
	ParamUploadPolicy = Param[UploadPolicy]{
		Name:    "upload-policy",
		Default: func() UploadPolicy { return UploadPolicy{} },
	}
)

// GetParam returns the stored value of p or its default when unset.
func GetParam[T any](s *Store, p Param[T]) (T, error) {
	var v T
	if err := s.checkOpen(); err != nil {
		return v, err
	}
	unlock := s.paramLocks.lock(p.Name)
	defer unlock()
	err := readJSON(s.layout.ParamPath(p.Name), &v)
	if errors.Is(err, os.ErrNotExist) {
		if p.Default != nil {
			return p.Default(), nil
		}
		return v, nil
	}
	if err != nil {
		return v, errors.Wrapf(err, "store: param %s", p.Name)
	}
	return v, nil
}

// SetParam persists v as the value of p.
func SetParam[T any](s *Store, p Param[T], v T) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	unlock := s.paramLocks.lock(p.Name)
	defer unlock()
	return errors.Wrapf(writeJSONAtomic(s.layout.ParamPath(p.Name), v), "store: param %s", p.Name)
}
