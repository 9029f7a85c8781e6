package store

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConcurrentTransaction = errors.New("store: object has a transaction in progress")
	ErrObjectUnknown         = errors.New("store: object unknown")
	ErrObjectVersionUnknown  = errors.New("store: object version unknown")
	ErrTransactionUnknown    = errors.New("store: transaction unknown")
	ErrNotEnoughSpace        = errors.New("store: not enough space")
	ErrObjFileIncomplete     = errors.New("store: object file is incomplete")
	ErrObjAlreadyExists      = errors.New("store: object already exists")
	ErrBadObjID              = errors.New("store: bad object id")
	ErrBadRequest            = errors.New("store: bad request")
	ErrClosed                = errors.New("store: closed")
)

// MismatchedVersionError reports that a write expected a different current
// version. Callers re-read Current and decide whether to retry.
type MismatchedVersionError struct {
	Current uint64
}

func (e *MismatchedVersionError) Error() string {
	return fmt.Sprintf("store: mismatched version, current is %d", e.Current)
}

// CurrentVersionOf extracts the current version from a
// MismatchedVersionError anywhere in err's chain.
func CurrentVersionOf(err error) (uint64, bool) {
	var mv *MismatchedVersionError
	if errors.As(err, &mv) {
		return mv.Current, true
	}
	return 0, false
}
