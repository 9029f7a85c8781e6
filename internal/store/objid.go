package store

import "github.com/pkg/errors"

const maxObjIDLen = 255

// checkObjID accepts "" for the root object and otherwise names usable as a
// single path element: letters, digits, '-', '_', '=' and '.', not starting
// with a dot.
func checkObjID(objID string) error {
	if objID == "" {
		return nil
	}
	if len(objID) > maxObjIDLen || objID[0] == '.' {
		return errors.Wrapf(ErrBadObjID, "%q", objID)
	}
	for i := 0; i < len(objID); i++ {
		c := objID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '=', c == '.':
		default:
			return errors.Wrapf(ErrBadObjID, "%q", objID)
		}
	}
	return nil
}
