package objfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/kk-code-lab/nstore/internal/storage/layout"
)

// marker opens every version file.
const marker = "3nof"

var (
	// ErrParsing is matched by every *ParsingError.
	ErrParsing       = errors.New("objfile: cannot parse version file")
	ErrAlreadyExists = errors.New("objfile: file already exists")
	ErrNotOnDisk     = errors.New("objfile: bytes are not stored in this file")
	ErrClosed        = errors.New("objfile: file closed")
)

// ParsingError tells which file could not be parsed and why.
type ParsingError struct {
	Path string
	Err  error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("objfile: cannot parse %s: %v", e.Path, e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

func (e *ParsingError) Is(target error) bool { return target == ErrParsing }

func encodePrologue(layoutOfs uint64) []byte {
	buf := make([]byte, layout.PrologueLen)
	copy(buf, marker)
	binary.BigEndian.PutUint64(buf[len(marker):], layoutOfs)
	return buf
}

// decodePrologue returns the layout offset recorded in the prologue.
func decodePrologue(r io.ReaderAt) (uint64, error) {
	var buf [layout.PrologueLen]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, errors.New("file shorter than prologue")
		}
		return 0, err
	}
	if string(buf[:len(marker)]) != marker {
		return 0, errors.New("unrecognized format marker")
	}
	return binary.BigEndian.Uint64(buf[len(marker):]), nil
}
