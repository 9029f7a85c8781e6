package chunk

import (
	"io"

	"github.com/zeebo/blake3"
)

// Digest returns the BLAKE3 sum of everything read from r and the number of
// bytes read.
func Digest(r io.Reader) ([32]byte, int64, error) {
	h := blake3.New()
	var sum [32]byte
	n, err := io.Copy(h, r)
	if err != nil {
		return sum, n, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, n, nil
}
