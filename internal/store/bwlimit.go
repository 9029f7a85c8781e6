package store

import (
	"io"

	"github.com/juju/ratelimit"
)

// uploadLimiter throttles all uploads of one store to a shared byte rate.
type uploadLimiter struct {
	bucket *ratelimit.Bucket
}

// newUploadLimiter returns nil for rate 0, which means unlimited.
func newUploadLimiter(bytesPerSec uint64) *uploadLimiter {
	if bytesPerSec == 0 {
		return nil
	}
	return &uploadLimiter{bucket: ratelimit.NewBucketWithRate(float64(bytesPerSec), int64(bytesPerSec))}
}

func (l *uploadLimiter) wrap(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return ratelimit.Reader(r, l.bucket)
}
