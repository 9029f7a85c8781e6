package objpipe

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/kk-code-lab/nstore/internal/storage/layout"
)

// ErrUnresolvable means a chunk has no bytes in its file and no base to take
// them from. It indicates a broken version chain.
var ErrUnresolvable = errors.New("objpipe: chunk cannot be resolved")

// File is the read side of a version file.
type File interface {
	WriteHeaderTo(w io.Writer) (int64, error)
	SegsLocations(ofs, n uint64) ([]layout.Chunk, error)
	WriteSegsTo(w io.Writer, ofs, n uint64) (int64, error)
	BaseVersion() uint64
}

// Resolver returns the file of an object version. release must be called
// once the file is no longer used.
type Resolver func(ctx context.Context, objID string, version uint64) (f File, release func(), err error)

// Pipe writes the selected bytes of a version into w.
type Pipe func(ctx context.Context, w io.Writer) error

// Make returns a pipe over f. Segment bytes inherited from base versions are
// read through resolve, following diff chains of any depth.
func Make(f File, objID string, includeHeader bool, segsOfs, segsLen uint64, resolve Resolver) Pipe {
	return func(ctx context.Context, w io.Writer) error {
		if includeHeader {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := f.WriteHeaderTo(w); err != nil {
				return errors.Wrap(err, "objpipe: header")
			}
		}
		return writeSegs(ctx, w, f, objID, segsOfs, segsLen, resolve)
	}
}

func writeSegs(ctx context.Context, w io.Writer, f File, objID string, ofs, n uint64, resolve Resolver) error {
	if n == 0 {
		return nil
	}
	locs, err := f.SegsLocations(ofs, n)
	if err != nil {
		return errors.Wrap(err, "objpipe: locate segments")
	}
	for i := 0; i < len(locs); {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := locs[i]
		switch {
		case c.Type.OnDisk():
			// Neighbouring on-disk chunks go out in one copy.
			runLen := c.Len
			j := i + 1
			for ; j < len(locs) && locs[j].Type.OnDisk(); j++ {
				runLen += locs[j].Len
			}
			if _, err := f.WriteSegsTo(w, c.ThisVerOfs, runLen); err != nil {
				return errors.Wrapf(err, "objpipe: segments at %d", c.ThisVerOfs)
			}
			i = j
		case c.Type == layout.ChunkBase:
			if err := writeFromBase(ctx, w, f, objID, c, resolve); err != nil {
				return err
			}
			i++
		default:
			return errors.Wrapf(ErrUnresolvable, "%s chunk at %d", c.Type, c.ThisVerOfs)
		}
	}
	return nil
}

func writeFromBase(ctx context.Context, w io.Writer, f File, objID string, c layout.Chunk, resolve Resolver) error {
	base := f.BaseVersion()
	if base == 0 || resolve == nil {
		return errors.Wrapf(ErrUnresolvable, "base chunk at %d without base version", c.ThisVerOfs)
	}
	bf, release, err := resolve(ctx, objID, base)
	if err != nil {
		return errors.Wrapf(err, "objpipe: resolve base version %d", base)
	}
	defer release()
	return writeSegs(ctx, w, bf, objID, c.BaseVerOfs, c.Len, resolve)
}

// Open runs p in a goroutine and returns the reading end of its output.
// Closing the reader before the end stops the pipe.
func Open(ctx context.Context, p Pipe) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p(ctx, pw))
	}()
	return pr
}
