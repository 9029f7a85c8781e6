package chunk

import "io"

// Piece is a bounded part of a stream.
type Piece struct {
	// Ofs is the position of Data in the stream.
	Ofs  uint64
	Data []byte
}

// Pieces reads r to the end and hands it to fn in pieces of at most size
// bytes. The buffer is reused, so Data is only valid until fn returns. It
// returns the number of bytes read.
func Pieces(r io.Reader, size int, fn func(Piece) error) (uint64, error) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	buf := make([]byte, size)
	var ofs uint64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if ferr := fn(Piece{Ofs: ofs, Data: buf[:n]}); ferr != nil {
				return ofs, ferr
			}
			ofs += uint64(n)
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return ofs, nil
		default:
			return ofs, err
		}
	}
}
