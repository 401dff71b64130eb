package worker

import (
	"errors"
	"io"
)

var errLimit = errors.New("response exceeds maximum size")

// limitReader reads up to Limit bytes, returning an error if more bytes are
// read.
type limitReader struct {
	R     io.Reader
	Limit int64
}

func (r *limitReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	if n > 0 {
		r.Limit -= int64(n)
		if r.Limit < 0 {
			return 0, errLimit
		}
	}
	return n, err
}
