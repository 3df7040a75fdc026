package netx

import (
	"io"
	"sync/atomic"
)

// ProgressFunc receives the number of bytes transferred so far and the total.
type ProgressFunc func(done, total int64)

// ProgressReader reports cumulative bytes read from r.
type ProgressReader struct {
	r     io.Reader
	total int64
	done  atomic.Int64
	fn    ProgressFunc
}

// NewProgressReader wraps r. fn may be nil.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) *ProgressReader {
	return &ProgressReader{r: r, total: total, fn: fn}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		done := p.done.Add(int64(n))
		if p.fn != nil {
			p.fn(done, p.total)
		}
	}
	return n, err
}

// Done returns the bytes read so far.
func (p *ProgressReader) Done() int64 { return p.done.Load() }
