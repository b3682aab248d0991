// Package bufpool recycles fixed-size read buffers for response bodies.
package bufpool

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize is the read buffer size used by the HTTP fetchers.
const DefaultChunkSize = 32 * 1024

// ErrTooLarge is returned by ReadAll when the body exceeds its limit.
var ErrTooLarge = errors.New("bufpool: body exceeds limit")

// Pool hands out read buffers of exactly bufSize bytes.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return (*bp)[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

func (p *Pool) BufSize() int {
	return p.bufSize
}

// ReadAll reads r to EOF through a pooled chunk buffer. A positive limit
// caps the number of bytes accepted; reading more returns ErrTooLarge along
// with the bytes read so far. sizeHint pre-sizes the result when known.
func (p *Pool) ReadAll(r io.Reader, limit int64, sizeHint int64) ([]byte, error) {
	chunk := p.Get()
	defer p.Put(chunk)

	var out bytes.Buffer
	if sizeHint > 0 && (limit <= 0 || sizeHint <= limit) {
		out.Grow(int(sizeHint))
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.CopyBuffer(&out, readerOnly{src}, chunk)
	if err != nil {
		return out.Bytes(), err
	}
	if limit > 0 && n > limit {
		return out.Bytes()[:limit], ErrTooLarge
	}
	return out.Bytes(), nil
}

// readerOnly hides WriterTo so CopyBuffer actually uses the pooled chunk.
type readerOnly struct {
	io.Reader
}
