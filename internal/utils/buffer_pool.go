package utils

import "sync"

// CopyBufferSize is the size of the buffers used to stream payloads.
const CopyBufferSize = 64 * 1024

// BufferPool hands out fixed-size copy buffers. Pointers to slices are
// pooled so Put does not allocate.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a pool of buffers of the given size.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of the pool's size.
func (p *BufferPool) Get() []byte {
	buf := p.pool.Get().(*[]byte)
	return (*buf)[:p.size]
}

// Put returns buf to the pool. Buffers of another capacity are dropped.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// DefaultBufferPool serves payload copies.
var DefaultBufferPool = NewBufferPool(CopyBufferSize)
