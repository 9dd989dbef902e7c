package mem

import (
	"sync/atomic"
)

// Buffer is a pooled byte slice with a single owner. Ownership moves with the
// value: whoever holds the Buffer last calls Free exactly once, after which the
// bytes belong to the pool again and must not be touched.
type Buffer interface {
	// ReadOnlyData returns the underlying byte slice,
	// note that it is immutable.
	ReadOnlyData() []byte
	// Free returns the underlying byte slice to its pool.
	// Freeing a Buffer twice panics.
	Free()
	// Len returns the Buffer's size.
	Len() int
}

// NewBuffer takes ownership of data, which must have been obtained from pool.
// A nil pool yields a Buffer that is simply dropped on Free.
func NewBuffer(data *[]byte, pool BufferPool) Buffer {
	// buffer headers are not recycled: a stale handle must keep panicking on
	// reuse instead of aliasing a newer owner's bytes.
	b := new(buffer)
	b.originData = data
	b.data = *data
	b.pool = pool
	b.live.Store(true)
	return b
}

// Copy creates a Buffer from the pool holding a copy of data.
func Copy(data []byte, pool BufferPool) Buffer {
	buf := pool.Get(len(data))
	copy(*buf, data)
	return NewBuffer(buf, pool)
}

type buffer struct {
	originData *[]byte
	data       []byte
	pool       BufferPool
	live       atomic.Bool
}

func (b *buffer) ReadOnlyData() []byte {
	if !b.live.Load() {
		panic("cannot read freed buffer")
	}
	return b.data
}

func (b *buffer) Free() {
	if !b.live.CompareAndSwap(true, false) {
		panic("cannot free freed buffer")
	}

	if b.pool != nil {
		b.pool.Put(b.originData)
	}

	b.originData = nil
	b.data = nil
	b.pool = nil
}

func (b *buffer) Len() int {
	return len(b.ReadOnlyData())
}
