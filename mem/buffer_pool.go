package mem

import (
	"sync"
)

// BufferPool is a self-managed pool with various buffer sizes.
type BufferPool interface {
	// Get returns a buffer with the size.
	Get(size int) *[]byte
	// Put returns the buffer back to the pool.
	Put(buffer *[]byte)
}

// Tier capacities follow what a Modbus/TCP server allocates: read request
// PDUs and exception ADUs, short read responses, and a full 260-byte ADU.
const (
	smallTier  = 16
	mediumTier = 64
	// MaxADU is the largest Modbus/TCP application data unit.
	MaxADU = 260
)

var tierSizes = [...]int{smallTier, mediumTier, MaxADU}

// aduPool keeps one sync.Pool per tier. Buffers of any other capacity are
// left to the garbage collector.
type aduPool struct {
	tiers [len(tierSizes)]sync.Pool
}

var defaultPool = newADUPool()

func newADUPool() *aduPool {
	p := &aduPool{}
	for i, size := range tierSizes {
		size := size
		p.tiers[i].New = func() any {
			buf := make([]byte, 0, size)
			return &buf
		}
	}
	return p
}

// DefaultBufferPool returns the pool shared by every server in the process.
func DefaultBufferPool() BufferPool {
	return defaultPool
}

// tierFor returns the smallest tier holding size bytes, or -1.
func tierFor(size int) int {
	for i, capacity := range tierSizes {
		if size <= capacity {
			return i
		}
	}
	return -1
}

func (p *aduPool) Get(size int) *[]byte {
	if size <= 0 {
		return &[]byte{}
	}
	i := tierFor(size)
	if i < 0 {
		buf := make([]byte, size)
		return &buf
	}
	buf := p.tiers[i].Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

func (p *aduPool) Put(buffer *[]byte) {
	if buffer == nil {
		return
	}
	c := cap(*buffer)
	i := tierFor(c)
	if i < 0 || tierSizes[i] != c {
		return
	}
	*buffer = (*buffer)[:0]
	p.tiers[i].Put(buffer)
}
