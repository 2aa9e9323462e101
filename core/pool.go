package core

import (
	"sync"
	"sync/atomic"
)

// RecordBufferPool recycles the byte slices records are encoded into. Unlike
// sync.Pool its free list survives garbage collection, which keeps buffers
// warm through a long replay or compaction. Buffers that grew past the
// retention limit, typically from a large memory region, are dropped
// instead of being pinned.
type RecordBufferPool struct {
	mu          sync.Mutex
	free        [][]byte
	initialCap  int
	maxFree     int
	maxRetained int

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
}

// PoolStats is a point-in-time view of a RecordBufferPool.
type PoolStats struct {
	Hits    uint64
	Misses  uint64
	Dropped uint64
	Free    int
}

const (
	// DefaultRecordBufferSize is the initial capacity of pooled buffers.
	DefaultRecordBufferSize = 4 * 1024
	defaultMaxFreeBuffers   = 64
	defaultMaxRetainedSize  = 1 << 20
)

// RecordBuffers is the pool shared by the codec and the log writer.
var RecordBuffers = NewRecordBufferPool(DefaultRecordBufferSize, defaultMaxFreeBuffers, defaultMaxRetainedSize)

// NewRecordBufferPool creates a pool that hands out buffers of initialCap
// bytes, keeps at most maxFree of them and refuses any whose capacity
// exceeds maxRetained. Non-positive limits fall back to the defaults.
func NewRecordBufferPool(initialCap, maxFree, maxRetained int) *RecordBufferPool {
	if initialCap < 0 {
		initialCap = 0
	}
	if maxFree <= 0 {
		maxFree = defaultMaxFreeBuffers
	}
	if maxRetained <= 0 {
		maxRetained = defaultMaxRetainedSize
	}
	return &RecordBufferPool{
		free:        make([][]byte, 0, maxFree),
		initialCap:  initialCap,
		maxFree:     maxFree,
		maxRetained: maxRetained,
	}
}

// Get returns an empty buffer. Append to it and hand the result to Put.
func (p *RecordBufferPool) Get() []byte {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		p.hits.Add(1)
		return b
	}
	p.mu.Unlock()
	p.misses.Add(1)
	return make([]byte, 0, p.initialCap)
}

// Put returns b to the pool. The caller must not use b afterwards.
func (p *RecordBufferPool) Put(b []byte) {
	if cap(b) == 0 || cap(b) > p.maxRetained {
		p.dropped.Add(1)
		return
	}
	p.mu.Lock()
	if len(p.free) >= p.maxFree {
		p.mu.Unlock()
		p.dropped.Add(1)
		return
	}
	p.free = append(p.free, b[:0])
	p.mu.Unlock()
}

func (p *RecordBufferPool) Stats() PoolStats {
	p.mu.Lock()
	free := len(p.free)
	p.mu.Unlock()
	return PoolStats{
		Hits:    p.hits.Load(),
		Misses:  p.misses.Load(),
		Dropped: p.dropped.Load(),
		Free:    free,
	}
}
