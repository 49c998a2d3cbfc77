package pool

import (
	"sync"
	"sync/atomic"
)

// ChunkPool hands out byte slices of one fixed size.
type ChunkPool struct {
	size      int
	pool      sync.Pool
	allocated atomic.Int64
}

// NewChunkPool creates a pool of size-byte buffers. Non-positive sizes are
// raised to 1 so a misconfigured pool still makes progress.
func NewChunkPool(size int) *ChunkPool {
	if size < 1 {
		size = 1
	}
	cp := &ChunkPool{size: size}
	cp.pool.New = func() any {
		cp.allocated.Add(1)
		b := make([]byte, size)
		return &b
	}
	return cp
}

// Size returns the length of the buffers handed out by Get.
func (cp *ChunkPool) Size() int { return cp.size }

// Allocated returns how many buffers the pool had to allocate so far.
func (cp *ChunkPool) Allocated() int64 { return cp.allocated.Load() }

// Get returns a full-length buffer.
func (cp *ChunkPool) Get() *[]byte {
	b := cp.pool.Get().(*[]byte)
	*b = (*b)[:cp.size]
	return b
}

// Put returns a buffer to the pool. Foreign buffers with a different
// capacity are dropped.
func (cp *ChunkPool) Put(b *[]byte) {
	if b == nil || cap(*b) != cp.size {
		return
	}
	*b = (*b)[:cp.size]
	cp.pool.Put(b)
}
