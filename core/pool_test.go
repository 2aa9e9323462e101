package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBufferPool_Reuse(t *testing.T) {
	pool := NewRecordBufferPool(128, 4, 1024)

	b := pool.Get()
	require.Len(t, b, 0)
	assert.GreaterOrEqual(t, cap(b), 128)
	b = append(b, "record bytes"...)
	pool.Put(b)

	again := pool.Get()
	assert.Len(t, again, 0, "returned buffers are reset")
	assert.Equal(t, cap(b), cap(again))
	assert.Equal(t, &b[:1][0], &again[:1][0], "the same backing array comes back")

	st := pool.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Zero(t, st.Free)
}

func TestRecordBufferPool_DropsOversizedBuffers(t *testing.T) {
	pool := NewRecordBufferPool(16, 4, 1024)

	big := append(pool.Get(), make([]byte, 4096)...)
	pool.Put(big)
	assert.Equal(t, uint64(1), pool.Stats().Dropped)
	assert.Zero(t, pool.Stats().Free)

	pool.Put(nil)
	assert.Equal(t, uint64(2), pool.Stats().Dropped)
}

func TestRecordBufferPool_BoundsFreeList(t *testing.T) {
	pool := NewRecordBufferPool(16, 2, 1024)
	bufs := [][]byte{pool.Get(), pool.Get(), pool.Get()}
	for _, b := range bufs {
		pool.Put(b)
	}
	st := pool.Stats()
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestRecordBufferPool_Defaults(t *testing.T) {
	pool := NewRecordBufferPool(-1, 0, 0)
	assert.Equal(t, defaultMaxFreeBuffers, pool.maxFree)
	assert.Equal(t, defaultMaxRetainedSize, pool.maxRetained)
	assert.Equal(t, 0, cap(pool.Get()))
}

func TestRecordBufferPool_Concurrent(t *testing.T) {
	pool := NewRecordBufferPool(64, 8, 1024)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := pool.Get()
				b = append(b, byte(i), byte(j))
				pool.Put(b)
			}
		}(i)
	}
	wg.Wait()
	st := pool.Stats()
	assert.Equal(t, uint64(5000), st.Hits+st.Misses)
	assert.LessOrEqual(t, st.Free, 8)
}

func BenchmarkRecordBufferPool_GetPut(b *testing.B) {
	pool := NewRecordBufferPool(DefaultRecordBufferSize, 0, 0)
	data := []byte("some data to write")

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := append(pool.Get(), data...)
			pool.Put(buf)
		}
	})
}
