package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireRelease(t *testing.T) {
	p, err := New(10*1024, 1024)
	require.NoError(t, err)
	require.Equal(t, 10*1024, p.CapacityBytes())
	require.Equal(t, 10*1024, p.FreeBytes())

	h, ok := p.TryAcquire(100)
	require.True(t, ok)
	require.Equal(t, 100, h.Bytes())
	require.Equal(t, 9*1024, p.FreeBytes())

	h.Release()
	require.Equal(t, 10*1024, p.FreeBytes())

	// Release is idempotent.
	h.Release()
	require.Equal(t, 10*1024, p.FreeBytes())
}

func TestTryAcquireExhaustion(t *testing.T) {
	p, err := New(1024, 1024)
	require.NoError(t, err)

	h1, ok := p.TryAcquire(1024)
	require.True(t, ok)

	_, ok = p.TryAcquire(1)
	require.False(t, ok, "second concurrent max message must be rejected with pool exhausted")
	require.Equal(t, 0, p.FreeBytes())

	h1.Release()
	require.Equal(t, 1024, p.FreeBytes())
}

func TestInvariantBytesConserved(t *testing.T) {
	const capacity = 64 * 1024
	const blockSize = 1024
	p, err := New(capacity, blockSize)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var held []*BlockHandle

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, ok := p.TryAcquire(100)
			if !ok {
				return
			}
			mu.Lock()
			held = append(held, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	owned := 0
	for _, h := range held {
		owned += len(h.blocks) * blockSize
	}
	require.Equal(t, capacity, p.FreeBytes()+owned, "free+owned must equal capacity at every observation point")

	for _, h := range held {
		h.Release()
	}
	require.Equal(t, capacity, p.FreeBytes())
}

func TestNewRejectsUndersizedCapacity(t *testing.T) {
	_, err := New(10, 1024)
	require.Error(t, err)
}
