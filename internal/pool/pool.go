// Package pool implements a fixed-capacity block allocator: a free-list
// of equally sized blocks backing every in-flight message. Acquire must
// never block an input thread; failure is reported to the caller as a
// plain boolean so the caller can account it as a PoolExhausted discard.
// The free-list itself is a lock-free Treiber stack over
// sync/atomic.Pointer, since neither go.uber.org/atomic nor any library
// available here provides a generic lock-free stack type.
package pool

import (
	"fmt"
	"sync/atomic"

	uatomic "go.uber.org/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dory",
		Subsystem: "pool",
		Name:      "capacity_bytes",
		Help:      "Configured total capacity of the message pool.",
	})
	metricFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dory",
		Subsystem: "pool",
		Name:      "free_bytes",
		Help:      "Currently unallocated bytes in the message pool.",
	})
)

// block is one fixed-size unit of the pool. Blocks are never reallocated;
// only their Buf contents and free-list link change over the pool's life.
type block struct {
	buf  []byte
	next atomic.Pointer[block]
}

// Pool is a multi-producer, multi-consumer fixed-size block allocator.
type Pool struct {
	blockSize int
	blocks    []*block

	free   atomic.Pointer[block] // Treiber stack head
	fbytes *uatomic.Int64        // free bytes, for fast FreeBytes()/back-pressure reads

	capacityBytes int
}

// New builds a pool of capacityBytes total space split into blockSize
// chunks. capacityBytes is rounded down to a whole number of blocks.
func New(capacityBytes, blockSize int) (*Pool, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("pool: blockSize must be positive, got %d", blockSize)
	}
	if capacityBytes < blockSize {
		return nil, fmt.Errorf("pool: capacity %d smaller than one block (%d); raise --msg_buffer_max or lower the block size", capacityBytes, blockSize)
	}

	n := capacityBytes / blockSize
	p := &Pool{
		blockSize:     blockSize,
		blocks:        make([]*block, n),
		fbytes:        uatomic.NewInt64(int64(n * blockSize)),
		capacityBytes: n * blockSize,
	}

	var head *block
	for i := 0; i < n; i++ {
		b := &block{buf: make([]byte, blockSize)}
		p.blocks[i] = b
		b.next.Store(head)
		head = b
	}
	p.free.Store(head)

	metricCapacityBytes.Set(float64(p.capacityBytes))
	metricFreeBytes.Set(float64(p.capacityBytes))

	return p, nil
}

// BlockHandle is an owning handle to one or more pool blocks covering at
// least the requested number of bytes. Release is idempotent.
type BlockHandle struct {
	pool     *Pool
	blocks   []*block
	released uatomic.Bool
	nbytes   int
}

// Bytes returns the byte count this handle was acquired for (<= capacity
// of the underlying blocks).
func (h *BlockHandle) Bytes() int { return h.nbytes }

// Region returns a []byte of length Bytes() backed by the handle's blocks,
// for the caller to decode a wire message directly into. When the handle
// spans exactly one block (the common case: block size defaults well
// above the max message size) this is a zero-copy subslice of that block.
// Blocks are not required to be contiguous in memory, so a handle spanning
// more than one block falls back to a freshly allocated scratch buffer.
func (h *BlockHandle) Region() []byte {
	if len(h.blocks) == 1 {
		return h.blocks[0].buf[:h.nbytes]
	}
	return make([]byte, h.nbytes)
}

// Release returns the handle's blocks to the free-list. Safe to call more
// than once; only the first call has effect.
func (h *BlockHandle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pool.push(h.blocks)
	h.pool.fbytes.Add(int64(len(h.blocks) * h.pool.blockSize))
	metricFreeBytes.Set(float64(h.pool.fbytes.Load()))
}

// TryAcquire returns a handle covering at least nBytes, or ok=false if the
// pool does not currently have enough free blocks. Never blocks.
func (p *Pool) TryAcquire(nBytes int) (handle *BlockHandle, ok bool) {
	if nBytes <= 0 {
		nBytes = 1
	}
	need := (nBytes + p.blockSize - 1) / p.blockSize

	got := make([]*block, 0, need)
	for i := 0; i < need; i++ {
		b := p.pop()
		if b == nil {
			// Not enough blocks: give back what we already popped.
			p.push(got)
			return nil, false
		}
		got = append(got, b)
	}

	p.fbytes.Sub(int64(need * p.blockSize))
	metricFreeBytes.Set(float64(p.fbytes.Load()))

	return &BlockHandle{pool: p, blocks: got, nbytes: nBytes}, true
}

// FreeBytes returns the pool's current free capacity. Approximate under
// contention (a concurrent TryAcquire/Release may land between the read
// and its use), which is acceptable: it backs metrics and back-pressure
// decisions, not invariants.
func (p *Pool) FreeBytes() int { return int(p.fbytes.Load()) }

// CapacityBytes returns the pool's total configured capacity.
func (p *Pool) CapacityBytes() int { return p.capacityBytes }

func (p *Pool) pop() *block {
	for {
		head := p.free.Load()
		if head == nil {
			return nil
		}
		next := head.next.Load()
		if p.free.CompareAndSwap(head, next) {
			return head
		}
	}
}

func (p *Pool) push(blocks []*block) {
	for _, b := range blocks {
		for {
			head := p.free.Load()
			b.next.Store(head)
			if p.free.CompareAndSwap(head, b) {
				break
			}
		}
	}
}
