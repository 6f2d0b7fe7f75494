// Package heap implements the dynamic memory allocator backing every
// thread stack and every loaded process segment: a single contiguous
// arena, first-fit placement, and address-ordered coalescing on free.
// The original teaching RTOS this is modelled on (original_source's
// lib/heap.c) never actually implemented this allocator (every
// operation was a stub returning 0); this package builds the real
// thing from the data model the rest of the original source assumes
// a working heap provides: a header carrying a block's size, and a
// free list kept in address order so adjacent free blocks merge.
//
// Go has no pointer arithmetic, so where the original models the free
// list as a linked list of (next, size) nodes threaded through the
// arena itself, this package keeps the same address-ordered,
// size-in-place invariant but represents it as a slice of (offset,
// size) pairs rather than in-place pointers. The externally visible
// behaviour — first-fit placement, coalescing, space()/
// largest_free_block() queries — is identical.
package heap

import (
	"sync"

	"github.com/P1n3appl3/rtos-sub000/diag"
)

// align is the allocation granularity. Blocks are always a multiple of
// this many bytes, matching the double-word stack alignment the target
// ABI requires.
const align = 8

// Ptr is an opaque handle to a heap allocation. The zero value, Nil,
// never refers to live memory.
type Ptr struct {
	off, size uint32
}

// Nil is the zero Ptr, returned by a failed allocation.
var Nil Ptr

// Valid reports whether p refers to a live allocation.
func (p Ptr) Valid() bool { return p.size != 0 }

// Size returns the usable size of the allocation, which may be larger
// than the size requested due to rounding and first-fit leftover.
func (p Ptr) Size() uint32 { return p.size }

type freeNode struct {
	off, size uint32
}

// Heap is a single fixed-size arena with first-fit allocation and
// coalescing free.
type Heap struct {
	mu    sync.Mutex
	arena []byte
	free  []freeNode // address-sorted, pairwise non-adjacent
	log   *diag.Log
}

// Option configures a Heap at construction.
type Option func(*Heap)

// WithLog attaches a diagnostic sink; failed allocations (OOM) are
// logged through it.
func WithLog(l *diag.Log) Option {
	return func(h *Heap) { h.log = l }
}

// New creates a Heap over a freshly allocated arena of the given size.
func New(size uint32, opts ...Option) *Heap {
	size = roundUp(size)
	h := &Heap{
		arena: make([]byte, size),
		free:  []freeNode{{off: 0, size: size}},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func roundUp(n uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Malloc allocates size bytes, returning an invalid Ptr (ok == false)
// if the request cannot be satisfied by any single free block.
func (h *Heap) Malloc(size uint32) (p Ptr, ok bool) {
	if size == 0 {
		return Nil, false
	}
	size = roundUp(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, n := range h.free {
		if n.size < size {
			continue
		}
		remainder := n.size - size
		if remainder >= align {
			h.free[i] = freeNode{off: n.off + size, size: remainder}
		} else {
			size = n.size // hand over the whole block, absorbing the slack
			h.free = append(h.free[:i], h.free[i+1:]...)
		}
		return Ptr{off: n.off, size: size}, true
	}

	if h.log != nil {
		h.log.Warn("heap.oom").
			Uint64("requested", uint64(size)).
			Uint64("space", uint64(h.spaceLocked())).
			Log("malloc failed: no free block large enough")
	}
	return Nil, false
}

// Calloc allocates size bytes, zeroed.
func (h *Heap) Calloc(size uint32) (Ptr, bool) {
	p, ok := h.Malloc(size)
	if !ok {
		return Nil, false
	}
	h.mu.Lock()
	clear(h.arena[p.off : p.off+p.size])
	h.mu.Unlock()
	return p, true
}

// Bytes returns the live view of p's storage. Writes through the
// returned slice are writes to the heap; the slice is invalidated by
// Free or a Realloc that moves p.
func (h *Heap) Bytes(p Ptr) []byte {
	return h.arena[p.off : p.off+p.size]
}

// Free releases p back to the heap, coalescing with adjacent free
// blocks. Freeing Nil is a no-op; freeing anything else is the
// caller's exclusive responsibility to do at most once.
func (h *Heap) Free(p Ptr) {
	if !p.Valid() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insertFreeLocked(p.off, p.size)
}

func (h *Heap) insertFreeLocked(off, size uint32) {
	i := 0
	for i < len(h.free) && h.free[i].off < off {
		i++
	}
	n := freeNode{off: off, size: size}

	// merge with predecessor
	if i > 0 && h.free[i-1].off+h.free[i-1].size == n.off {
		h.free[i-1].size += n.size
		i--
		n = h.free[i]
	} else {
		h.free = append(h.free, freeNode{})
		copy(h.free[i+1:], h.free[i:])
		h.free[i] = n
	}

	// merge with successor
	if i+1 < len(h.free) && n.off+n.size == h.free[i+1].off {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
}

// Realloc resizes p to size bytes, preserving the lesser of the old
// and new sizes worth of content. Realloc(Nil, size) behaves as
// Malloc(size).
func (h *Heap) Realloc(p Ptr, size uint32) (Ptr, bool) {
	if !p.Valid() {
		return h.Malloc(size)
	}
	size = roundUp(size)
	if size == 0 {
		h.Free(p)
		return Nil, true
	}
	if size == p.size {
		return p, true
	}

	h.mu.Lock()
	if size < p.size {
		shrink := p.size - size
		h.insertFreeLocked(p.off+size, shrink)
		h.mu.Unlock()
		return Ptr{off: p.off, size: size}, true
	}

	// grow: try to absorb a contiguous following free block in place
	grow := size - p.size
	for i, n := range h.free {
		if n.off != p.off+p.size {
			continue
		}
		if n.size < grow {
			break
		}
		if n.size == grow {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = freeNode{off: n.off + grow, size: n.size - grow}
		}
		h.mu.Unlock()
		return Ptr{off: p.off, size: size}, true
	}
	h.mu.Unlock()

	// fall back to malloc + copy + free
	np, ok := h.Malloc(size)
	if !ok {
		return Nil, false
	}
	h.mu.Lock()
	copy(h.arena[np.off:np.off+np.size], h.arena[p.off:p.off+p.size])
	h.mu.Unlock()
	h.Free(p)
	return np, true
}

// Space returns the total number of free bytes across the whole
// heap.
func (h *Heap) Space() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spaceLocked()
}

func (h *Heap) spaceLocked() uint32 {
	var total uint32
	for _, n := range h.free {
		total += n.size
	}
	return total
}

// LargestFreeBlock returns the size of the single largest contiguous
// free block, i.e. the largest request Malloc could currently satisfy.
func (h *Heap) LargestFreeBlock() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var max uint32
	for _, n := range h.free {
		if n.size > max {
			max = n.size
		}
	}
	return max
}
