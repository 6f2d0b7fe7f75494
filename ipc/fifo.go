package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/P1n3appl3/rtos-sub000/sched"
)

// FIFO is the kernel's single global producer/consumer ring buffer,
// grounded on original_source/lib/OS.c's OS_Fifo_Init/Put/Get: a power
// of two size, one extra slot to distinguish empty from full without
// a separate count field, a non-blocking Put for ISR-context
// producers, and a blocking Get for thread-context consumers backed
// by a counting semaphore tracking occupancy.
type FIFO struct {
	mu       sync.Mutex
	buf      []uint32
	head     uint16 // next write index
	tail     uint16 // next read index
	capacity uint16 // len(buf); size+1, deliberately not a power of two

	available *sched.Sema // occupancy count; Wait blocks Get until data exists
	dropped   uint32      // atomic: count of Put calls that found the ring full
}

// NewFIFO allocates a ring of size+1 words; size must be a power of
// two and at least 2, matching spec.md's "init(size) allocates a ring
// of size+1 words (size must be a power of two)". The ring's capacity
// (size+1) is one word larger than a power of two, so indices wrap
// with %capacity rather than a &mask trick - the one spare slot is
// what distinguishes empty from full without a separate count field.
func NewFIFO(k *sched.Kernel, size uint16) (*FIFO, bool) {
	if size < 2 || size&(size-1) != 0 {
		return nil, false
	}
	return &FIFO{
		buf:       make([]uint32, size+1),
		capacity:  size + 1,
		available: k.NewSema(0),
	}, true
}

// Put writes v without blocking, returning false if the ring is full.
// Intended for ISR-context producers (the periodic task dispatcher, a
// device driver callback): it only ever calls Sema.SignalFromISR,
// never Wait, and never blocks.
func (f *FIFO) Put(v uint32) bool {
	f.mu.Lock()
	if f.full() {
		f.mu.Unlock()
		atomic.AddUint32(&f.dropped, 1)
		return false
	}
	f.buf[f.head] = v
	f.head = (f.head + 1) % f.capacity
	f.mu.Unlock()

	f.available.SignalFromISR()
	return true
}

// Get blocks until a value is available, then returns it. Must be
// called from thread context.
func (f *FIFO) Get() uint32 {
	f.available.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.buf[f.tail]
	f.tail = (f.tail + 1) % f.capacity
	return v
}

// Size returns the number of words currently queued.
func (f *FIFO) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int((f.head + f.capacity - f.tail) % f.capacity)
}

func (f *FIFO) full() bool {
	return (f.head+1)%f.capacity == f.tail
}

// Dropped returns the number of Put calls that found the ring full
// and returned false without writing - recovered from
// original_source/inc/FIFO.h's lost-item counter, which spec.md's own
// "data_lost == 0" scenario (S2) implies without naming a field for it.
func (f *FIFO) Dropped() uint32 {
	return atomic.LoadUint32(&f.dropped)
}
