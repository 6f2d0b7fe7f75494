// Package ipc implements the two rendezvous primitives spec.md §4.8
// names: a single-slot Mailbox and a power-of-two global FIFO, both
// built over sched.Sema exactly as original_source/lib/OS.c's
// OS_MailBox_*/OS_Fifo_* build them over Sema4 - a mailbox is simply
// two binary semaphores used to serialise one producer and one
// consumer through a shared cell, and the FIFO is a ring buffer
// guarded by a counting semaphore tracking occupancy.
package ipc

import (
	"sync"

	"github.com/P1n3appl3/rtos-sub000/sched"
)

// Mailbox is a single-cell, single-sender/single-receiver rendezvous:
// Send blocks until the cell is empty, writes it, and wakes a
// receiver; Recv blocks until the cell is full, reads it, and wakes a
// sender. A second sender arriving before the first's value is
// received simply queues behind it on empty, exactly as spec.md's
// "additional senders block" requires. Built on bwait/bsignal
// (sched.Sema's BWait/BSignal) rather than the plain counting
// variant, since each of the two semaphores genuinely is binary here
// - a cell is either empty or full, never more than one unit ahead -
// and BSignal's saturation is what keeps a burst of sends against a
// slow receiver from letting empty's count run away past 1.
//
// original_source initialises BoxFree/DataValid to 0/-1 under Sema4's
// own pre-decrement-check convention, which is off by one from the
// standard post-decrement convention spec.md's prose describes (and
// sched.Sema implements) - under Sema4's convention an init of N
// behaves like N+1 available units. Translated to sched.Sema's
// standard convention, "one empty slot, no data yet" is empty=1,
// full=0, which is what NewMailbox uses.
type Mailbox struct {
	empty *sched.Sema
	full  *sched.Sema

	mu   sync.Mutex
	data uint32
}

// NewMailbox creates an empty mailbox on the given kernel.
func NewMailbox(k *sched.Kernel) *Mailbox {
	return &Mailbox{
		empty: k.NewSema(1),
		full:  k.NewSema(0),
	}
}

// Send waits for the cell to be empty, writes v, and signals a
// waiting (or future) receiver. Must be called from thread context.
func (b *Mailbox) Send(v uint32) {
	b.empty.BWait()
	b.mu.Lock()
	b.data = v
	b.mu.Unlock()
	b.full.BSignal()
}

// Recv waits for the cell to hold a value, reads it, and signals a
// waiting (or future) sender. Must be called from thread context.
func (b *Mailbox) Recv() uint32 {
	b.full.BWait()
	b.mu.Lock()
	v := b.data
	b.mu.Unlock()
	b.empty.BSignal()
	return v
}
