// Package sched implements the portable core of the scheduler: the
// fixed-size thread control block pool, the priority-ordered ready
// ring, counting/binary semaphores with a priority-ordered blocked
// queue, and the fixed-period sleep service. It is grounded on
// original_source/lib/OS.c (insert_thread, remove_current_thread,
// OS_Wait/OS_Signal, sleep_task) — the only original-source file in
// which these algorithms actually exist (lib/heap.c, by contrast, is
// an unimplemented stub).
//
// Register save/restore on real hardware is a single PendSV handler
// written in assembly, which this package cannot and does not
// reproduce. In its place, the kernel models one CPU core as one live
// goroutine at a time: every thread body runs on its own goroutine, but only the
// goroutine holding the kernel's run token is allowed to touch shared
// state, and the token changes hands exactly at the suspension points
// the spec names (wait, sleep, suspend, mailbox send/recv, fifo get)
// plus a voluntary Checkpoint() call. See Kernel's doc comment for the
// full rationale; it is also recorded in DESIGN.md as the resolution
// to the "context switch in assembly" design note.
package sched

import (
	"fmt"

	"github.com/P1n3appl3/rtos-sub000/heap"
)

// State is the lifecycle state of a thread. A TCB is in exactly one
// of these states at any time.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateAsleep
	StateBlocked
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateAsleep:
		return "asleep"
	case StateBlocked:
		return "blocked"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ProcessRef is the non-owning handle a TCB holds on its parent
// process, if it has one. It exists so this package doesn't need to
// import proc (which imports sched, to create its own threads) — proc.PCB
// implements it.
type ProcessRef interface {
	// Retain is called once for every thread that comes to share this
	// process reference - the initial thread add_process creates, and
	// every subsequent add_thread call made by one of the process's
	// own threads (which inherit the parent reference, per spec.md
	// §4.9).
	Retain()
	// Release is called exactly once, when a thread holding this
	// reference dies, to drop the process's thread refcount.
	Release()
}

// TCB is a single thread's control block: the data the scheduler
// needs to decide when it runs, plus the plumbing (resume channel,
// entry function) the goroutine-baton handoff uses to realise that
// decision.
type TCB struct {
	id       uint32
	name     string
	priority uint8
	state    State

	// idx is this TCB's own slot in the Kernel's pool, fixed for its
	// lifetime, cached to avoid a linear scan on every ring operation.
	idx int32

	// ring links within the currently active priority band; both -1
	// when not linked into any ring (dormant-ready, blocked, asleep,
	// dead). The sole member of a band links to itself.
	ringNext, ringPrev int32

	// blockedNext links the priority-ordered blocked queue of the
	// semaphore this TCB is waiting on, -1 if not linked.
	blockedNext int32

	sleepRemaining uint32
	stack          heap.Ptr

	proc ProcessRef

	resume chan struct{}
	entry  func()

	killed bool
}

// ID returns the thread's identifier, stable for its lifetime.
func (t *TCB) ID() uint32 { return t.id }

// Name returns the thread's diagnostic name.
func (t *TCB) Name() string { return t.name }

// Priority returns the thread's fixed scheduling priority (0 highest).
func (t *TCB) Priority() uint8 { return t.priority }

// State returns the thread's current lifecycle state.
func (t *TCB) State() State { return t.state }

// Process returns the non-owning reference to the process that owns
// this thread, or nil if it doesn't belong to one.
func (t *TCB) Process() ProcessRef { return t.proc }
