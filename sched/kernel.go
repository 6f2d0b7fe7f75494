package sched

import (
	"fmt"
	"sync"

	"github.com/P1n3appl3/rtos-sub000/clock"
	"github.com/P1n3appl3/rtos-sub000/diag"
	"github.com/P1n3appl3/rtos-sub000/heap"
)

// idlePriority is reserved for the implicit idle thread every Kernel
// creates; no caller-supplied thread may use it.
const idlePriority = 255

// Config sizes and parameterises a Kernel, standing in for the
// teacher's link-time constants (MAX_THREADS, heap region size) made
// runtime-configurable so tests can run a tiny kernel instead of a
// production-sized one.
type Config struct {
	// MaxThreads bounds the TCB pool, including the implicit idle
	// thread.
	MaxThreads int
	// StackBytes is used when a caller doesn't specify a stack size
	// for add_thread.
	StackBytes uint32
	Heap       *heap.Heap
	Clock      clock.Source
	Log        *diag.Log
}

func (c Config) withDefaults() Config {
	if c.MaxThreads <= 0 {
		c.MaxThreads = 16
	}
	if c.StackBytes == 0 {
		c.StackBytes = 1024
	}
	if c.Heap == nil {
		c.Heap = heap.New(64 * 1024)
	}
	if c.Clock == nil {
		c.Clock = clock.NewReal()
	}
	return c
}

// Kernel is the single mutable value the spec's design notes call for:
// one mutex-guarded struct owning the fixed-size TCB pool, the ready
// ring for whichever priority band is currently active, and the
// identity of the running thread. Every scheduling decision - insert,
// remove, rescan, round robin rotation - happens with mu held; the
// only thing that happens outside the lock is the actual goroutine
// handoff (a channel send) and a parked thread's wait on its own
// resume channel.
type Kernel struct {
	mu  sync.Mutex
	cfg Config

	pool     []*TCB // fixed-size TCB table; nil = free slot
	nextID   uint32
	ringHead int32 // index into pool of the current thread, -1 if none
	launched bool

	lockDepth int // lock_scheduler/unlock_scheduler nesting

	idle *TCB
}

// New constructs a Kernel with the implicit idle thread registered
// and ready, but not yet launched.
func New(cfg Config) *Kernel {
	cfg = cfg.withDefaults()
	k := &Kernel{
		cfg:      cfg,
		pool:     make([]*TCB, cfg.MaxThreads),
		ringHead: -1,
	}
	idle, ok := k.addThreadLocked(func() {
		for {
			Checkpoint(k)
		}
	}, "idle", cfg.StackBytes, idlePriority, nil)
	if !ok {
		panic("sched: could not register idle thread")
	}
	k.idle = idle
	k.startThreadGoroutine(idle)
	k.insertReadyLocked(idle, true)
	return k
}

// Clock returns the clock.Source this kernel was configured with.
func (k *Kernel) Clock() clock.Source { return k.cfg.Clock }

// Heap returns the heap every thread stack and process segment is
// allocated from.
func (k *Kernel) Heap() *heap.Heap { return k.cfg.Heap }

// Log returns the diagnostic sink this kernel was configured with, so
// other subsystems (periodic, proc) can log through the same sink
// without each needing their own Config plumbing.
func (k *Kernel) Log() *diag.Log { return k.cfg.Log }

func (k *Kernel) findFreeSlotLocked() int {
	for i, t := range k.pool {
		if t == nil {
			return i
		}
	}
	return -1
}

// AddThread registers a new thread, grounded on original_source's
// OS_AddThread: validates the priority and stack size, allocates a
// stack from the heap, appends the TCB to the pool, and inserts it
// into the ready ring - preempting the calling thread immediately if
// the new thread strictly outranks it. Matches spec.md's
// `add_thread(fn, name, stack_bytes, priority) -> bool`.
//
// Before launch, any number of calls are safe from any goroutine -
// nothing is executing yet, so there is no caller identity to
// preempt. After launch, a call that registers a strictly
// higher-priority thread parks the caller, so it must be made from
// within the currently running thread's own body (an SVC dispatch, or
// a thread spawning another), exactly as Wait requires a current
// thread to exist; calling it from an unrelated goroutine after
// launch would park the wrong goroutine.
func (k *Kernel) AddThread(fn func(), name string, stackBytes uint32, priority uint8) bool {
	if priority >= idlePriority {
		return false
	}
	if stackBytes == 0 {
		stackBytes = k.cfg.StackBytes
	}

	k.mu.Lock()
	// A thread spawned from within a process inherits its parent's
	// process reference, per spec.md §4.9 - original_source's
	// OS_AddThread reads current_thread->parent_process for exactly
	// this; add_process itself uses AddThreadWithProcess instead, to
	// attach a brand new PCB rather than inherit the caller's.
	var proc ProcessRef
	if self := k.currentLocked(); self != nil {
		proc = self.proc
	}
	t, ok := k.addThreadLocked(fn, name, stackBytes, priority, proc)
	if !ok {
		k.mu.Unlock()
		return false
	}
	k.startThreadGoroutine(t)
	launched := k.launched
	self, signalee, preempted := k.insertReadyAndMaybePreemptLocked(t)
	k.mu.Unlock()

	if proc != nil {
		proc.Retain()
	}

	// Pre-launch, t's goroutine stays parked (it was just started and
	// immediately calls park) until Boot/Launch hands out the first
	// token - signalling it now would let it start running before the
	// kernel is actually launched.
	if !launched {
		return true
	}
	signal(signalee)
	if preempted && self != nil {
		park(self)
	}
	return true
}

// AddThreadWithProcess is add_process's primitive: it registers a
// thread attached to proc directly, instead of inheriting whatever
// process (if any) the calling thread belongs to. proc.Retain is
// called once, for this thread. Used by proc.AddProcess to create a
// process's initial thread; ordinary AddThread calls use inheritance
// instead.
func (k *Kernel) AddThreadWithProcess(fn func(), name string, stackBytes uint32, priority uint8, proc ProcessRef) bool {
	if priority >= idlePriority {
		return false
	}
	if stackBytes == 0 {
		stackBytes = k.cfg.StackBytes
	}

	k.mu.Lock()
	t, ok := k.addThreadLocked(fn, name, stackBytes, priority, proc)
	if !ok {
		k.mu.Unlock()
		return false
	}
	k.startThreadGoroutine(t)
	launched := k.launched
	self, signalee, preempted := k.insertReadyAndMaybePreemptLocked(t)
	k.mu.Unlock()

	if proc != nil {
		proc.Retain()
	}
	if !launched {
		return true
	}
	signal(signalee)
	if preempted && self != nil {
		park(self)
	}
	return true
}

// addThreadLocked allocates and registers a TCB without touching the
// ready ring; callers link it in themselves (New does this directly
// for idle, to avoid preempting during construction).
func (k *Kernel) addThreadLocked(fn func(), name string, stackBytes uint32, priority uint8, proc ProcessRef) (*TCB, bool) {
	slot := k.findFreeSlotLocked()
	if slot < 0 {
		if k.cfg.Log != nil {
			k.cfg.Log.Warn("sched.pool_full").Log("add_thread failed: no free TCB slot")
		}
		return nil, false
	}
	stack, ok := k.cfg.Heap.Malloc(stackBytes)
	if !ok {
		return nil, false
	}

	k.nextID++
	t := &TCB{
		id:          k.nextID,
		name:        name,
		priority:    priority,
		state:       StateReady,
		idx:         int32(slot),
		ringNext:    -1,
		ringPrev:    -1,
		blockedNext: -1,
		entry:       fn,
		resume:      make(chan struct{}, 1),
		stack:       stack,
		proc:        proc,
	}
	k.pool[slot] = t
	return t, true
}

func (k *Kernel) startThreadGoroutine(t *TCB) {
	go func() {
		park(t)
		t.entry()
		k.killSelf(t)
	}()
}

// currentLocked returns the running TCB, or nil if the kernel hasn't
// been launched and nothing is current yet.
func (k *Kernel) currentLocked() *TCB {
	if k.ringHead < 0 {
		return nil
	}
	return k.pool[k.ringHead]
}

// Current returns the calling thread's own TCB. It must be called
// from inside a thread body (including the implicit idle thread).
func (k *Kernel) Current() *TCB {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentLocked()
}

// Id returns the calling thread's id, the svc 0 operation.
func (k *Kernel) Id() uint32 {
	t := k.Current()
	if t == nil {
		panic("sched: Id called with no current thread")
	}
	return t.ID()
}

// park blocks the calling goroutine until it is handed the run
// token again. Every thread-owning goroutine, whenever it is not
// k.current, is parked here - this is the hosted analogue of a
// PendSV-suspended thread waiting for its register file to be
// restored.
func park(t *TCB) {
	<-t.resume
}

// signal hands the run token to t without blocking the caller. It is
// only ever called while holding, or having just released, k.mu for
// the state transition that decided t should run next.
func signal(t *TCB) {
	if t == nil {
		return
	}
	select {
	case t.resume <- struct{}{}:
	default:
		// already signalled (e.g. it never actually parked because
		// it was already current) - never send twice.
	}
}

// Checkpoint is the cooperative yield point background and
// compute-bound threads must call periodically. A single running
// goroutine cannot be asynchronously suspended mid-instruction the
// way PendSV suspends real hardware, so this is where a pending
// preemption (a higher-priority thread becoming ready) or a round
// robin rotation among same-priority peers actually takes effect. Every suspension primitive
// in this package (Wait, Sleep, Suspend, mailbox/FIFO operations)
// already yields the CPU as part of its own bookkeeping; Checkpoint
// exists for threads that don't otherwise block, e.g. the idle thread
// and any busy-looping worker.
//
// Because SleepTick, SliceTick and SignalFromISR never reassign who
// is running (see insertReadyLocked's preempt parameter), self here
// is trustworthy: nothing but the calling thread's own prior kernel
// calls can have moved k.currentLocked() away from it. Checkpoint
// first looks for a strictly higher priority thread that was readied
// in the meantime and steps down for it; failing that, it rotates its
// own band for round robin fairness.
func Checkpoint(k *Kernel) {
	k.mu.Lock()
	self := k.currentLocked()
	if self == nil || !k.launched || k.lockDepth > 0 {
		k.mu.Unlock()
		return
	}

	better := false
	for _, t := range k.pool {
		if t != nil && t.state == StateReady && t.priority < self.priority {
			better = true
			break
		}
	}
	if better {
		self.state = StateReady
		self.ringNext, self.ringPrev = -1, -1
		k.rescanLocked()
		newCur := k.currentLocked()
		if newCur != nil {
			newCur.state = StateRunning
		}
		k.mu.Unlock()
		signal(newCur)
		park(self)
		return
	}

	if self.ringNext >= 0 && k.pool[self.ringNext] != nil && k.pool[self.ringNext].id != self.id {
		// round robin: rotate within the active band.
		k.rotateLocked()
	}
	stillCurrent := k.currentLocked() == self
	k.mu.Unlock()
	if !stillCurrent {
		park(self)
	}
}

func (k *Kernel) rotateLocked() {
	head := k.pool[k.ringHead]
	next := head.ringNext
	if next < 0 || next == k.ringHead {
		return
	}
	if k.launched {
		head.state = StateReady
	}
	k.ringHead = next
	if k.launched {
		k.pool[next].state = StateRunning
	}
	signal(k.pool[next])
}

// Boot performs the setup real hardware's launch(slice_ticks) does
// before it starts running the scheduled thread: pick the
// highest-priority ready thread and make it current. Unlike Launch,
// Boot returns, which is what lets tests and sim.Harness drive the
// kernel without dedicating a goroutine to an infinite select{}.
func (k *Kernel) Boot() {
	k.mu.Lock()
	k.launched = true
	k.rescanLocked()
	cur := k.currentLocked()
	if cur != nil {
		cur.state = StateRunning
	}
	k.mu.Unlock()
	signal(cur)
}

// Launch boots the kernel and then blocks forever, matching
// spec.md's `launch(slice_ticks)` lifecycle operation, which never
// returns on real hardware (the core is left running the scheduled
// thread). sliceTicks is accepted for interface fidelity; the actual
// round robin cadence in this hosted build is driven externally (see
// sim.Harness), since there is no hardware timer to program here.
func (k *Kernel) Launch(sliceTicks uint32) {
	_ = sliceTicks
	k.Boot()
	select {}
}

// LockScheduler suppresses foreground ready-ring preemption: inserts
// still update thread state and queue membership, but no longer
// request an immediate switch, matching the filesystem-formatter use
// case named in spec.md's open question (a long critical section that
// must not be preempted by a newly-readied higher priority thread
// until it finishes). Interrupt-driven bookkeeping (semaphore signal,
// sleep wake) is untouched - only the preemption decision is
// suppressed. Calls nest; the matching number of UnlockScheduler
// calls re-enables preemption.
func (k *Kernel) LockScheduler() {
	k.mu.Lock()
	k.lockDepth++
	k.mu.Unlock()
}

// UnlockScheduler reverses one LockScheduler call. If this was the
// last nested lock, any preemption that was suppressed in the
// meantime takes effect at the caller's next Checkpoint (or
// suspension point).
func (k *Kernel) UnlockScheduler() {
	k.mu.Lock()
	if k.lockDepth == 0 {
		k.mu.Unlock()
		panic("sched: UnlockScheduler without matching LockScheduler")
	}
	k.lockDepth--
	k.mu.Unlock()
}

func (k *Kernel) String() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fmt.Sprintf("Kernel{threads=%d launched=%v}", k.countAliveLocked(), k.launched)
}

func (k *Kernel) countAliveLocked() int {
	n := 0
	for _, t := range k.pool {
		if t != nil {
			n++
		}
	}
	return n
}
