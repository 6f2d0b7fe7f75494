package sched

// SleepTick advances every sleeping thread's remaining-ticks deadline
// by elapsed ticks, waking (re-inserting as ready) any that reach
// zero. Grounded on original_source/lib/OS.c's sleep_task: a
// fixed-period scan of the whole TCB pool, O(MAX_THREADS) per call,
// under the scheduler's critical section. spec.md's open question
// permits this over a delta-queue provided correctness holds, which
// it does here. Intended to be driven by a background goroutine
// standing in for the 1 ms hardware tick interrupt (see sim.Harness),
// never by a thread.
//
// A woken thread is never promoted straight to running and never
// signalled here, even if it strictly outranks whoever is current:
// unlike real hardware, this caller cannot suspend the currently
// running goroutine mid-instruction, so it only ever marks threads
// ready (see insertReadyLocked's preempt parameter). The preemption
// takes effect only once the running thread reaches its own next
// Checkpoint (or another yield point), which is the only context
// where "who is current" can be answered safely.
func (k *Kernel) SleepTick(elapsed uint32) {
	k.mu.Lock()
	for _, t := range k.pool {
		if t == nil || t.state != StateAsleep {
			continue
		}
		if t.sleepRemaining <= elapsed {
			t.sleepRemaining = 0
			k.insertReadyLocked(t, false)
		} else {
			t.sleepRemaining -= elapsed
		}
	}
	k.mu.Unlock()
}

// SliceTick is the "recurring tick interrupt whose sole action is to
// pend the switch" spec.md describes driving time slicing. Like
// SleepTick, it is meant to be driven by a background goroutine, not
// a thread, which means it cannot itself perform the rotation: the
// running goroutine is the only one that can safely step itself down.
// Round robin fairness is instead provided by Checkpoint, which
// rotates its own band on every call it makes while nothing higher
// priority is ready - a busy thread calling Checkpoint periodically
// already yields to same-priority peers without needing a tick count.
// SliceTick is kept as a no-op entry point for interface fidelity with
// spec.md and sim.Harness's tick loop.
func (k *Kernel) SliceTick() {}
