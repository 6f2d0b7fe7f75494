package sched

// insertReadyLocked makes t ready and threads it into the scheduler's
// ready ring, grounded on original_source/lib/OS.c's insert_thread:
// a thread strictly higher priority than the active band preempts it
// and becomes a new, singleton band (the old current, if it was
// running, is demoted to dormant-ready and rediscovered by a later
// rescan); a thread at the same priority as the active band joins its
// tail, preserving round-robin fairness; anything lower priority is
// simply marked ready and left unlinked, to be found the next time
// the active band empties. Returns the thread that should be
// signalled as a result (the new current), or nil if current didn't
// change.
//
// preempt must be true only when the caller is itself the running
// thread making the call (AddThread, Signal) - it captures "current"
// and acts on the result within the same critical section, so the
// demotion it performs is immediately visible to the one goroutine
// it affects. Background/ISR-context callers (SleepTick,
// SignalFromISR) pass false: they can mark a thread ready,
// but cannot force the physically-running goroutine of the thread
// they'd be demoting to stop running, so the preemption branch is
// skipped entirely and the new arrival is left dormant, to be
// discovered and acted on only at the running thread's own next
// Checkpoint (or other yield point) - see Checkpoint's doc comment.
//
// While scheduling is locked (LockScheduler/UnlockScheduler), the
// preemption branch is likewise suppressed: a strictly-higher-priority
// thread still becomes ready, but is left dormant like a lower-priority
// one, so the calling thread's critical section runs to completion.
func (k *Kernel) insertReadyLocked(t *TCB, preempt bool) *TCB {
	t.state = StateReady

	if k.ringHead < 0 {
		t.ringNext, t.ringPrev = t.idx, t.idx
		k.ringHead = t.idx
		return nil
	}

	head := k.pool[k.ringHead]
	switch {
	case preempt && k.lockDepth == 0 && t.priority < head.priority:
		if head.state == StateRunning {
			head.state = StateReady
		}
		t.ringNext, t.ringPrev = t.idx, t.idx
		k.ringHead = t.idx
		if k.launched {
			t.state = StateRunning
		}
		return t

	case t.priority == head.priority:
		tail := k.pool[head.ringPrev]
		t.ringNext = k.ringHead
		t.ringPrev = head.ringPrev
		tail.ringNext = t.idx
		head.ringPrev = t.idx
		return nil

	default:
		t.ringNext, t.ringPrev = -1, -1
		return nil
	}
}

// insertReadyAndMaybePreemptLocked wraps insertReadyLocked for the
// case where the caller is itself a running thread (AddThread,
// Signal) that may have just preempted itself out of Running state.
// Returns the calling thread (to be parked by the caller once the
// lock is released, if preempted) and the thread that should be
// signalled. Before the kernel is launched nothing is actually
// executing yet - add_thread is explicitly allowed to be called
// pre-launch to set up the initial thread set - so preemption is
// never reported in that case, even though insertReadyLocked still
// updates the (not yet meaningful) ring head.
func (k *Kernel) insertReadyAndMaybePreemptLocked(t *TCB) (self, signalee *TCB, preempted bool) {
	self = k.currentLocked()
	signalee = k.insertReadyLocked(t, true)
	preempted = k.launched && signalee != nil && self != nil && signalee.id != self.id
	return self, signalee, preempted
}

// rescanLocked rebuilds the ready ring from scratch: a full scan of
// the TCB pool for the lowest-priority-value (highest priority) set
// of Ready threads, linked into a fresh ring in pool order. This is
// the O(MAX_THREADS) operation spec.md's design notes call out as the
// acceptable cost of losing track of a band's membership across a
// preemption.
func (k *Kernel) rescanLocked() {
	best := 256
	var members []int32
	for i, t := range k.pool {
		if t == nil || t.state != StateReady {
			continue
		}
		switch {
		case int(t.priority) < best:
			best = int(t.priority)
			members = members[:0]
			members = append(members, int32(i))
		case int(t.priority) == best:
			members = append(members, int32(i))
		}
	}

	if len(members) == 0 {
		k.ringHead = -1
		return
	}
	for j, idx := range members {
		t := k.pool[idx]
		t.ringNext = members[(j+1)%len(members)]
		t.ringPrev = members[(j-1+len(members))%len(members)]
	}
	k.ringHead = members[0]
}

// removeCurrentLocked takes the current thread out of the ready ring
// after its state has already been set to something other than
// Ready/Running by the caller (Blocked, Asleep or Dead), and picks
// the next thread to run via a full rescan. Returns the new current
// thread (to be signalled by the caller once the lock is released),
// or nil if none exists (only possible before the idle thread exists,
// i.e. never in practice).
//
// This always rescans rather than splicing self out of its own
// band's ring, because a background tick or ISR-context signal may
// have readied a strictly higher priority thread since self last
// checked in (see insertReadyLocked's preempt parameter) without
// linking it into self's band at all - only a full priority scan is
// guaranteed to find it.
func (k *Kernel) removeCurrentLocked(self *TCB) *TCB {
	self.ringNext, self.ringPrev = -1, -1
	k.rescanLocked()

	cur := k.currentLocked()
	if cur != nil && k.launched {
		cur.state = StateRunning
	}
	return cur
}
