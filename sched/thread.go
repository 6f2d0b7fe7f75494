package sched

// Kill terminates the calling thread. Per spec.md, kill is self-only;
// calling it on behalf of another thread is a programmer error, so
// there is deliberately no Kernel.KillThread(t) - only a thread can
// kill itself, and a returning entry function kills itself
// automatically (see startThreadGoroutine).
func (k *Kernel) Kill() {
	t := k.Current()
	if t == nil {
		panic("sched: Kill called with no current thread")
	}
	k.killSelf(t)
	park(t) // never returns: nothing signals a dead thread again
}

// killSelf implements the Running -> Dead transition: frees the
// thread's stack, drops its process reference, removes it from the
// ready ring/pool and reschedules, exactly as spec.md's "Running ->
// Dead: via kill - frees stack, drops process reference, removes
// self, requests switch" describes. It is also the path a thread
// function takes by simply returning, since every thread's synthetic
// entry point is wrapped to call this on return (modelling the
// synthetic stack frame whose return address is kill on real
// hardware).
func (k *Kernel) killSelf(t *TCB) {
	k.mu.Lock()
	if t.state == StateDead {
		k.mu.Unlock()
		return
	}
	t.state = StateDead
	newCur := k.removeCurrentLocked(t)
	stack := t.stack
	proc := t.proc
	t.proc = nil
	k.pool[t.idx] = nil
	k.mu.Unlock()

	k.cfg.Heap.Free(stack)
	if proc != nil {
		proc.Release()
	}
	signal(newCur)
}

// Sleep puts the calling thread to sleep for the given number of
// ticks, per spec.md's `sleep(ticks)`. sleep(0) is equivalent to
// Suspend(), a pure cooperative yield with no deadline.
func (k *Kernel) Sleep(ticks uint32) {
	if ticks == 0 {
		k.Suspend()
		return
	}

	k.mu.Lock()
	self := k.currentLocked()
	if self == nil {
		k.mu.Unlock()
		panic("sched: Sleep called with no current thread")
	}
	self.state = StateAsleep
	self.sleepRemaining = ticks
	newCur := k.removeCurrentLocked(self)
	k.mu.Unlock()

	signal(newCur)
	park(self)
}

// Suspend is a cooperative yield: the calling thread gives up the
// core immediately and is re-inserted as ready at the tail of its
// band, without any sleep deadline. If no peer at the same priority
// is ready, priority-preemptive scheduling means the thread simply
// becomes current again - Suspend never lets a lower-priority thread
// run ahead of a ready higher-priority one.
func (k *Kernel) Suspend() {
	k.mu.Lock()
	self := k.currentLocked()
	if self == nil {
		k.mu.Unlock()
		return
	}
	// StateRunning used here as a transient "not eligible for rescan"
	// marker; insertReadyLocked below sets the real state.
	self.state = StateRunning
	k.removeCurrentLocked(self)
	k.insertReadyLocked(self, true)
	cur := k.currentLocked()
	if cur != nil && cur.id == self.id {
		cur.state = StateRunning
	}
	k.mu.Unlock()

	if cur != nil && cur.id == self.id {
		return
	}
	signal(cur)
	park(self)
}
