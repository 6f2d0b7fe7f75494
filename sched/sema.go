package sched

// Sema is a blocking counting semaphore, grounded on
// original_source/lib/OS.c's OS_Wait/OS_Signal: Wait decrements the
// counter and blocks only if it goes negative; Signal increments it
// and, if the pre-increment value was negative, wakes the
// highest-priority waiter (FIFO among equals). BWait/BSignal are the
// binary variants spec.md §4.5/§6 name (bwait/bsignal): the same
// mechanism with the counter saturated at 1, so a signal that finds
// no one waiting never lets credit accumulate past one outstanding
// unit. ipc builds its mailbox on BWait/BSignal and its FIFO (one
// Sema tracking filled slots) on the plain counting variant.
type Sema struct {
	k       *Kernel
	counter int32
	headIdx int32 // index into k.pool of the highest-priority waiter, -1 if none
}

// NewSema creates a semaphore with the given initial count.
func (k *Kernel) NewSema(initial int32) *Sema {
	return &Sema{k: k, counter: initial, headIdx: -1}
}

// Count returns the semaphore's current counter value; negative means
// that many threads are blocked waiting on it.
func (s *Sema) Count() int32 {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	return s.counter
}

// Wait decrements the semaphore and blocks the calling thread if the
// result is negative. Must not be called from a context with no
// current thread (e.g. a periodic task's callback); doing so is a
// programmer error and panics, per spec.md's error taxonomy.
func (s *Sema) Wait() {
	k := s.k
	k.mu.Lock()
	self := k.currentLocked()
	if self == nil {
		k.mu.Unlock()
		panic("sched: Wait called from a context with no current thread")
	}

	s.counter--
	if s.counter >= 0 {
		k.mu.Unlock()
		return
	}

	self.state = StateBlocked
	s.enqueueLocked(self)
	newCur := k.removeCurrentLocked(self)
	k.mu.Unlock()

	signal(newCur)
	park(self)
}

// Signal increments the semaphore and, if a thread was waiting, wakes
// the highest-priority one, called by a thread. If that wakes a
// strictly higher-priority thread than the caller, the caller is
// itself preempted and parks here until it is rescheduled - the
// hosted analogue of the pended switch real hardware would take on
// return from this call.
func (s *Sema) Signal() {
	self, preempted := s.signal(true, false)
	if preempted && self != nil {
		park(self)
	}
}

// SignalFromISR is Signal's interrupt-context counterpart: used by
// the periodic task dispatcher and FIFO producers, where the caller
// is a background goroutine standing in for a hardware interrupt
// source, not a TCB-owning goroutine. It performs the same wake
// bookkeeping but never parks anything and never promotes the woken
// thread to running - on real hardware the interrupted thread keeps
// running until it returns from the handler, at which point the
// pended switch lands; here it keeps running until its own next
// Checkpoint, which is what actually applies any preemption the wake
// causes (see insertReadyLocked's preempt parameter). Calling Wait
// from this context is the "blocking primitive from ISR context"
// programmer error spec.md calls out, and is not offered by this
// type at all.
func (s *Sema) SignalFromISR() {
	s.signal(false, false)
}

// BWait is bwait's blocking primitive: identical to Wait. The
// saturation BSignal applies is purely a Signal-side property (it
// never exceeds one outstanding unit); decrementing is the same
// operation either way.
func (s *Sema) BWait() {
	s.Wait()
}

// BSignal is Signal's binary-semaphore variant: it increments and
// wakes exactly as Signal does, but caps the counter at 1 afterward so
// a signal arriving with no one waiting never accumulates credit for
// more than one future Wait - matching spec.md's "saturation at 1".
func (s *Sema) BSignal() {
	self, preempted := s.signal(true, true)
	if preempted && self != nil {
		park(self)
	}
}

// BSignalFromISR is BSignal's interrupt-context counterpart, exactly
// as SignalFromISR is to Signal.
func (s *Sema) BSignalFromISR() {
	s.signal(false, true)
}

func (s *Sema) signal(preempt, saturate bool) (self *TCB, preempted bool) {
	k := s.k
	k.mu.Lock()
	s.counter++
	if saturate && s.counter > 1 {
		s.counter = 1
	}
	if s.counter > 0 {
		k.mu.Unlock()
		return nil, false
	}

	woken := s.dequeueLocked()
	if woken == nil {
		k.mu.Unlock()
		panic("sched: semaphore accounting corrupt: negative count but no waiter queued")
	}
	if !preempt {
		k.insertReadyLocked(woken, false)
		k.mu.Unlock()
		return nil, false
	}
	self, signalee, preempted := k.insertReadyAndMaybePreemptLocked(woken)
	k.mu.Unlock()

	signal(signalee)
	return self, preempted
}

func (s *Sema) enqueueLocked(t *TCB) {
	k := s.k
	if s.headIdx < 0 {
		t.blockedNext = -1
		s.headIdx = t.idx
		return
	}
	if insertsBefore(t.priority, k.pool[s.headIdx].priority) {
		t.blockedNext = s.headIdx
		s.headIdx = t.idx
		return
	}
	prev := k.pool[s.headIdx]
	for prev.blockedNext >= 0 && !insertsBefore(t.priority, k.pool[prev.blockedNext].priority) {
		prev = k.pool[prev.blockedNext]
	}
	t.blockedNext = prev.blockedNext
	prev.blockedNext = t.idx
}

func (s *Sema) dequeueLocked() *TCB {
	if s.headIdx < 0 {
		return nil
	}
	t := s.k.pool[s.headIdx]
	s.headIdx = t.blockedNext
	t.blockedNext = -1
	return t
}
