// Package periodic implements the background periodic task scheduler:
// a small table of (callback, period, priority) entries driven by a
// single simulated one-shot timer, dispatched highest-priority-first,
// with running jitter accounting. Grounded on
// original_source/lib/OS.c's ptasks/PTask/periodic_task/
// setup_next_ptask.
package periodic

import (
	"sync"

	"github.com/P1n3appl3/rtos-sub000/clock"
	"github.com/P1n3appl3/rtos-sub000/diag"
)

// MaxTasks bounds the periodic task table, matching
// original_source's MAX_PTASKS (4); spec.md requires at least 4.
const MaxTasks = 4

const jitterBuckets = 128

type task struct {
	fn        func()
	priority  uint8
	reload    uint32
	remaining uint32
	last      uint32
}

// Scheduler owns the periodic task table and the one-shot rearm
// bookkeeping. It does not own a hardware timer: the caller (normally
// sim.Harness, standing in for the NVIC) calls Arm once and then Fire
// every time the delay it was last given elapses, exactly as
// timer_enable's callback argument stands in for a real one-shot.
type Scheduler struct {
	mu    sync.Mutex
	clock clock.Source
	log   *diag.Log

	tasks   []*task
	pending []*task // dispatch chain built by the last Arm/Fire call

	maxJitter uint32
	histogram [jitterBuckets]uint32
}

func New(clk clock.Source, log *diag.Log) *Scheduler {
	return &Scheduler{clock: clk, log: log}
}

// AddPeriodic registers a background task, grounded on
// OS_AddPeriodicThread. Per spec.md §4.6, background tasks must not
// block, sleep or kill; they may signal semaphores and add_thread -
// this package has no way to enforce that at compile time, so it is
// a contract on fn, same as Wait's "not from ISR context" contract is
// on its caller.
func (s *Scheduler) AddPeriodic(fn func(), period uint32, priority uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) >= MaxTasks {
		if s.log != nil {
			s.log.Warn("periodic.table_full").Log("add_periodic failed: table full")
		}
		return false
	}
	s.tasks = append(s.tasks, &task{
		fn:        fn,
		priority:  priority,
		reload:    period,
		remaining: period,
		last:      s.clock.Now(),
	})
	return true
}

// Arm builds the first dispatch chain and returns the delay until
// Fire should first be called, as if setup_next_ptask(0) had just run
// at boot.
func (s *Scheduler) Arm() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rearmLocked(0)
}

// Fire executes the pending dispatch chain - the tasks setup_next_ptask
// found due at the last Arm/Fire call - highest priority first,
// measuring each one's jitter against its reload period, then rearms
// for the next batch. elapsed is the processing time this batch took
// (original_source's `OS_Time() - time`, the lag folded into the next
// threshold so a task that comes due mid-batch isn't skipped).
// Returns the delay until Fire should next be called.
func (s *Scheduler) Fire(elapsed uint32) uint32 {
	s.mu.Lock()
	chain := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range chain {
		now := s.clock.Now()
		s.mu.Lock()
		jitter := clock.ToMicroseconds(absDiff(now-t.last, t.reload))
		t.last = now
		if jitter > s.maxJitter {
			s.maxJitter = jitter
		}
		idx := jitter
		if idx >= jitterBuckets {
			idx = jitterBuckets - 1
		}
		s.histogram[idx]++
		s.mu.Unlock()

		// Runs from interrupt context: must not block, sleep or kill.
		t.fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rearmLocked(elapsed)
}

// rearmLocked ports setup_next_ptask: find the minimum remaining
// countdown across all tasks, fold in the caller's lag to get a
// threshold, sweep every task due within that threshold into the next
// dispatch chain (resetting its countdown to reload minus overshoot),
// and return the delay for the next one-shot arm (never less than 1
// tick, so a zero-period misconfiguration can't spin the caller).
func (s *Scheduler) rearmLocked(lag uint32) uint32 {
	if len(s.tasks) == 0 {
		return 1
	}

	minRemaining := s.tasks[0].remaining
	for _, t := range s.tasks[1:] {
		if t.remaining < minRemaining {
			minRemaining = t.remaining
		}
	}
	threshold := minRemaining
	if lag > threshold {
		threshold = lag
	}

	var chain []*task
	for _, t := range s.tasks {
		if t.remaining <= threshold {
			chain = insertByPriority(chain, t)
			overshoot := threshold - t.remaining
			if overshoot > t.reload {
				t.remaining = 0
			} else {
				t.remaining = t.reload - overshoot
			}
		} else {
			t.remaining -= threshold
		}
	}
	s.pending = chain

	delay := int64(minRemaining) - int64(lag)
	if delay < 1 {
		delay = 1
	}
	return uint32(delay)
}

// insertByPriority keeps chain sorted lowest-priority-value-first
// (highest priority first), FIFO among equal priorities, matching
// spec.md's "linked into a priority-ordered dispatch chain (highest
// priority first)". original_source's own ptask_insert corrupts the
// chain into a self-loop whenever the inserted task becomes the new
// head (it falls through into a second insertion pass against its own,
// already-updated head pointer); spec.md's prose is unambiguous and
// correct, so that bug isn't reproduced here.
func insertByPriority(chain []*task, t *task) []*task {
	i := 0
	for i < len(chain) && chain[i].priority <= t.priority {
		i++
	}
	chain = append(chain, nil)
	copy(chain[i+1:], chain[i:])
	chain[i] = t
	return chain
}

func absDiff(a, b uint32) uint32 {
	if a < b {
		return b - a
	}
	return a - b
}

// MaxJitter returns the largest jitter, in microseconds, observed
// across every fire so far.
func (s *Scheduler) MaxJitter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxJitter
}

// Histogram returns a copy of the microsecond-bucketed jitter
// histogram (bucket 127 is a catch-all for anything ≥127µs).
func (s *Scheduler) Histogram() [jitterBuckets]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.histogram
}

// NumTasks reports how many periodic tasks are registered.
func (s *Scheduler) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
