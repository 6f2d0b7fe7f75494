// Package sim wires a Kernel, a periodic.Scheduler, a process manager
// and an in-memory block-file store together into a runnable system,
// standing in for the teacher's own main() - which boots the kernel,
// attaches its hardware devices, and execs an init process. Harness's
// Run does the hosted equivalent: it starts the background goroutines
// that stand in for hardware interrupt sources (the slice/sleep tick
// and the periodic-task one-shot timer) under an errgroup.Group, the
// same idiom the teacher uses to fire off its own device goroutines.
package sim

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/P1n3appl3/rtos-sub000/blockfile"
	"github.com/P1n3appl3/rtos-sub000/clock"
	"github.com/P1n3appl3/rtos-sub000/diag"
	"github.com/P1n3appl3/rtos-sub000/periodic"
	"github.com/P1n3appl3/rtos-sub000/proc"
	"github.com/P1n3appl3/rtos-sub000/sched"
)

// SliceTicks is the round-robin quantum this harness runs the kernel
// with, in clock ticks - 2ms at the target's 10MHz counter rate,
// matching scenario S1's "launch with 2ms slice".
const SliceTicks = clock.TicksPerSecond / 500

// Harness owns every moving part a loaded process or a test scenario
// needs: the kernel, the periodic scheduler, the process manager, and
// a block-file store to exec ELF images from.
type Harness struct {
	Kernel   *sched.Kernel
	Periodic *periodic.Scheduler
	Procs    *proc.Manager
	Loader   *proc.Loader
	Store    *blockfile.Mem
	Log      *diag.Log

	clock clock.Source
}

// New builds a Harness on top of the given kernel config. The
// periodic scheduler and process manager share the kernel's clock and
// diagnostic sink.
func New(cfg sched.Config) *Harness {
	k := sched.New(cfg)
	store := blockfile.NewMem()
	procs := proc.NewManager()
	return &Harness{
		Kernel:   k,
		Periodic: periodic.New(k.Clock(), k.Log()),
		Procs:    procs,
		Loader:   proc.NewLoader(store, procs, k.Log()),
		Store:    store,
		Log:      k.Log(),
		clock:    k.Clock(),
	}
}

// Run launches the kernel and drives it under a real (or real-time
// simulated) clock: one goroutine advances the sleep-wakeup tick every
// millisecond and the round-robin slice tick every SliceTicks, another
// (started only if a periodic task is registered) fires the periodic
// task dispatcher on the schedule periodic.Scheduler.Arm/Fire compute.
// Both run until ctx is cancelled. The scenario tests (S1-S6) do not
// call Run: they construct the kernel directly and drive its ticks by
// hand, with a clock.Manual where timing matters.
func (h *Harness) Run(ctx context.Context) error {
	h.Kernel.Boot()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sleepTicker := time.NewTicker(time.Millisecond)
		defer sleepTicker.Stop()
		sliceTicker := time.NewTicker(time.Duration(clock.ToMicroseconds(SliceTicks)) * time.Microsecond)
		defer sliceTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sleepTicker.C:
				h.Kernel.SleepTick(clock.Milliseconds(1))
			case <-sliceTicker.C:
				h.Kernel.SliceTick()
			}
		}
	})

	if h.Periodic.NumTasks() > 0 {
		g.Go(func() error {
			delay := h.Periodic.Arm()
			for {
				timer := time.NewTimer(time.Duration(clock.ToMicroseconds(delay)) * time.Microsecond)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
					// The dispatch chain's own processing lag isn't
					// separately measurable in a hosted goroutine the way
					// OS_Time()-time is inside the real one-shot ISR, so
					// it's treated as negligible here (elapsed=0) - the
					// jitter this introduces is itself what Scheduler's
					// histogram measures.
					delay = h.Periodic.Fire(0)
				}
			}
		})
	}

	return g.Wait()
}
