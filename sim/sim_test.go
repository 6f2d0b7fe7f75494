package sim_test

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P1n3appl3/rtos-sub000/blockfile"
	"github.com/P1n3appl3/rtos-sub000/clock"
	"github.com/P1n3appl3/rtos-sub000/heap"
	"github.com/P1n3appl3/rtos-sub000/ipc"
	"github.com/P1n3appl3/rtos-sub000/periodic"
	"github.com/P1n3appl3/rtos-sub000/proc"
	"github.com/P1n3appl3/rtos-sub000/sched"
)

// driveTicks advances clk by step and pumps the kernel's sleep/slice
// ticks n times, standing in for the SysTick ISR a real Harness.Run
// goroutine would be driving on real hardware.
func driveTicks(k *sched.Kernel, clk *clock.Manual, step uint32, n int) {
	for i := 0; i < n; i++ {
		clk.Advance(step)
		k.SleepTick(step)
		k.SliceTick()
	}
}

// TestS1PriorityPreemption is spec.md §8's S1: a tight low priority
// loop, a high priority thread that sleeps 100ms then signals, and a
// mid priority thread waiting on that signal. Within 101ms of launch,
// B must be 1, and the low priority loop must have kept making
// progress the whole time (never simply starved by the scheduler
// losing track of it).
func TestS1PriorityPreemption(t *testing.T) {
	clk := clock.NewManual(0)
	k := sched.New(sched.Config{MaxThreads: 8, StackBytes: 512, Clock: clk})

	var a, b int64
	sem := k.NewSema(0)
	midDone := make(chan struct{})

	k.AddThread(func() {
		for {
			atomic.AddInt64(&a, 1)
			sched.Checkpoint(k)
		}
	}, "low", 0, 3)

	k.AddThread(func() {
		k.Sleep(clock.Milliseconds(100))
		sem.Signal()
		k.Kill()
	}, "high", 0, 0)

	k.AddThread(func() {
		sem.Wait()
		atomic.AddInt64(&b, 1)
		close(midDone)
		k.Kill()
	}, "mid", 0, 1)

	k.Boot()
	before := atomic.LoadInt64(&a)

	driveTicks(k, clk, clock.Milliseconds(1), 101)

	require.Eventually(t, func() bool {
		select {
		case <-midDone:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond, "mid thread never woke within 101ms of launch")
	assert.EqualValues(t, 1, atomic.LoadInt64(&b))
	assert.Greater(t, atomic.LoadInt64(&a), before)
}

// TestS2FIFOProducerConsumer is spec.md §8's S2: a periodic task puts
// monotonically increasing integers into a capacity-16 FIFO; a
// consumer thread gets and checks strict sequentiality. After 10000
// items, no errors and nothing dropped.
func TestS2FIFOProducerConsumer(t *testing.T) {
	const items = 10000

	clk := clock.NewManual(0)
	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 512, Clock: clk})
	f, ok := ipc.NewFIFO(k, 16)
	require.True(t, ok)
	ps := periodic.New(clk, nil)

	produced := uint32(0)
	var errs int64
	var gotCount int64
	done := make(chan struct{})

	ok = ps.AddPeriodic(func() {
		if produced >= items {
			return
		}
		if f.Put(produced) {
			produced++
		}
	}, clock.Microseconds(500), 0)
	require.True(t, ok)

	k.AddThread(func() {
		var expect uint32
		for gotCount < items {
			v := f.Get()
			if v != expect {
				atomic.AddInt64(&errs, 1)
			}
			expect = v + 1
			gotCount++
		}
		close(done)
		k.Kill()
	}, "consumer", 0, 2)
	k.Boot()

	// Fires are driven one at a time here, each waiting for the
	// consumer to catch up before the next is allowed - standing in
	// for the real wall-clock pacing (500us production interval, a
	// priority-2 consumer that easily keeps up) that keeps a real
	// deployment's FIFO from ever approaching its capacity.
	delay := ps.Arm()
	for produced < items || f.Size() > 0 {
		clk.Advance(delay)
		delay = ps.Fire(0)
		require.Eventually(t, func() bool { return f.Size() == 0 }, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.Zero(t, errs, "error_count")
	assert.Zero(t, f.Dropped(), "data_lost")
}

// TestS3JitterBound is spec.md §8's S3: a 1ms periodic task on an
// otherwise idle system for a simulated 10s. On an idle system the
// single-task rearm threshold always equals its own reload exactly,
// so jitter should be zero every firing and bucket 0 should hold the
// entire histogram mass.
func TestS3JitterBound(t *testing.T) {
	clk := clock.NewManual(0)
	s := periodic.New(clk, nil)
	fires := 0
	require.True(t, s.AddPeriodic(func() { fires++ }, clock.Milliseconds(1), 0))

	delay := s.Arm()
	for clk.Now() < clock.Seconds(10) {
		clk.Advance(delay)
		delay = s.Fire(0)
	}

	assert.LessOrEqual(t, s.MaxJitter(), uint32(100)) // MaxJitter is in microseconds
	hist := s.Histogram()
	for i, count := range hist {
		if i != 0 {
			assert.Zero(t, count, "bucket %d should be empty on an idle system", i)
		}
	}
	assert.Greater(t, hist[0], uint32(0))
	assert.Greater(t, fires, 9000)
}

// TestS4SleepWakeUp is spec.md §8's S4: four threads sleep
// 10ms*(i+1) and record time(); the recorded times must be
// monotonically increasing and each within 1ms of its target.
func TestS4SleepWakeUp(t *testing.T) {
	clk := clock.NewManual(0)
	k := sched.New(sched.Config{MaxThreads: 8, StackBytes: 512, Clock: clk})

	recorded := make([]uint32, 4)
	done := make(chan struct{})
	var remaining int64 = 4

	for i := 0; i < 4; i++ {
		i := i
		k.AddThread(func() {
			k.Sleep(clock.Milliseconds(float64(10 * (i + 1))))
			recorded[i] = clk.Now()
			if atomic.AddInt64(&remaining, -1) == 0 {
				close(done)
			}
			k.Kill()
		}, "sleeper", 0, uint8(i))
	}
	k.Boot()

	driveTicks(k, clk, clock.Milliseconds(1), 41)

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	for i := 1; i < len(recorded); i++ {
		assert.GreaterOrEqual(t, recorded[i], recorded[i-1])
	}
	for i, got := range recorded {
		target := clock.Milliseconds(float64(10 * (i + 1)))
		diff := clock.Difference(target, got)
		if got < target {
			diff = clock.Difference(got, target)
		}
		assert.LessOrEqual(t, diff, clock.Milliseconds(1))
	}
}

// elfSegment and buildELF assemble a minimal ELF32 EXEC image, laid out
// exactly as proc.Loader expects: header, program header table, then
// each segment's raw bytes. Mirrors proc package's own test helper,
// since this package can't import an unexported test helper from
// another one.
type elfSegment struct {
	flags uint32
	data  []byte
	memsz uint32
}

func buildELF(entry uint32, segs []elfSegment) []byte {
	const (
		elfHdrSize  = 52
		phEntrySize = 32
		typeExec    = 2
		machineARM  = 40
		ptLoad      = 1
	)
	phoff := uint32(elfHdrSize)
	dataOff := phoff + uint32(len(segs))*phEntrySize

	hdr := make([]byte, elfHdrSize)
	hdr[0], hdr[1], hdr[2], hdr[3], hdr[4] = 0x7F, 'E', 'L', 'F', 1
	binary.LittleEndian.PutUint16(hdr[16:18], typeExec)
	binary.LittleEndian.PutUint16(hdr[18:20], machineARM)
	binary.LittleEndian.PutUint32(hdr[24:28], entry)
	binary.LittleEndian.PutUint32(hdr[28:32], phoff)
	binary.LittleEndian.PutUint16(hdr[44:46], uint16(len(segs)))

	var phdrs, body []byte
	off := dataOff
	for _, s := range segs {
		ph := make([]byte, phEntrySize)
		binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
		binary.LittleEndian.PutUint32(ph[4:8], off)
		binary.LittleEndian.PutUint32(ph[16:20], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(ph[20:24], s.memsz)
		binary.LittleEndian.PutUint32(ph[24:28], s.flags)
		phdrs = append(phdrs, ph...)
		body = append(body, s.data...)
		off += uint32(len(s.data))
	}

	out := append(hdr, phdrs...)
	return append(out, body...)
}

// TestS5ELFLoad is spec.md §8's S5: an ELF with one executable and one
// writable segment is written into the block-file store; exec_elf
// returns true, process count increments by one, and once the loaded
// image's entry (which this hosted loader cannot actually jump into,
// so its auto-killing entry thread stands in for "main returns and
// calls kill") finishes, process count decrements and both segment
// allocations are observed freed in heap_space().
func TestS5ELFLoad(t *testing.T) {
	const heapSize = 64 * 1024

	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 256, Heap: heap.New(heapSize)})
	before := k.Heap().Space()

	procs := proc.NewManager()
	store := blockfile.NewMem()
	loader := proc.NewLoader(store, procs, nil)

	text := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := []byte{1, 2, 3, 4}
	store.Put("prog.elf", buildELF(2, []elfSegment{
		{flags: 1, data: text, memsz: uint32(len(text))}, // executable
		{flags: 2, data: data, memsz: uint32(len(data))}, // writable
	}))

	// Exec runs pre-launch, exactly like proc package's own loader
	// tests: add_process is safe to call before launch from any
	// goroutine, since nothing is running yet to preempt.
	err := loader.Exec(k, "prog.elf", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, procs.Count())

	// Booting now starts the loaded process's thread (priority 10, well
	// above idle's reserved 255) alongside idle; its entry returns
	// immediately, auto-killing it the same way a real main returning
	// and calling kill would.
	k.Boot()

	require.Eventually(t, func() bool {
		return k.Heap().Space() == before
	}, time.Second, time.Millisecond, "text and data segments were never freed")
	assert.Equal(t, 0, procs.Count())
}

// TestS6OOMRecovery is spec.md §8's S6: two threads repeatedly
// malloc(32)/free in a tight loop for a simulated second. Expected: no
// allocator corruption, and heap_space() returns to its initial value
// once both threads are killed.
func TestS6OOMRecovery(t *testing.T) {
	const heapSize = 4096

	k := sched.New(sched.Config{MaxThreads: 4, StackBytes: 256, Heap: heap.New(heapSize)})
	before := k.Heap().Space()

	const iterations = 2000
	var remaining int64 = 2
	done := make(chan struct{})

	worker := func() {
		for i := 0; i < iterations; i++ {
			p, ok := k.Heap().Malloc(32)
			if ok {
				k.Heap().Free(p)
			}
			sched.Checkpoint(k)
		}
		if atomic.AddInt64(&remaining, -1) == 0 {
			close(done)
		}
		k.Kill()
	}
	k.AddThread(worker, "oom-a", 0, 1)
	k.AddThread(worker, "oom-b", 0, 2)
	k.Boot()

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	// done is closed just before the last worker calls Kill, so its
	// stack may not be back on the free list yet.
	require.Eventually(t, func() bool { return k.Heap().Space() == before }, time.Second, time.Millisecond)
	assert.Equal(t, before, k.Heap().Space(), "heap space should return to its initial value once both threads are killed")
}
