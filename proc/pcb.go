// Package proc implements the process manager and ELF loader named by
// spec.md §4.9, grounded on original_source/lib/OS.c's OS_AddProcess/
// OS_Kill process cleanup and lib/loader.c's exec_elf pipeline.
package proc

import (
	"sync"

	"github.com/P1n3appl3/rtos-sub000/heap"
	"github.com/P1n3appl3/rtos-sub000/sched"
)

// MaxProcesses bounds the PCB table, mirroring original_source's
// MAX_PROCESSES.
const MaxProcesses = 8

// PCB owns the two heap allocations backing a loaded process's
// address space and tracks how many live threads reference it.
// It implements sched.ProcessRef so the scheduler can drop a
// process's buffers without importing this package.
type PCB struct {
	mu      sync.Mutex
	text    heap.Ptr
	data    heap.Ptr
	threads int
	alive   bool

	heap *heap.Heap
}

// Retain implements sched.ProcessRef: called once per thread that
// comes to share this process, including the initial thread
// AddProcess creates.
func (p *PCB) Retain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads++
}

// Release implements sched.ProcessRef: called once when a thread
// holding this reference dies. When the count reaches zero the
// process's owned text/data segments are freed, matching OS_Kill's
// "if (!--parent_process->threads) { free(data); free(text); }".
func (p *PCB) Release() {
	p.mu.Lock()
	p.threads--
	dead := p.threads == 0
	if dead {
		p.alive = false
	}
	text, data, h := p.text, p.data, p.heap
	p.mu.Unlock()

	if dead {
		h.Free(text)
		h.Free(data)
	}
}

// Alive reports whether this process still has at least one live
// thread.
func (p *PCB) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Manager is the fixed-size PCB table, grounded on OS_AddProcess's
// linear scan for a free slot.
type Manager struct {
	mu    sync.Mutex
	slots [MaxProcesses]*PCB
}

// NewManager creates an empty process table.
func NewManager() *Manager {
	return &Manager{}
}

// AddProcess allocates a PCB slot, records the process's two owned
// heap buffers, and creates its initial thread with a reference to
// the new PCB - per spec.md §4.9's "allocates a PCB slot, records
// the two owned heap buffers, creates an initial thread whose parent
// pointer references this PCB, and increments the PCB's thread
// count." Fails without side effects if the table is full or the
// initial thread can't be created.
//
// A dead slot's PCB is left in place rather than nilled out, exactly
// as OS_AddProcess's free-slot scan reuses any processes[i] with
// alive == false - the slot is "released" by marking it dead, not by
// removing it from the table.
func (m *Manager) AddProcess(
	k *sched.Kernel,
	entry func(),
	text, data heap.Ptr,
	stackBytes uint32,
	priority uint8,
) bool {
	m.mu.Lock()
	slot := -1
	for i, s := range m.slots {
		if s == nil || !s.Alive() {
			slot = i
			break
		}
	}
	if slot < 0 {
		m.mu.Unlock()
		return false
	}
	pcb := &PCB{text: text, data: data, alive: true, heap: k.Heap()}
	m.slots[slot] = pcb
	m.mu.Unlock()

	if !k.AddThreadWithProcess(entry, "process entry", stackBytes, priority, pcb) {
		m.mu.Lock()
		m.slots[slot] = nil
		m.mu.Unlock()
		return false
	}
	return true
}

// Count returns the number of currently live processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s != nil && s.Alive() {
			n++
		}
	}
	return n
}
