// Package svc implements supervisor-call dispatch, the only mechanism
// by which a loaded ELF process reaches kernel services (spec.md
// §4.10). It is grounded on original_source/lib/OS.c's
// OS_SVC_handler, which switches on an immediate operand decoded from
// the faulting instruction and reads/writes its arguments through the
// hardware-saved register frame.
//
// On real hardware the SVC instruction's immediate byte is recovered
// from the faulting return address (`((uint16_t*)PC)[-1] & 0xFF`) and
// reg points at the exception frame's R0-R3 slots, which is also
// where the return value is written back. This package models that
// frame directly as Frame rather than reproducing the decode, since
// there is no fault/PC to read in a hosted Go process.
package svc

import "github.com/P1n3appl3/rtos-sub000/sched"

// Number identifies which kernel service a supervisor call invokes,
// matching spec.md §4.10's {0: Id, 1: Kill, 2: Sleep, 3: Time, 4:
// AddThread} exactly.
type Number uint8

const (
	Id Number = iota
	Kill
	Sleep
	Time
	AddThread
)

// Frame is the caller's saved register frame: R0 doubles as both the
// first argument slot and, on return, the result slot, mirroring
// OS_SVC_handler's `*reg = result`. AddThread additionally reads R1
// (name), R2 (stack_bytes), and R3 (priority) - OS_SVC_handler's
// `*(reg+1)`, `*(reg+2)`, `*(reg+3)`.
type Frame struct {
	R0 uint32
	R1 string
	R2 uint32
	R3 uint8

	// Entry is the function AddThread should run - there is no
	// function-pointer encoding to recover from R0 in hosted Go, so
	// the caller supplies it directly instead of encoding it as a
	// register value.
	Entry func()
}

// Dispatch routes a supervisor call to the corresponding kernel
// method on k, reading arguments from and writing results back to
// frame exactly as OS_SVC_handler does with its register frame.
func Dispatch(k *sched.Kernel, num Number, frame *Frame) {
	switch num {
	case Id:
		frame.R0 = k.Id()
	case Kill:
		k.Kill()
	case Sleep:
		k.Sleep(frame.R0)
	case Time:
		frame.R0 = k.Clock().Now()
	case AddThread:
		ok := k.AddThread(frame.Entry, frame.R1, frame.R2, frame.R3)
		if ok {
			frame.R0 = 1
		} else {
			frame.R0 = 0
		}
	default:
		panic("svc: unrecognized SVC number")
	}
}
