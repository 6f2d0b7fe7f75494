package sched

import "golang.org/x/exp/constraints"

// insertsBefore reports whether a waiter with priority p belongs
// ahead of an existing queue member with priority existing, in the
// semaphore blocked queue's "priority head, FIFO among equals"
// ordering (lower numeric priority is more urgent).
func insertsBefore[T constraints.Ordered](p, existing T) bool {
	return p < existing
}
