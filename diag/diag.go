// Package diag provides the kernel's structured diagnostics. The teacher
// kernel (a bare-metal build with no import path beyond the patched
// runtime) wires every subsystem straight to fmt.Printf; this repository
// is hosted, so it routes the same class of events (ELF rejection, heap
// exhaustion, a full periodic-task table, a full TCB pool) through
// logiface instead, with repeated lines throttled by catrate so a saturated
// system doesn't flood its log.
package diag

import (
	"io"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Log is the kernel-wide diagnostic sink. A nil *Log is valid and
// discards everything, so components can be constructed without one in
// tests that don't care about diagnostics.
type Log struct {
	l        *logiface.Logger[*stumpy.Event]
	throttle *catrate.Limiter
}

// New builds a Log writing newline-delimited JSON events to w, with
// repeated events for the same category limited to 20 per second.
func New(w io.Writer) *Log {
	return &Log{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		),
		throttle: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 20,
		}),
	}
}

// event starts a log entry at the given level for category, unless the
// category is currently throttled, in which case it returns nil and the
// caller's field chain becomes a no-op.
func (d *Log) event(level logiface.Level, category string) *logiface.Builder[*stumpy.Event] {
	if d == nil {
		return nil
	}
	if _, ok := d.throttle.Allow(category); !ok {
		return nil
	}
	return d.l.Build(level)
}

// Warn starts a warning-level diagnostic for category, rate limited per
// category.
func (d *Log) Warn(category string) *logiface.Builder[*stumpy.Event] {
	return d.event(logiface.LevelWarning, category)
}

// Err starts an error-level diagnostic for category, rate limited per
// category.
func (d *Log) Err(category string) *logiface.Builder[*stumpy.Event] {
	return d.event(logiface.LevelError, category)
}

// Info logs an informational diagnostic, unthrottled (boot/shutdown
// events, not the repeated-failure kind catrate exists for).
func (d *Log) Info() *logiface.Builder[*stumpy.Event] {
	if d == nil {
		return nil
	}
	return d.l.Info()
}
