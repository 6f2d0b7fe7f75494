package clock

import "time"

// Real is the production Source: it derives ticks from the host's
// monotonic clock. On the actual target there is no host clock at all,
// just the free-running timer peripheral; Real exists so cmd/simulate
// can run against something resembling real time when a test isn't
// driving a Manual instead.
type Real struct {
	start time.Time
}

// NewReal starts a Real clock at the current instant, so Now() begins
// near zero rather than at an arbitrary large tick count.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() uint32 {
	return uint32(time.Since(r.start).Nanoseconds() / 100)
}
