package clock_test

import (
	"testing"

	"github.com/P1n3appl3/rtos-sub000/clock"
	"github.com/stretchr/testify/assert"
)

func TestDifferenceWraps(t *testing.T) {
	assert.Equal(t, uint32(5), clock.Difference(10, 15))
	// b sampled after a has wrapped past 2^32
	assert.Equal(t, uint32(1), clock.Difference(^uint32(0), 0))
}

func TestUnitConversions(t *testing.T) {
	assert.Equal(t, uint32(10), clock.Microseconds(1))
	assert.Equal(t, uint32(10_000), clock.Milliseconds(1))
	assert.Equal(t, uint32(clock.TicksPerSecond), clock.Seconds(1))
	assert.Equal(t, uint32(1), clock.ToMicroseconds(clock.Microseconds(1)))
	assert.Equal(t, uint32(100_000), clock.ToMilliseconds(clock.Seconds(100)))
}

func TestUnitConversionsFractional(t *testing.T) {
	assert.Equal(t, uint32(5), clock.Microseconds(0.5))
	assert.Equal(t, uint32(5_000), clock.Milliseconds(0.5))
	assert.Equal(t, uint32(clock.TicksPerSecond/2), clock.Seconds(0.5))
}

func TestManualAdvance(t *testing.T) {
	m := clock.NewManual(100)
	assert.Equal(t, uint32(100), m.Now())
	assert.Equal(t, uint32(150), m.Advance(50))
	assert.Equal(t, uint32(150), m.Now())
}

func TestRealMonotonic(t *testing.T) {
	r := clock.NewReal()
	a := r.Now()
	b := r.Now()
	assert.LessOrEqual(t, a, b)
}
