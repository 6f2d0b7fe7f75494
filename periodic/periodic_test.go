package periodic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/P1n3appl3/rtos-sub000/clock"
	"github.com/P1n3appl3/rtos-sub000/periodic"
)

func TestAddPeriodicRejectsPastTableLimit(t *testing.T) {
	clk := clock.NewManual(0)
	s := periodic.New(clk, nil)
	for i := 0; i < periodic.MaxTasks; i++ {
		require.True(t, s.AddPeriodic(func() {}, 1000, 10))
	}
	assert.False(t, s.AddPeriodic(func() {}, 1000, 10))
	assert.Equal(t, periodic.MaxTasks, s.NumTasks())
}

// A single task fires once per period, forever, with a delay matching
// its reload value.
func TestSingleTaskFiresEveryPeriod(t *testing.T) {
	clk := clock.NewManual(0)
	s := periodic.New(clk, nil)

	runs := 0
	require.True(t, s.AddPeriodic(func() { runs++ }, 1000, 10))

	delay := s.Arm()
	assert.EqualValues(t, 1000, delay)

	for i := 0; i < 5; i++ {
		clk.Advance(delay)
		delay = s.Fire(0)
		assert.EqualValues(t, 1000, delay)
	}
	assert.Equal(t, 5, runs)
}

// Two tasks due at the same time run highest-priority-first.
func TestDispatchChainIsPriorityOrdered(t *testing.T) {
	clk := clock.NewManual(0)
	s := periodic.New(clk, nil)

	var order []string
	require.True(t, s.AddPeriodic(func() { order = append(order, "low") }, 1000, 20))
	require.True(t, s.AddPeriodic(func() { order = append(order, "high") }, 1000, 5))

	delay := s.Arm()
	clk.Advance(delay)
	s.Fire(0)

	assert.Equal(t, []string{"high", "low"}, order)
}

// A task with a shorter period fires more often than one with a
// longer period, and each is only dispatched on its own due cycle.
func TestDifferentPeriodsInterleave(t *testing.T) {
	clk := clock.NewManual(0)
	s := periodic.New(clk, nil)

	var order []string
	require.True(t, s.AddPeriodic(func() { order = append(order, "fast") }, 100, 10))
	require.True(t, s.AddPeriodic(func() { order = append(order, "slow") }, 300, 10))

	delay := s.Arm()
	for i := 0; i < 6; i++ {
		clk.Advance(delay)
		delay = s.Fire(0)
	}

	assert.Equal(t, []string{"fast", "fast", "fast", "slow", "fast", "fast", "fast", "slow"}, order)
}

// Jitter accounting tracks a running maximum and a microsecond bucket
// histogram across fires.
func TestJitterAccounting(t *testing.T) {
	clk := clock.NewManual(0)
	s := periodic.New(clk, nil)
	require.True(t, s.AddPeriodic(func() {}, clock.Milliseconds(1), 10))

	delay := s.Arm()
	clk.Advance(delay)
	delay = s.Fire(0)
	assert.Zero(t, s.MaxJitter())

	// Introduce real jitter: let more time pass than the reload before
	// the next fire.
	clk.Advance(delay + clock.Microseconds(50))
	s.Fire(0)
	assert.InDelta(t, 50, s.MaxJitter(), 5)

	hist := s.Histogram()
	var total uint32
	for _, n := range hist {
		total += n
	}
	assert.Equal(t, uint32(2), total)
}
