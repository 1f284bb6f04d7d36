package kernel

import "sync/atomic"

// DefaultCyclesPerTick is the number of cycles in one scheduler tick.
const DefaultCyclesPerTick = 10000

// Clock is the kernel's virtual cycle counter.
//
// The clock only moves forward: by one cycle per executed instruction and by
// idle jumps when every task is blocked. It never reads wall-clock time, so
// a replayed run sees exactly the same cycle numbers as the recorded one.
//
// Thread-safety: reads are safe from any goroutine. Only the kernel's run
// loop advances the clock.
type Clock struct {
	cycle   atomic.Uint64
	perTick uint64
}

// NewClock creates a clock at cycle 0. A zero cyclesPerTick selects
// DefaultCyclesPerTick.
func NewClock(cyclesPerTick uint64) *Clock {
	return NewClockAt(0, cyclesPerTick)
}

// NewClockAt creates a clock starting at a specific cycle.
// Used when restoring a kernel from a snapshot.
func NewClockAt(start, cyclesPerTick uint64) *Clock {
	if cyclesPerTick == 0 {
		cyclesPerTick = DefaultCyclesPerTick
	}
	c := &Clock{perTick: cyclesPerTick}
	c.cycle.Store(start)
	return c
}

// Advance moves the clock forward by n cycles and returns the new cycle.
func (c *Clock) Advance(n uint64) uint64 {
	return c.cycle.Add(n)
}

// AdvanceTo moves the clock to cycle if it is in the future. The clock is
// left alone otherwise.
func (c *Clock) AdvanceTo(cycle uint64) uint64 {
	for {
		cur := c.cycle.Load()
		if cycle <= cur {
			return cur
		}
		if c.cycle.CompareAndSwap(cur, cycle) {
			return cycle
		}
	}
}

// Current returns the current cycle.
func (c *Clock) Current() uint64 {
	return c.cycle.Load()
}

// Tick returns the current tick, cycle / cycles-per-tick.
func (c *Clock) Tick() uint64 {
	return c.cycle.Load() / c.perTick
}

// CyclesPerTick returns the tick length in cycles.
func (c *Clock) CyclesPerTick() uint64 {
	return c.perTick
}
