package tick

import "sync/atomic"

// Fake is an injectable Ticker and Clock for tests: it never advances on
// its own, so callers can script a deterministic sequence of ticks and wall
// times without sleeping.
type Fake struct {
	tick   atomic.Int64
	millis atomic.Int64
}

// NewFake returns a Fake parked at the given starting tick and wall time.
func NewFake(startTick, startMillis int64) *Fake {
	f := &Fake{}
	f.tick.Store(startTick)
	f.millis.Store(startMillis)
	return f
}

func (f *Fake) Read() int64 { return f.tick.Load() }

func (f *Fake) CurrentTimeMillis() int64 { return f.millis.Load() }

// Advance moves the tick forward by delta nanoseconds and returns the new
// tick.
func (f *Fake) Advance(delta int64) int64 { return f.tick.Add(delta) }

// Set pins the tick to an exact value, useful for scripting capture ticks.
func (f *Fake) Set(tick int64) { f.tick.Store(tick) }
