// Package tick provides the two injectable time sources the tracing core
// builds on: a monotonic nanosecond tick with no wall-clock meaning, and a
// millisecond-precision wall clock used only for trace start dates and id
// derivation. All durations inside the core are tick differences, never
// wall-clock differences, so they are immune to clock skew and adjustment.
package tick

import "time"

// Ticker is a monotonic nanosecond source. The zero value is not usable;
// use NewTicker (or NewFake in tests).
type Ticker interface {
	// Read returns the current tick. Only differences between two Read
	// results are meaningful.
	Read() int64
}

// Clock is a millisecond-precision wall clock, used solely for the trace
// start date and id derivation.
type Clock interface {
	// CurrentTimeMillis returns the current wall time in milliseconds
	// since the Unix epoch.
	CurrentTimeMillis() int64
}

// processStart anchors systemTicker: its wall reading gives the tick a
// non-zero base, and its monotonic reading drives every later tick.
var processStart = time.Now()

// systemTicker reads the monotonic time elapsed since processStart
// (time.Since uses the monotonic clock reading embedded in time.Time), so
// wall-clock adjustments never move the tick.
type systemTicker struct{}

// NewTicker returns the real monotonic Ticker.
func NewTicker() Ticker { return systemTicker{} }

func (systemTicker) Read() int64 { return processStart.UnixNano() + int64(time.Since(processStart)) }

// systemClock reads wall time.
type systemClock struct{}

// NewClock returns the real wall Clock.
func NewClock() Clock { return systemClock{} }

func (systemClock) CurrentTimeMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
