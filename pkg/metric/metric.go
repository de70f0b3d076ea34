// Package metric implements the named-timer machinery used to aggregate
// per-thread timings within a trace. MetricName identifies a timer
// registered once per plugin advice; Metric is the process-wide object
// keyed by that identity; TraceMetric is Metric's per-(goroutine, trace)
// aggregate, re-entrant across nested starts on the same goroutine.
package metric

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"
)

// MetricName identifies a named timer. The same MetricName is returned for
// repeated lookups of the same display name, and once created it is never
// removed from the registry for the life of the process.
type MetricName struct {
	name string
}

// Name returns the display name this MetricName was registered under.
func (n *MetricName) Name() string { return n.name }

// Registry is a process-wide, append-only lookup of MetricName by display
// name. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu    sync.Mutex
	names map[string]*MetricName
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]*MetricName)}
}

// GetOrCreate returns the MetricName for name, creating and caching it on
// first use. It is safe for concurrent use by many goroutines, since plugin
// advice classes register their metric identity lazily on first execution.
func (r *Registry) GetOrCreate(name string) *MetricName {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mn, ok := r.names[name]; ok {
		return mn
	}
	mn := &MetricName{name: name}
	r.names[name] = mn
	return mn
}

// Metric is process-wide, keyed by MetricName (i.e. by plugin advice
// identity). It holds a thread-local TraceMetric per goroutine so the same
// Metric can be reused, without contention, across many traces running on
// many goroutines.
//
// There is no language-level thread-local storage in Go, so the per-thread
// slot is modeled with a map keyed by the calling goroutine's id
// (github.com/petermattis/goid), guarded by a mutex. Only the owning
// goroutine ever reads or writes its own slot in steady state; the mutex
// only matters when a goroutine's first start or final reset races with
// another goroutine's on an unrelated key.
type Metric struct {
	name *MetricName

	mu   sync.Mutex
	perG map[int64]*TraceMetric

	logger *zap.Logger
}

// New returns a fresh process-wide Metric for the given MetricName, logging
// nowhere until SetLogger installs a real logger.
func New(name *MetricName) *Metric {
	return &Metric{name: name, perG: make(map[int64]*TraceMetric), logger: zap.NewNop()}
}

// SetLogger installs the logger used to report invariant violations (see
// TraceMetric.Stop). Mirrors the teacher's constructor-injected
// *zap.Logger convention, applied here via a setter since Metric is a
// process-wide singleton created before any particular trace exists.
func (m *Metric) SetLogger(logger *zap.Logger) { m.logger = logger }

// Name returns this Metric's display name.
func (m *Metric) Name() string { return m.name.Name() }

// StartInternalAt returns the calling goroutine's TraceMetric, starting (or
// re-entering) its timer at tick. If selfNestingLevel was 0, the clock
// starts fresh; otherwise this is a re-entrant start and the running timer
// is left untouched.
func (m *Metric) StartInternalAt(tick int64) *TraceMetric {
	tm := m.traceMetricForCurrentGoroutine()
	tm.start(tick)
	return tm
}

// traceMetricForCurrentGoroutine returns (creating if necessary) the
// TraceMetric slot for the calling goroutine.
func (m *Metric) traceMetricForCurrentGoroutine() *TraceMetric {
	gid := goid.Get()
	m.mu.Lock()
	tm, ok := m.perG[gid]
	if !ok {
		tm = newTraceMetric(m.name.Name(), m.logger)
		m.perG[gid] = tm
	}
	m.mu.Unlock()
	return tm
}

// ResetThreadLocal clears the calling goroutine's TraceMetric slot. Must be
// called by the trace thread at trace end, per spec.md §4.4.
func (m *Metric) ResetThreadLocal() {
	gid := goid.Get()
	m.mu.Lock()
	delete(m.perG, gid)
	m.mu.Unlock()
}

// TraceMetric is one Metric's aggregated timing within one trace: total,
// min, max, count, plus the re-entrant depth counter and in-flight start
// tick. Fields that cross from the trace thread to reader threads are
// stored atomically; readers may observe a torn combination of fields
// across a single Snapshot call, which spec.md §5 documents as an accepted
// race — the Snapshot itself is still internally consistent per field.
type TraceMetric struct {
	name string

	selfNestingLevel atomic.Int64
	currentStartTick atomic.Int64

	total atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
	count atomic.Int64

	firstStart atomic.Bool // true until firstStartSeen() is called

	logger *zap.Logger
}

func newTraceMetric(name string, logger *zap.Logger) *TraceMetric {
	tm := &TraceMetric{name: name, logger: logger}
	tm.firstStart.Store(true)
	tm.min.Store(0)
	return tm
}

func (tm *TraceMetric) start(tick int64) {
	if tm.selfNestingLevel.Load() == 0 {
		tm.currentStartTick.Store(tick)
		tm.selfNestingLevel.Store(1)
		return
	}
	tm.selfNestingLevel.Add(1)
}

// Stop ends one level of nesting. Only the outermost Stop (the one that
// brings selfNestingLevel back to 0) records a duration. An extra Stop
// past the outermost level is an internal invariant violation (spec.md §7
// error kind 5, §8 invariant 5: selfNestingLevel must never go negative):
// it is logged and clamped back to 0 rather than left to corrupt later
// timings.
func (tm *TraceMetric) Stop(endTick int64) {
	if level := tm.selfNestingLevel.Add(-1); level != 0 {
		if level < 0 {
			tm.logger.Error("trace metric stopped more times than started",
				zap.String("metric", tm.name), zap.Int64("selfNestingLevel", level))
			tm.selfNestingLevel.Store(0)
		}
		return
	}
	d := endTick - tm.currentStartTick.Load()
	tm.total.Add(d)
	count := tm.count.Add(1)
	if count == 1 {
		tm.min.Store(d)
		tm.max.Store(d)
		return
	}
	for {
		cur := tm.min.Load()
		if d >= cur || tm.min.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := tm.max.Load()
		if d <= cur || tm.max.CompareAndSwap(cur, d) {
			break
		}
	}
}

// IsFirstStart reports whether FirstStartSeen has not yet been called.
func (tm *TraceMetric) IsFirstStart() bool { return tm.firstStart.Load() }

// FirstStartSeen clears the first-start flag. The owning Trace calls this
// exactly once, right after recording this TraceMetric's Snapshot into the
// trace's metric list.
func (tm *TraceMetric) FirstStartSeen() { tm.firstStart.Store(false) }

// Name returns the display name of the Metric this TraceMetric belongs to.
func (tm *TraceMetric) Name() string { return tm.name }

// Snapshot is an immutable copy of a TraceMetric's aggregated totals,
// suitable for serialization without holding any lock on the live
// TraceMetric.
type Snapshot struct {
	Name  string
	Total int64
	Min   int64
	Max   int64
	Count int64
}

// TakeSnapshot packages the current totals into an immutable Snapshot.
func (tm *TraceMetric) TakeSnapshot() Snapshot {
	return Snapshot{
		Name:  tm.name,
		Total: tm.total.Load(),
		Min:   tm.min.Load(),
		Max:   tm.max.Load(),
		Count: tm.count.Load(),
	}
}
