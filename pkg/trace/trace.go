// Package trace implements Trace, the aggregate object that binds a span
// tree, per-metric timings, a merged stack tree, and plugin-supplied
// attributes into one captured unit of work. spec.md §3, §4.4.
//
// A Trace is constructed and mutated for span/metric operations by exactly
// one goroutine (the "trace thread"); any number of other goroutines may
// concurrently read it, set its flags, or attach scheduled-task handles.
package trace

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/span"
	"github.com/parabinda/glowroot/pkg/stacktree"
	"github.com/parabinda/glowroot/pkg/tick"
)

// Attribute is an immutable (name, value) pair. The trace's attribute list
// maintains insertion order, replacing in place on a repeated name.
type Attribute struct {
	Name  string
	Value string
}

// CancelHandle is the narrow interface Trace needs from a scheduled task
// (the stuck-trace marker or the stack sampler) in order to cancel it on
// trace completion. Implementations must make Cancel idempotent: a
// concurrently-running task invocation must observe cancellation and no-op.
type CancelHandle interface {
	Cancel()
}

// ThreadRef is a best-effort, weak-reference-like handle on the goroutine
// that constructed a Trace. Go exposes no API to pin or dereference a
// specific goroutine, and no finalizer hook fires when an arbitrary
// goroutine returns, so this models "the owning thread may become
// unreachable" as an explicit Clear() called once the trace completes:
// from that point captureStackTrace degrades to a no-op exactly as it
// would if the real weak reference had been collected.
type ThreadRef struct {
	gid     int64
	cleared atomic.Bool
}

// NewThreadRef captures the calling goroutine's id.
func NewThreadRef() *ThreadRef {
	return &ThreadRef{gid: goid.Get()}
}

// Clear marks the reference as collected; subsequent Get calls report not
// ok. Idempotent.
func (r *ThreadRef) Clear() { r.cleared.Store(true) }

// Get returns the referenced goroutine id, or ok=false if cleared.
func (r *ThreadRef) Get() (int64, bool) {
	if r.cleared.Load() {
		return 0, false
	}
	return r.gid, true
}

// Trace is the aggregate object for one top-level unit of work.
type Trace struct {
	id        string
	startDate time.Time
	ticker    tick.Ticker

	stuck atomic.Bool
	error atomic.Bool

	usernameMu sync.Mutex
	username   message.StringSupplier

	attrMu     sync.Mutex
	attributes []Attribute

	traceMetricsMu sync.Mutex
	traceMetrics   []*metric.TraceMetric

	// metricsOwned and rootSpan are mutated only by the trace thread.
	metricsOwned []*metric.Metric
	rootSpan     *span.RootSpan

	mergedStackTree *stacktree.MergedStackTree
	threadRef       *ThreadRef

	stackSamplerHandle atomic.Pointer[CancelHandle]
	stuckMarkerHandle  atomic.Pointer[CancelHandle]

	completionListener atomic.Pointer[CompletionListener]

	logger *zap.Logger
}

// CompletionListener is notified exactly once, when a trace transitions to
// completed. Persisting or exporting a finished trace is outside this
// core's scope (spec.md §1); this hook is how an external collaborator
// such as pkg/pipeline learns a trace is ready without polling
// IsCompleted.
type CompletionListener interface {
	OnTraceCompleted(t *Trace)
}

// CompletionListenerFunc adapts a plain function to CompletionListener.
type CompletionListenerFunc func(t *Trace)

// OnTraceCompleted implements CompletionListener.
func (f CompletionListenerFunc) OnTraceCompleted(t *Trace) { f(t) }

// SetCompletionListener installs l to be called once when this trace
// completes. Replaces any previously installed listener; safe to call
// from any goroutine before completion.
func (t *Trace) SetCompletionListener(l CompletionListener) {
	t.completionListener.Store(&l)
}

// New constructs a Trace, starting its root span under the given Metric.
// Must be called by what becomes the trace thread.
func New(rootMetric *metric.Metric, messageSupplier message.Supplier, clock tick.Clock, ticker tick.Ticker) *Trace {
	startMillis := clock.CurrentTimeMillis()
	id := fmt.Sprintf("%x-%s", startMillis, uuid.NewString())

	startTick := ticker.Read()
	traceMetric := rootMetric.StartInternalAt(startTick)
	traceMetric.FirstStartSeen()

	rs, _ := span.New(startTick, messageSupplier, traceMetric)

	t := &Trace{
		id:              id,
		startDate:       time.UnixMilli(startMillis).UTC(),
		ticker:          ticker,
		rootSpan:        rs,
		mergedStackTree: stacktree.New(),
		threadRef:       NewThreadRef(),
		traceMetrics:    []*metric.TraceMetric{traceMetric},
		metricsOwned:    []*metric.Metric{rootMetric},
		logger:          zap.NewNop(),
	}
	return t
}

// SetLogger installs the logger used to report internal invariant
// violations (spec.md §7 error kind 5) and defensive recoveries from
// plugin misuse, propagating it down to the root span so a defensively
// unwound popSpan is reported through the same logger. Mirrors the
// teacher's constructor-injected *zap.Logger convention, applied via a
// setter since Trace is constructed before its owning pluginapi session
// has a chance to supply one.
func (t *Trace) SetLogger(logger *zap.Logger) {
	t.logger = logger
	t.rootSpan.SetLogger(logger)
}

// ID returns the trace's unique identifier.
func (t *Trace) ID() string { return t.id }

// StartDate returns the millisecond-precision wall-clock start time.
func (t *Trace) StartDate() time.Time { return t.startDate }

// StartTick returns the trace's start tick.
func (t *Trace) StartTick() int64 { return t.rootSpan.StartTick() }

// Now returns the current tick from this trace's own ticker, so callers
// ending a span or metric timer always measure against the same clock the
// trace itself was started with.
func (t *Trace) Now() int64 { return t.ticker.Read() }

// EndTick returns the trace's end tick, or 0 while running.
func (t *Trace) EndTick() int64 { return t.rootSpan.EndTick() }

// Duration returns EndTick - StartTick once the trace has completed, or 0
// while it is still running (callers wanting a live duration should use a
// snapshot against a capture tick instead, see pkg/snapshot).
func (t *Trace) Duration() int64 { return t.rootSpan.Duration() }

// IsCompleted reports whether the root span has ended.
func (t *Trace) IsCompleted() bool { return t.rootSpan.IsCompleted() }

// IsStuck reports the current value of the stuck flag.
func (t *Trace) IsStuck() bool { return t.stuck.Load() }

// IsError reports the current value of the one-way error latch.
func (t *Trace) IsError() bool { return t.error.Load() }

// SetStuck atomically sets the stuck flag and returns its previous value.
// Idempotent: calling it again after it has returned true still returns
// true.
func (t *Trace) SetStuck() bool { return t.stuck.Swap(true) }

// SetUsernameSupplier installs a deferred username producer. May be called
// by any goroutine.
func (t *Trace) SetUsernameSupplier(s message.StringSupplier) {
	t.usernameMu.Lock()
	t.username = s
	t.usernameMu.Unlock()
}

// UsernameSupplier returns the currently installed username supplier.
func (t *Trace) UsernameSupplier() message.StringSupplier {
	t.usernameMu.Lock()
	defer t.usernameMu.Unlock()
	return t.username
}

// PutAttribute replaces the value for name in place if present, else
// appends a new attribute, preserving insertion order. May be called by
// any goroutine.
func (t *Trace) PutAttribute(name, value string) {
	t.attrMu.Lock()
	defer t.attrMu.Unlock()
	for i, a := range t.attributes {
		if a.Name == name {
			t.attributes[i] = Attribute{Name: name, Value: value}
			return
		}
	}
	t.attributes = append(t.attributes, Attribute{Name: name, Value: value})
}

// Attributes returns an immutable copy of the attribute list in insertion
// order.
func (t *Trace) Attributes() []Attribute {
	t.attrMu.Lock()
	defer t.attrMu.Unlock()
	out := make([]Attribute, len(t.attributes))
	copy(out, t.attributes)
	return out
}

// RootSpan exposes the underlying span tree for read access (snapshotting,
// span iteration).
func (t *Trace) RootSpan() *span.RootSpan { return t.rootSpan }

// MergedStackTree exposes the trace's stack-sample tree. Lazily meaningful:
// it is always non-nil but empty (RootNode() == nil) until the first
// sample arrives.
func (t *Trace) MergedStackTree() *stacktree.MergedStackTree { return t.mergedStackTree }

// TraceMetrics returns a snapshot copy of the trace's participating
// TraceMetric list. Safe for concurrent use; the list itself is rarely
// read and only grows, so a short critical section is acceptable per
// spec.md §5.
func (t *Trace) TraceMetrics() []*metric.TraceMetric {
	t.traceMetricsMu.Lock()
	defer t.traceMetricsMu.Unlock()
	out := make([]*metric.TraceMetric, len(t.traceMetrics))
	copy(out, t.traceMetrics)
	return out
}

func (t *Trace) registerFirstStart(m *metric.Metric, tm *metric.TraceMetric) {
	if !tm.IsFirstStart() {
		return
	}
	t.traceMetricsMu.Lock()
	t.traceMetrics = append(t.traceMetrics, tm)
	t.traceMetricsMu.Unlock()
	tm.FirstStartSeen()
	t.metricsOwned = append(t.metricsOwned, m)
}

// PushSpan starts m's timer and pushes a new span under the current
// top-of-stack. Trace-thread only.
func (t *Trace) PushSpan(m *metric.Metric, messageSupplier message.Supplier) *span.Span {
	startTick := t.ticker.Read()
	tm := m.StartInternalAt(startTick)
	s := t.rootSpan.PushSpan(startTick, messageSupplier, tm)
	t.registerFirstStart(m, tm)
	return s
}

// AddSpan inserts a zero-duration leaf. If isError, the trace-level error
// latch is set (one-way: once true, stays true).
func (t *Trace) AddSpan(messageSupplier message.Supplier, isError bool) *span.Span {
	s := t.rootSpan.AddSpan(t.ticker.Read(), messageSupplier, isError)
	if isError {
		t.error.Store(true)
	}
	return s
}

// AddErrorSpan inserts a zero-duration error-flagged leaf without setting
// the trace-level error latch, per spec.md §6: addErrorSpan bypasses the
// soft span cap but "does not set the trace-level error latch by itself" —
// only an errored PopSpan (endWithError on an open span) or AddSpan with
// isError does that.
func (t *Trace) AddErrorSpan(messageSupplier message.Supplier) *span.Span {
	return t.rootSpan.AddSpan(t.ticker.Read(), messageSupplier, true)
}

// PopSpan ends s, setting the trace-level error latch if isError, stopping
// s's TraceMetric, and — if this pop completes the trace — cancelling any
// scheduled stack sampler or stuck marker and clearing the weak thread
// reference.
func (t *Trace) PopSpan(s *span.Span, endTick int64, isError bool) {
	if isError {
		t.error.Store(true)
	}
	t.rootSpan.PopSpan(s, endTick, isError)
	if s.TraceMetric != nil {
		s.TraceMetric.Stop(endTick)
	}
	if t.rootSpan.IsCompleted() {
		t.onCompleted()
	}
}

// StartTraceMetric starts m's timer without pushing a span.
func (t *Trace) StartTraceMetric(m *metric.Metric) *metric.TraceMetric {
	tm := m.StartInternalAt(t.ticker.Read())
	t.registerFirstStart(m, tm)
	return tm
}

// ResetThreadLocalMetrics clears every participating Metric's thread-local
// TraceMetric slot. Trace-thread only; called at trace end.
func (t *Trace) ResetThreadLocalMetrics() {
	for _, m := range t.metricsOwned {
		m.ResetThreadLocal()
	}
}

// SetStackSamplerHandle stores the cancellation handle for the stack
// sampler scheduled against this trace.
func (t *Trace) SetStackSamplerHandle(h CancelHandle) { t.stackSamplerHandle.Store(&h) }

// SetStuckMarkerHandle stores the cancellation handle for the stuck-trace
// marker scheduled against this trace.
func (t *Trace) SetStuckMarkerHandle(h CancelHandle) { t.stuckMarkerHandle.Store(&h) }

// StackSamplerHandle returns the stored handle, or nil if none was set.
func (t *Trace) StackSamplerHandle() CancelHandle { return loadHandle(&t.stackSamplerHandle) }

// StuckMarkerHandle returns the stored handle, or nil if none was set.
func (t *Trace) StuckMarkerHandle() CancelHandle { return loadHandle(&t.stuckMarkerHandle) }

func loadHandle(p *atomic.Pointer[CancelHandle]) CancelHandle {
	if h := p.Load(); h != nil {
		return *h
	}
	return nil
}

func (t *Trace) onCompleted() {
	if h := t.StackSamplerHandle(); h != nil {
		h.Cancel()
	}
	if h := t.StuckMarkerHandle(); h != nil {
		h.Cancel()
	}
	if lp := t.completionListener.Load(); lp != nil {
		(*lp).OnTraceCompleted(t)
	}
	t.threadRef.Clear()
}

const maxCapturedFrames = 64

// CaptureStackTrace takes a snapshot of the trace thread's current call
// stack (full depth, capped at maxCapturedFrames — see DESIGN.md) and
// feeds it to the merged stack tree. A no-op if the owning thread has
// already completed (captureStackTrace was scheduled but lost the race
// with trace completion) or was otherwise collected.
func (t *Trace) CaptureStackTrace() {
	gid, ok := t.threadRef.Get()
	if !ok {
		return
	}
	frames, state, ok := captureGoroutineStack(gid, maxCapturedFrames)
	if !ok {
		t.logger.Debug("stack sampler could not locate the trace thread in the runtime dump",
			zap.String("traceId", t.id))
		return
	}
	t.mergedStackTree.AddStackTrace(frames, state)
}

// captureGoroutineStack dumps every goroutine's stack (the only stack
// inspection Go's runtime exposes) and extracts the one matching gid,
// translated into call-tree frames ordered oldest-first to match
// MergedStackTree.AddStackTrace's expectations.
func captureGoroutineStack(gid int64, maxDepth int) ([]stacktree.Frame, stacktree.ThreadState, bool) {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}
	frames, state, ok := parseGoroutineDump(buf, gid, maxDepth)
	return frames, state, ok
}
