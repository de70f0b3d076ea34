// Package span implements the trace's span tree: Span, the time-bounded
// node type, and RootSpan, the creation-order span list plus open-span
// stack that owns it. RootSpan is written by exactly one "trace thread"
// (spec.md §5) but must stay safely readable by any number of concurrent
// snapshotter goroutines without the writer ever blocking on a reader.
package span

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
)

// Span is one node of the span tree.
//
// Every field except EndTick, the error flag, StackTraceElements and
// MessageSupplier is set once at push/add time and never mutated again, so
// readers may dereference a Span freely; the latter two change only through
// SetStackTraceElements and SetMessageSupplier below. EndTick and the error
// flag are written exactly once by the trace thread (EndTick: 0 -> final)
// and stored in atomics, so any goroutine may read them, matching the
// "write-once" discipline spec.md §5 assigns to them.
type Span struct {
	Index       int
	ParentIndex int
	Level       int
	StartTick   int64

	endTick atomic.Int64
	errFlag atomic.Bool

	MessageSupplier    message.Supplier
	StackTraceElements []string // nil unless EndWithStackTrace captured a profile

	// TraceMetric is the timer this span drives, or nil for spans created
	// with AddSpan (free-floating zero-duration leaves have no timer of
	// their own beyond whatever metric was already running).
	TraceMetric *metric.TraceMetric

	rootStartTick int64 // the owning trace's startTick, for Offset()
}

// EndTick returns the tick at which this span ended, or 0 if still active.
func (s *Span) EndTick() int64 { return s.endTick.Load() }

// Error reports whether this span (or a pop on it) was marked as an error.
func (s *Span) Error() bool { return s.errFlag.Load() }

// Offset is startTick - trace.startTick, spec.md §3.
func (s *Span) Offset() int64 { return s.StartTick - s.rootStartTick }

// SetStackTraceElements attaches a captured call stack to a span that
// exceeded its endWithStackTrace threshold. Like the error flag, this is
// normally set by the trace thread before the span's end tick is
// published, so readers that check EndTick first never see a partial
// write.
func (s *Span) SetStackTraceElements(frames []string) { s.StackTraceElements = frames }

// SetMessageSupplier replaces the span's message supplier, used by
// endWithError to swap in a dedicated error description in place of the
// span's original message. Same write-before-EndTick discipline as
// SetStackTraceElements.
func (s *Span) SetMessageSupplier(ms message.Supplier) { s.MessageSupplier = ms }

func (s *Span) end(endTick int64, isError bool) {
	s.endTick.Store(endTick)
	if isError {
		s.errFlag.Store(true)
	}
}

const segmentSize = 64

// segment is a fixed-size, append-only chunk of the creation-order span
// list. Chunking means growth never relocates a previously published Span,
// so a reader holding a *Span pointer never needs to re-fetch it, and the
// writer never needs to copy the whole list to grow it.
type segment struct {
	slots [segmentSize]atomic.Pointer[Span]
	next  atomic.Pointer[segment]
}

// RootSpan owns the trace's span tree in creation order plus the stack of
// currently open spans. Only the trace thread calls PushSpan, PopSpan, and
// AddSpan; Spans and Size may be called from any goroutine.
type RootSpan struct {
	head   *segment
	tail   *segment // writer-local; readers never touch this
	tailAt int       // writer-local index into tail.slots

	length atomic.Int64 // visible span count, bumped only after a slot is published

	open []*Span // writer-local open-span stack

	startTick int64
	logger    *zap.Logger
}

// New constructs the root span itself (index 0, parentIndex -1, level 0)
// and starts its tree.
func New(startTick int64, messageSupplier message.Supplier, traceMetric *metric.TraceMetric) (*RootSpan, *Span) {
	seg := &segment{}
	rs := &RootSpan{head: seg, tail: seg, startTick: startTick, logger: zap.NewNop()}
	root := &Span{
		Index:         0,
		ParentIndex:   -1,
		Level:         0,
		StartTick:     startTick,
		MessageSupplier: messageSupplier,
		TraceMetric:   traceMetric,
		rootStartTick: startTick,
	}
	rs.publish(root)
	rs.open = append(rs.open, root)
	return rs, root
}

// publish appends span to the creation-order list and bumps the visible
// length last, so a reader that observes length N has a fully constructed
// span at every index below N.
func (rs *RootSpan) publish(s *Span) {
	if rs.tailAt == segmentSize {
		next := &segment{}
		rs.tail.next.Store(next)
		rs.tail = next
		rs.tailAt = 0
	}
	rs.tail.slots[rs.tailAt].Store(s)
	rs.tailAt++
	rs.length.Add(1)
}

// SetLogger installs the logger used to report plugin misuse (a pop that
// had to unwind past spans the caller never explicitly closed). Mirrors
// the teacher's constructor-injected *zap.Logger convention, applied via
// a setter since RootSpan is constructed before Trace has a chance to
// hand its logger down.
func (rs *RootSpan) SetLogger(logger *zap.Logger) { rs.logger = logger }

// StartTick returns the root span's start tick.
func (rs *RootSpan) StartTick() int64 { return rs.startTick }

// EndTick returns the root span's end tick, or 0 while the trace is still
// running. This is the only field whose transition to non-zero marks trace
// completion.
func (rs *RootSpan) EndTick() int64 {
	root := rs.at(0)
	if root == nil {
		return 0
	}
	return root.EndTick()
}

// Duration returns EndTick - StartTick, or 0 if not yet completed.
func (rs *RootSpan) Duration() int64 {
	end := rs.EndTick()
	if end == 0 {
		return 0
	}
	return end - rs.startTick
}

// IsCompleted reports whether the open-span stack has unwound completely,
// i.e. the root span has an end tick.
func (rs *RootSpan) IsCompleted() bool { return rs.EndTick() != 0 }

// Size returns the number of spans published so far.
func (rs *RootSpan) Size() int { return int(rs.length.Load()) }

// at returns the span at index i if it has been published, else nil. Safe
// for concurrent use.
func (rs *RootSpan) at(i int) *Span {
	if i < 0 || int64(i) >= rs.length.Load() {
		return nil
	}
	seg := rs.head
	for i >= segmentSize {
		seg = seg.next.Load()
		if seg == nil {
			return nil
		}
		i -= segmentSize
	}
	return seg.slots[i].Load()
}

// Spans returns every published span in creation order. It is safe to call
// while the writer is still adding spans: the backing list is append-only,
// and the snapshot taken here only ever includes fully constructed spans.
func (rs *RootSpan) Spans() []*Span {
	n := rs.Size()
	out := make([]*Span, n)
	seg := rs.head
	idx := 0
	for i := 0; i < n; i++ {
		if idx == segmentSize {
			seg = seg.next.Load()
			idx = 0
		}
		out[i] = seg.slots[idx].Load()
		idx++
	}
	return out
}

// Root returns the root span (always index 0, present as soon as New
// returns).
func (rs *RootSpan) Root() *Span { return rs.at(0) }

func (rs *RootSpan) top() *Span {
	if len(rs.open) == 0 {
		return nil
	}
	return rs.open[len(rs.open)-1]
}

// PushSpan opens a new span under the current top of the open-span stack
// (or as a sibling of root if the stack is somehow empty) and pushes it.
// Trace-thread only.
func (rs *RootSpan) PushSpan(startTick int64, messageSupplier message.Supplier, traceMetric *metric.TraceMetric) *Span {
	parent := rs.top()
	parentIndex := -1
	level := 0
	if parent != nil {
		parentIndex = parent.Index
		level = parent.Level + 1
	}
	s := &Span{
		Index:           rs.Size(),
		ParentIndex:     parentIndex,
		Level:           level,
		StartTick:       startTick,
		MessageSupplier: messageSupplier,
		TraceMetric:     traceMetric,
		rootStartTick:   rs.startTick,
	}
	rs.publish(s)
	rs.open = append(rs.open, s)
	return s
}

// AddSpan inserts a zero-duration leaf under the current top-of-stack
// without altering the stack. Used for events.
func (rs *RootSpan) AddSpan(tick int64, messageSupplier message.Supplier, isError bool) *Span {
	parent := rs.top()
	parentIndex := -1
	level := 0
	if parent != nil {
		parentIndex = parent.Index
		level = parent.Level + 1
	}
	s := &Span{
		Index:           rs.Size(),
		ParentIndex:     parentIndex,
		Level:           level,
		StartTick:       tick,
		MessageSupplier: messageSupplier,
		rootStartTick:   rs.startTick,
	}
	s.end(tick, isError)
	rs.publish(s)
	return s
}

// PopSpan ends span, unwinding the open-span stack up to and including it
// even if span was not exactly on top — a defensive measure against a
// plugin that missed an intermediate pop, so the trace is still guaranteed
// to complete. If the stack becomes empty, the root span's end tick is set
// and the trace transitions to completed.
func (rs *RootSpan) PopSpan(span *Span, endTick int64, isError bool) {
	skipped := 0
	for len(rs.open) > 0 {
		candidate := rs.open[len(rs.open)-1]
		rs.open = rs.open[:len(rs.open)-1]
		found := candidate == span
		if found {
			candidate.end(endTick, isError)
			break
		}
		// unwinding a skipped/missed pop: close it out too, without the
		// caller's error flag (it isn't the span the caller intended to
		// report on).
		skipped++
		if candidate.EndTick() == 0 {
			candidate.end(endTick, false)
		}
	}
	if skipped > 0 {
		rs.logger.Warn("popSpan unwound past spans with no matching pop",
			zap.Int("skippedSpans", skipped), zap.Int("poppedIndex", span.Index))
	}
	if len(rs.open) == 0 {
		root := rs.Root()
		if root != nil && root.EndTick() == 0 {
			root.end(endTick, false)
		}
	}
}
