package pluginapi

import (
	"time"

	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/span"
	"github.com/parabinda/glowroot/pkg/tick"
	"github.com/parabinda/glowroot/pkg/trace"
)

// realSpan wraps a span actually recorded in the tree. isRoot marks the
// span returned by StartTrace/StartBackgroundTrace/StartSpan when no trace
// was yet active: ending it clears the active-session entry for gid so the
// next StartTrace call on this goroutine starts a fresh trace instead of
// pushing under a completed one.
type realSpan struct {
	services *Services
	gid      int64
	tr       *trace.Trace
	span     *span.Span
	isRoot   bool
}

var _ Span = (*realSpan)(nil)

func (s *realSpan) End() {
	s.tr.PopSpan(s.span, s.tr.Now(), false)
	s.cleanup()
}

func (s *realSpan) EndWithStackTrace(threshold time.Duration) {
	endTick := s.tr.Now()
	if threshold <= 0 || endTick-s.span.StartTick >= threshold.Nanoseconds() {
		s.span.SetStackTraceElements(captureCallStack())
	}
	s.tr.PopSpan(s.span, endTick, false)
	s.cleanup()
}

func (s *realSpan) EndWithError(errorMessage message.StringSupplier) {
	if errorMessage != nil {
		s.span.SetMessageSupplier(errorMessageSupplier(errorMessage))
	}
	s.tr.PopSpan(s.span, s.tr.Now(), true)
	s.cleanup()
}

func (s *realSpan) MessageSupplier() message.Supplier { return s.span.MessageSupplier }

func (s *realSpan) cleanup() {
	if s.isRoot {
		s.tr.ResetThreadLocalMetrics()
		s.services.endRoot(s.gid)
	}
}

// dummySpan is returned once a trace has accumulated maxSpans spans: it
// still drives a metric timer (metrics stay cheap in quantity) but never
// mutates the span tree, except that EndWithError promotes it to a real
// error leaf up to the hard span cap, per spec.md §6.
type dummySpan struct {
	services        *Services
	tr              *trace.Trace
	tm              *metric.TraceMetric
	messageSupplier message.Supplier
}

var _ Span = (*dummySpan)(nil)

func (d *dummySpan) End() { d.tm.Stop(d.tr.Now()) }

func (d *dummySpan) EndWithStackTrace(time.Duration) { d.tm.Stop(d.tr.Now()) }

func (d *dummySpan) EndWithError(errorMessage message.StringSupplier) {
	d.tm.Stop(d.tr.Now())
	if d.services.hardCapExceeded(d.tr) {
		return
	}
	ms := d.messageSupplier
	if errorMessage != nil {
		ms = errorMessageSupplier(errorMessage)
	}
	d.tr.AddErrorSpan(ms)
}

func (d *dummySpan) MessageSupplier() message.Supplier { return d.messageSupplier }

// traceMetricTimer stops a timer started against an active trace, so Stop
// reads the tick from the trace's own ticker rather than a separately
// injected one.
type traceMetricTimer struct {
	tr *trace.Trace
	tm *metric.TraceMetric
}

var _ MetricTimer = (*traceMetricTimer)(nil)

func (t *traceMetricTimer) Stop() { t.tm.Stop(t.tr.Now()) }

// standaloneMetricTimer stops a timer started with no active trace.
type standaloneMetricTimer struct {
	ticker tick.Ticker
	tm     *metric.TraceMetric
}

var _ MetricTimer = (*standaloneMetricTimer)(nil)

func (t *standaloneMetricTimer) Stop() { t.tm.Stop(t.ticker.Read()) }
