// Package scheduler implements the two scheduled collaborators spec.md
// §4.7 describes only as an interface: a stuck-trace marker and a
// periodic stack sampler, each attached to a Trace through the
// CancelHandle setters the core exposes. Grounded on
// StLeoX-SeeFlow's pkg/bgtask (a BgTask interface with a Start method,
// run by a manager that owns the goroutine lifecycle) and on the
// teacher's time.Ticker-driven background loops.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parabinda/glowroot/pkg/trace"
)

// Scheduler owns the goroutines backing every stuck-trace marker and
// stack sampler it starts. It does not track which traces it is watching
// beyond the handles it hands back — that bookkeeping belongs to
// whatever attaches traces to it (pkg/pluginapi).
type Scheduler struct {
	logger *zap.Logger
}

// New returns a Scheduler that logs through logger, or silently if logger
// is nil.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

type stuckHandle struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// Cancel implements trace.CancelHandle. Idempotent.
func (h *stuckHandle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.timer.Stop()
	}
}

// ScheduleStuckMarker arranges for tr.SetStuck() to be called after delay
// unless tr has already completed or the returned handle is cancelled
// first, and installs the handle on tr so trace completion cancels it.
func (s *Scheduler) ScheduleStuckMarker(tr *trace.Trace, delay time.Duration) trace.CancelHandle {
	h := &stuckHandle{}
	h.timer = time.AfterFunc(delay, func() {
		if h.cancelled.Load() || tr.IsCompleted() {
			return
		}
		if !tr.SetStuck() {
			s.logger.Info("trace marked stuck", zap.String("traceId", tr.ID()))
		}
	})
	tr.SetStuckMarkerHandle(h)
	return h
}

type stackSamplerHandle struct {
	stop      chan struct{}
	closeOnce sync.Once
}

// Cancel implements trace.CancelHandle. Idempotent.
func (h *stackSamplerHandle) Cancel() {
	h.closeOnce.Do(func() { close(h.stop) })
}

// ScheduleStackSampler arranges for tr.CaptureStackTrace() to be called
// once after delay and then every period thereafter, until the trace
// completes (which cancels it through the handle installed on tr) or the
// returned handle is cancelled directly.
func (s *Scheduler) ScheduleStackSampler(tr *trace.Trace, delay, period time.Duration) trace.CancelHandle {
	h := &stackSamplerHandle{stop: make(chan struct{})}
	go func() {
		initial := time.NewTimer(delay)
		select {
		case <-initial.C:
		case <-h.stop:
			initial.Stop()
			return
		}
		tr.CaptureStackTrace()

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tr.CaptureStackTrace()
			case <-h.stop:
				return
			}
		}
	}()
	tr.SetStackSamplerHandle(h)
	return h
}
