// Package pluginapi is the surface advice code is written against
// (spec.md §6), grounded on
// original_source/plugin-api/src/main/java/io/informant/api/PluginServices.java:
// one Services instance per plugin, handing out spans and metric timers
// against whichever trace (if any) is active on the calling goroutine —
// Go's rendering of the original's per-thread active-trace lookup, using
// the same goid-keyed map idiom pkg/metric uses for thread-local timers.
package pluginapi

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/parabinda/glowroot/pkg/config"
	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/scheduler"
	"github.com/parabinda/glowroot/pkg/tick"
	"github.com/parabinda/glowroot/pkg/trace"
)

// ConfigListener is notified after plugin configuration changes; no
// payload is carried, so a listener always re-reads whichever properties
// it cares about. An alias of config.Listener: pluginapi and config agree
// on the same notification contract spec.md §6 names registerConfigListener
// against.
type ConfigListener = config.Listener

// Span is the handle returned by StartTrace/StartBackgroundTrace/StartSpan.
// Every implementation — a real span, a dummy span past the soft cap, or
// NopSpan — satisfies the same contract so advice code never has to branch
// on which it got.
type Span interface {
	// End closes the span with no error.
	End()
	// EndWithStackTrace closes the span, capturing the calling goroutine's
	// current call stack onto it if its duration met or exceeded threshold.
	EndWithStackTrace(threshold time.Duration)
	// EndWithError closes the span as an error, optionally replacing its
	// description with errorMessage's text.
	EndWithError(errorMessage message.StringSupplier)
	// MessageSupplier returns the message supplier this span was created
	// with.
	MessageSupplier() message.Supplier
}

// MetricTimer is the handle returned by StartMetricTimer.
type MetricTimer interface {
	Stop()
}

// PluginServices is the interface a plugin's advice code depends on.
// *Services is the real implementation; PluginServicesNop is the
// fail-safe fallback.
type PluginServices interface {
	GetMetricName(name string) *metric.MetricName
	RegisterConfigListener(l ConfigListener)
	IsEnabled() bool
	GetStringProperty(name string) string
	GetBooleanProperty(name string) bool
	GetDoubleProperty(name string) (float64, bool)
	StartTrace(messageSupplier message.Supplier, metricName *metric.MetricName) Span
	StartBackgroundTrace(messageSupplier message.Supplier, metricName *metric.MetricName) Span
	StartSpan(messageSupplier message.Supplier, metricName *metric.MetricName) Span
	StartMetricTimer(metricName *metric.MetricName) MetricTimer
	AddSpan(messageSupplier message.Supplier)
	AddErrorSpan(errorMessage message.StringSupplier)
	SetUserId(userID string)
	SetTraceAttribute(name, value string)
}

// defaultMaxSpans is the soft span cap applied when no "maxSpans" config
// property is set. The hard cap for error spans is always 2x the soft cap
// in effect.
const defaultMaxSpans = 5000

// Options configures the scheduled collaborators Services attaches to
// every trace it starts.
type Options struct {
	// StuckTraceDelay is how long a trace runs before being marked stuck,
	// or 0 to disable the stuck-trace marker entirely.
	StuckTraceDelay time.Duration
	// StackSamplerDelay is how long a trace runs before the first stack
	// sample is taken.
	StackSamplerDelay time.Duration
	// StackSamplerPeriod is the sampling interval thereafter, or 0 to
	// disable the stack sampler entirely.
	StackSamplerPeriod time.Duration
	// OnTraceStarted, if set, is called with every newly started
	// top-level trace right after it is created. This is how an external
	// collaborator such as pkg/pipeline attaches itself to learn about
	// trace completion, without pluginapi importing pipeline directly.
	OnTraceStarted func(tr *trace.Trace)
}

// Services implements PluginServices against a real tracing core: it owns
// the per-plugin metric registry cache, reads plugin properties out of a
// shared config.Config under a "<pluginID>.<name>" key, and attaches every
// trace it starts to a shared scheduler.Scheduler.
type Services struct {
	pluginID string
	metrics  *metric.Registry
	cfg      *config.Config
	sched    *scheduler.Scheduler
	clock    tick.Clock
	ticker   tick.Ticker
	logger   *zap.Logger

	stuckDelay     time.Duration
	samplerDelay   time.Duration
	samplerPeriod  time.Duration
	onTraceStarted func(tr *trace.Trace)

	metricObjsMu sync.Mutex
	metricObjs   map[*metric.MetricName]*metric.Metric

	sessionsMu sync.Mutex
	sessions   map[int64]*session
}

type session struct {
	tr *trace.Trace
}

var _ PluginServices = (*Services)(nil)

// New returns a Services for the given plugin id. registry is the
// process-wide metric name registry (normally shared across all plugins);
// cfg is the shared configuration source; sched may be nil to disable both
// scheduled collaborators regardless of what opts requests.
func New(pluginID string, registry *metric.Registry, cfg *config.Config, sched *scheduler.Scheduler, clock tick.Clock, ticker tick.Ticker, logger *zap.Logger, opts Options) *Services {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Services{
		pluginID:      pluginID,
		metrics:       registry,
		cfg:           cfg,
		sched:         sched,
		clock:         clock,
		ticker:        ticker,
		logger:        logger,
		stuckDelay:     opts.StuckTraceDelay,
		samplerDelay:   opts.StackSamplerDelay,
		samplerPeriod:  opts.StackSamplerPeriod,
		onTraceStarted: opts.OnTraceStarted,
		metricObjs:    make(map[*metric.MetricName]*metric.Metric),
		sessions:      make(map[int64]*session),
	}
}

// GetMetricName returns the MetricName for name, creating it on first use.
func (s *Services) GetMetricName(name string) *metric.MetricName {
	return s.metrics.GetOrCreate(name)
}

func (s *Services) metricFor(mn *metric.MetricName) *metric.Metric {
	s.metricObjsMu.Lock()
	defer s.metricObjsMu.Unlock()
	m, ok := s.metricObjs[mn]
	if !ok {
		m = metric.New(mn)
		m.SetLogger(s.logger)
		s.metricObjs[mn] = m
	}
	return m
}

// RegisterConfigListener forwards to the shared config.Config.
func (s *Services) RegisterConfigListener(l ConfigListener) { s.cfg.RegisterConfigListener(l) }

func (s *Services) propKey(name string) string { return s.pluginID + "." + name }

// IsEnabled reports whether both this plugin and the core are enabled.
// Config stores this as a "disabled" flag rather than "enabled" so an
// unset property (which config.GetBool defaults to false) means enabled,
// not disabled.
func (s *Services) IsEnabled() bool {
	return !s.cfg.GetBool("disabled") && !s.cfg.GetBool(s.propKey("disabled"))
}

// GetStringProperty returns the plugin-scoped string property, or "" if
// unset.
func (s *Services) GetStringProperty(name string) string { return s.cfg.GetString(s.propKey(name)) }

// GetBooleanProperty returns the plugin-scoped boolean property, or false
// if unset.
func (s *Services) GetBooleanProperty(name string) bool { return s.cfg.GetBool(s.propKey(name)) }

// GetDoubleProperty returns the plugin-scoped double property and true,
// or (0, false) if unset.
func (s *Services) GetDoubleProperty(name string) (float64, bool) {
	return s.cfg.GetDouble(s.propKey(name))
}

func (s *Services) maxSpans() int {
	if v, ok := s.cfg.GetDouble("maxSpans"); ok && v > 0 {
		return int(v)
	}
	return defaultMaxSpans
}

func (s *Services) hardCapExceeded(tr *trace.Trace) bool {
	return tr.RootSpan().Size() >= s.maxSpans()*2
}

func (s *Services) activeSession() (*session, bool) {
	gid := goid.Get()
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[gid]
	return sess, ok
}

// StartTrace starts a new trace on the calling goroutine if none is
// active, else behaves exactly like StartSpan.
func (s *Services) StartTrace(messageSupplier message.Supplier, metricName *metric.MetricName) Span {
	return s.startTraceOrSpan(messageSupplier, metricName)
}

// StartBackgroundTrace behaves like StartTrace. The "background" flag
// itself (trace explorer filtering) is outside this core's scope, so it
// is accepted for interface compatibility with plugins
// ported from the original API and otherwise treated identically.
func (s *Services) StartBackgroundTrace(messageSupplier message.Supplier, metricName *metric.MetricName) Span {
	return s.startTraceOrSpan(messageSupplier, metricName)
}

func (s *Services) startTraceOrSpan(messageSupplier message.Supplier, metricName *metric.MetricName) Span {
	if sess, ok := s.activeSession(); ok {
		return s.pushSpan(sess, messageSupplier, metricName)
	}

	gid := goid.Get()
	m := s.metricFor(metricName)
	tr := trace.New(m, messageSupplier, s.clock, s.ticker)
	tr.SetLogger(s.logger)

	sess := &session{tr: tr}
	s.sessionsMu.Lock()
	s.sessions[gid] = sess
	s.sessionsMu.Unlock()

	if s.sched != nil {
		if s.stuckDelay > 0 {
			s.sched.ScheduleStuckMarker(tr, s.stuckDelay)
		}
		if s.samplerPeriod > 0 {
			s.sched.ScheduleStackSampler(tr, s.samplerDelay, s.samplerPeriod)
		}
	}
	if s.onTraceStarted != nil {
		s.onTraceStarted(tr)
	}

	return &realSpan{services: s, gid: gid, tr: tr, span: tr.RootSpan().Root(), isRoot: true}
}

// StartSpan pushes a span under the current top-of-stack if a trace is
// active, else starts a new trace exactly like StartTrace — advice code
// at the outermost entry point of a unit of work cannot otherwise tell
// whether it is the first interception.
func (s *Services) StartSpan(messageSupplier message.Supplier, metricName *metric.MetricName) Span {
	sess, ok := s.activeSession()
	if !ok {
		return s.startTraceOrSpan(messageSupplier, metricName)
	}
	return s.pushSpan(sess, messageSupplier, metricName)
}

func (s *Services) pushSpan(sess *session, messageSupplier message.Supplier, metricName *metric.MetricName) Span {
	m := s.metricFor(metricName)
	if sess.tr.RootSpan().Size() >= s.maxSpans() {
		tm := sess.tr.StartTraceMetric(m)
		return &dummySpan{services: s, tr: sess.tr, tm: tm, messageSupplier: messageSupplier}
	}
	sp := sess.tr.PushSpan(m, messageSupplier)
	return &realSpan{services: s, gid: goid.Get(), tr: sess.tr, span: sp}
}

// StartMetricTimer starts (or re-enters) a timer for metricName, against
// the active trace if one exists on the calling goroutine, or standalone
// if not — metric timers are cheap enough that spec.md never requires an
// active trace to use one.
func (s *Services) StartMetricTimer(metricName *metric.MetricName) MetricTimer {
	m := s.metricFor(metricName)
	if sess, ok := s.activeSession(); ok {
		return &traceMetricTimer{tr: sess.tr, tm: sess.tr.StartTraceMetric(m)}
	}
	tick := s.ticker.Read()
	return &standaloneMetricTimer{ticker: s.ticker, tm: m.StartInternalAt(tick)}
}

// AddSpan inserts a zero-duration leaf under the active trace, if any.
func (s *Services) AddSpan(messageSupplier message.Supplier) {
	sess, ok := s.activeSession()
	if !ok {
		return
	}
	sess.tr.AddSpan(messageSupplier, false)
}

// AddErrorSpan inserts a zero-duration error leaf, bypassing the soft span
// cap (but not the hard one) and without touching the trace-level error
// latch, per spec.md §6.
func (s *Services) AddErrorSpan(errorMessage message.StringSupplier) {
	sess, ok := s.activeSession()
	if !ok {
		return
	}
	if s.hardCapExceeded(sess.tr) {
		s.logger.Debug("dropping error span past hard span cap", zap.String("traceId", sess.tr.ID()))
		return
	}
	sess.tr.AddErrorSpan(errorMessageSupplier(errorMessage))
}

// SetUserId installs userID as the active trace's username, if any trace
// is active.
func (s *Services) SetUserId(userID string) {
	sess, ok := s.activeSession()
	if !ok {
		return
	}
	sess.tr.SetUsernameSupplier(message.OfInstance(userID))
}

// SetTraceAttribute sets a (name, value) attribute on the active trace, if
// any is active.
func (s *Services) SetTraceAttribute(name, value string) {
	sess, ok := s.activeSession()
	if !ok {
		return
	}
	sess.tr.PutAttribute(name, value)
}

func (s *Services) endRoot(gid int64) {
	s.sessionsMu.Lock()
	delete(s.sessions, gid)
	s.sessionsMu.Unlock()
}

func errorMessageSupplier(errorMessage message.StringSupplier) message.Supplier {
	return func() message.Message { return message.Message{Text: errorMessage.Get()} }
}

// captureCallStack captures the calling goroutine's own stack, synchronously
// — unlike pkg/trace's stack sampler, which must locate another goroutine in
// a full runtime dump, endWithStackTrace runs on the same goroutine it is
// profiling, so a plain runtime.Stack(buf, false) suffices. Best-effort in
// the same sense as the rest of the stack-capture path: Go gives no finer
// control over frame formatting than the runtime's own text dump.
func captureCallStack() []string {
	buf := make([]byte, 16*1024)
	n := runtime.Stack(buf, false)
	lines := strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n")
	if len(lines) <= 1 {
		return nil
	}
	lines = lines[1:] // drop "goroutine N [state]:"
	var frames []string
	for i := 0; i+1 < len(lines); i += 2 {
		call := strings.TrimSpace(lines[i])
		if call == "" || strings.HasPrefix(call, "created by ") {
			break
		}
		frames = append(frames, call)
	}
	return frames
}
