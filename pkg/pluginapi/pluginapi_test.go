package pluginapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parabinda/glowroot/pkg/config"
	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/tick"
)

func newTestServices(cfg *config.Config, opts Options) *Services {
	if cfg == nil {
		cfg = config.New(nil, nil)
	}
	clock := tick.NewFake(0, 1_700_000_000_000)
	return New("test-plugin", metric.NewRegistry(), cfg, nil, clock, clock, nil, opts)
}

func TestStartTraceThenStartSpanNestsUnderIt(t *testing.T) {
	s := newTestServices(nil, Options{})
	mn := s.GetMetricName("outer")

	root := s.StartTrace(message.FromText("outer"), mn)
	require.NotNil(t, root)

	child := s.StartSpan(message.FromText("inner"), s.GetMetricName("inner"))
	require.NotNil(t, child)
	child.End()
	root.End()

	sess, ok := s.activeSession()
	assert.False(t, ok, "session should be cleared once the root span ends")
	assert.Nil(t, sess)
}

func TestStartSpanWithNoActiveTraceStartsOne(t *testing.T) {
	s := newTestServices(nil, Options{})
	span := s.StartSpan(message.FromText("standalone"), s.GetMetricName("m"))
	_, ok := s.activeSession()
	assert.True(t, ok, "StartSpan with no active trace should have started one")
	span.End()
	_, ok = s.activeSession()
	assert.False(t, ok)
}

func TestSoftSpanCapReturnsDummySpan(t *testing.T) {
	cfg := config.New(nil, nil)
	cfg.Set("maxSpans", 2.0)
	s := newTestServices(cfg, Options{})
	mn := s.GetMetricName("m")

	root := s.StartTrace(message.FromText("root"), mn)
	_ = s.StartSpan(message.FromText("s1"), mn) // index 1, under cap (size 1 < 2)
	dummy := s.StartSpan(message.FromText("s2"), mn)

	_, isDummy := dummy.(*dummySpan)
	assert.True(t, isDummy, "span past the soft cap should be a dummy span")
	dummy.End()
	root.End()
}

func TestDummySpanEndWithErrorPromotesToRealErrorSpan(t *testing.T) {
	cfg := config.New(nil, nil)
	cfg.Set("maxSpans", 1.0)
	s := newTestServices(cfg, Options{})
	mn := s.GetMetricName("m")

	root := s.StartTrace(message.FromText("root"), mn)
	dummy := s.StartSpan(message.FromText("past cap"), mn)
	_, isDummy := dummy.(*dummySpan)
	require.True(t, isDummy)

	before := root.(*realSpan).tr.RootSpan().Size()
	dummy.EndWithError(message.OfInstance("boom"))
	after := root.(*realSpan).tr.RootSpan().Size()
	assert.Equal(t, before+1, after, "EndWithError on a dummy span should add one real error span")

	root.End()
}

func TestHardCapDropsErrorSpans(t *testing.T) {
	cfg := config.New(nil, nil)
	cfg.Set("maxSpans", 1.0) // hard cap = 2
	s := newTestServices(cfg, Options{})
	mn := s.GetMetricName("m")

	root := s.StartTrace(message.FromText("root"), mn)
	tr := root.(*realSpan).tr

	// push past the hard cap via AddErrorSpan directly
	for i := 0; i < 5; i++ {
		s.AddErrorSpan(message.OfInstance("err"))
	}
	assert.LessOrEqual(t, tr.RootSpan().Size(), 2, "error spans must never exceed the hard cap")
	root.End()
}

func TestAddErrorSpanDoesNotSetTraceLatch(t *testing.T) {
	s := newTestServices(nil, Options{})
	mn := s.GetMetricName("m")
	root := s.StartTrace(message.FromText("root"), mn)
	tr := root.(*realSpan).tr

	s.AddErrorSpan(message.OfInstance("err"))
	assert.False(t, tr.IsError(), "addErrorSpan must not set the trace-level error latch by itself")
	root.End()
}

func TestEndWithErrorOnRealSpanSetsTraceLatch(t *testing.T) {
	s := newTestServices(nil, Options{})
	mn := s.GetMetricName("m")
	root := s.StartTrace(message.FromText("root"), mn)
	tr := root.(*realSpan).tr

	child := s.StartSpan(message.FromText("child"), mn)
	child.EndWithError(message.OfInstance("boom"))
	assert.True(t, tr.IsError())
	root.End()
}

func TestSetUserIdAndTraceAttribute(t *testing.T) {
	s := newTestServices(nil, Options{})
	mn := s.GetMetricName("m")
	root := s.StartTrace(message.FromText("root"), mn)
	tr := root.(*realSpan).tr

	s.SetUserId("alice")
	s.SetTraceAttribute("region", "us-east")

	assert.Equal(t, "alice", tr.UsernameSupplier().Get())
	attrs := tr.Attributes()
	require.Len(t, attrs, 1)
	assert.Equal(t, "region", attrs[0].Name)
	assert.Equal(t, "us-east", attrs[0].Value)

	root.End()
}

func TestPluginPropertiesAreScoped(t *testing.T) {
	cfg := config.New(nil, nil)
	cfg.Set("test-plugin.greeting", "hi")
	cfg.Set("test-plugin.verbose", true)
	cfg.Set("test-plugin.rate", 0.25)
	s := newTestServices(cfg, Options{})

	assert.Equal(t, "hi", s.GetStringProperty("greeting"))
	assert.True(t, s.GetBooleanProperty("verbose"))
	rate, ok := s.GetDoubleProperty("rate")
	assert.True(t, ok)
	assert.Equal(t, 0.25, rate)

	_, ok = s.GetDoubleProperty("missing")
	assert.False(t, ok)
}

func TestIsEnabledRespectsDisabledFlags(t *testing.T) {
	cfg := config.New(nil, nil)
	s := newTestServices(cfg, Options{})
	assert.True(t, s.IsEnabled())

	cfg.Set("test-plugin.disabled", true)
	assert.False(t, s.IsEnabled())
}

func TestStartMetricTimerWithoutActiveTraceIsStandalone(t *testing.T) {
	s := newTestServices(nil, Options{})
	timer := s.StartMetricTimer(s.GetMetricName("standalone"))
	_, ok := timer.(*standaloneMetricTimer)
	assert.True(t, ok)
	timer.Stop()
}

func TestNopPluginServicesNeverPanics(t *testing.T) {
	var svc PluginServices = PluginServicesNop{}
	span := svc.StartTrace(message.FromText("x"), svc.GetMetricName("x"))
	span.EndWithStackTrace(time.Millisecond)
	span.EndWithError(message.OfInstance("e"))
	svc.AddSpan(message.FromText("y"))
	svc.AddErrorSpan(message.OfInstance("z"))
	svc.SetUserId("bob")
	svc.SetTraceAttribute("k", "v")
	timer := svc.StartMetricTimer(svc.GetMetricName("t"))
	timer.Stop()
	assert.False(t, svc.IsEnabled())
}
