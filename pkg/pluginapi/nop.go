package pluginapi

import (
	"time"

	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
)

// nopMetricRegistry backs PluginServicesNop.GetMetricName. It is never
// shared with a real Services instance's registry: nothing it returns is
// ever started, so identity across calls doesn't matter here the way it
// does for a real plugin.
var nopMetricRegistry = metric.NewRegistry()

// PluginServicesNop is the fail-safe PluginServices a caller falls back to
// when it cannot construct a real Services (for example, during plugin
// initialization before the core has finished starting up). Every method
// is a silent no-op, mirroring PluginServicesNop in the original plugin
// API.
type PluginServicesNop struct{}

var _ PluginServices = PluginServicesNop{}

func (PluginServicesNop) GetMetricName(name string) *metric.MetricName {
	return nopMetricRegistry.GetOrCreate(name)
}
func (PluginServicesNop) RegisterConfigListener(ConfigListener)  {}
func (PluginServicesNop) IsEnabled() bool                        { return false }
func (PluginServicesNop) GetStringProperty(string) string        { return "" }
func (PluginServicesNop) GetBooleanProperty(string) bool         { return false }
func (PluginServicesNop) GetDoubleProperty(string) (float64, bool) { return 0, false }

func (PluginServicesNop) StartTrace(message.Supplier, *metric.MetricName) Span {
	return NopSpan{}
}
func (PluginServicesNop) StartBackgroundTrace(message.Supplier, *metric.MetricName) Span {
	return NopSpan{}
}
func (PluginServicesNop) StartSpan(message.Supplier, *metric.MetricName) Span {
	return NopSpan{}
}
func (PluginServicesNop) StartMetricTimer(*metric.MetricName) MetricTimer {
	return NopMetricTimer{}
}
func (PluginServicesNop) AddSpan(message.Supplier)            {}
func (PluginServicesNop) AddErrorSpan(message.StringSupplier) {}
func (PluginServicesNop) SetUserId(string)                    {}
func (PluginServicesNop) SetTraceAttribute(string, string)    {}

// NopSpan is the Span every PluginServicesNop method hands back.
type NopSpan struct{}

var _ Span = NopSpan{}

func (NopSpan) End()                                       {}
func (NopSpan) EndWithStackTrace(time.Duration)             {}
func (NopSpan) EndWithError(message.StringSupplier)         {}
func (NopSpan) MessageSupplier() message.Supplier           { return nil }

// NopMetricTimer is the MetricTimer PluginServicesNop.StartMetricTimer
// hands back.
type NopMetricTimer struct{}

var _ MetricTimer = NopMetricTimer{}

func (NopMetricTimer) Stop() {}
