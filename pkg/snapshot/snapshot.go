// Package snapshot builds TraceSnapshot, the immutable record of a trace
// at a chosen capture instant, and the chunked JSON encoders that stream
// its span sequence and merged stack tree without ever materializing a
// still-running trace's full state in memory at once. Grounded on
// TraceSnapshots.java's TraceSnapshot.from/SpansByteStream/
// MergedStackTreeByteStream.
package snapshot

import (
	"encoding/json"
	"sort"

	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/trace"
)

// Attribute is the JSON shape of one trace attribute.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Metric is the JSON shape of one TraceMetric's aggregated totals.
type Metric struct {
	Name  string `json:"name"`
	Total int64  `json:"total"`
	Min   int64  `json:"min"`
	Max   int64  `json:"max"`
	Count int64  `json:"count"`
}

// TraceSnapshot is the immutable record produced by From. Its non-detail
// fields are always populated; the detail fields (spans, merged stack
// tree) are streamed lazily through SpansByteStream and
// MergedStackTreeByteStream rather than held here, since a trace may
// still be growing while it is snapshotted.
type TraceSnapshot struct {
	ID          string
	Start       int64 // ms
	Stuck       bool
	Error       bool
	Duration    int64 // ns
	Completed   bool
	Description string
	Username    string
	HasUsername bool
	Attributes  []Attribute
	Metrics     []Metric

	includeDetail bool
	trace         *trace.Trace
	captureTick   int64
}

// From builds a TraceSnapshot of tr as of captureTick. If includeDetail is
// false, Spans/MergedStackTree streaming is not available (the snapshot
// carries only the summary fields every listing view needs).
func From(tr *trace.Trace, captureTick int64, includeDetail bool) *TraceSnapshot {
	duration, completed := normalize(tr, captureTick)

	root := tr.RootSpan().Root()
	description := ""
	if root != nil {
		description = root.MessageSupplier.Get().Text
	}

	username := tr.UsernameSupplier().Get()

	attrs := tr.Attributes()
	jsonAttrs := make([]Attribute, len(attrs))
	for i, a := range attrs {
		jsonAttrs[i] = Attribute{Name: a.Name, Value: a.Value}
	}

	snap := &TraceSnapshot{
		ID:          tr.ID(),
		Start:       tr.StartDate().UnixMilli(),
		Stuck:       tr.IsStuck() && !completed,
		Error:       tr.IsError(),
		Duration:    duration,
		Completed:   completed,
		Description: description,
		Username:    username,
		HasUsername: username != "",
		Attributes:  jsonAttrs,
		Metrics:     metricsJSON(tr.TraceMetrics()),

		includeDetail: includeDetail,
		trace:         tr,
		captureTick:   captureTick,
	}
	return snap
}

// normalize implements the capture-tick duration/completed rule of
// spec.md §4.6: a span or trace that ended at or before captureTick
// reports its real duration and completed=true; otherwise its duration is
// measured against captureTick itself and completed=false, so a snapshot
// of a running trace stays internally coherent without blocking the
// writer.
func normalize(tr *trace.Trace, captureTick int64) (duration int64, completed bool) {
	endTick := tr.EndTick()
	if endTick != 0 && endTick <= captureTick {
		return endTick - tr.StartTick(), true
	}
	return captureTick - tr.StartTick(), false
}

// metricsJSON packages each TraceMetric's Snapshot, sorted by total
// descending with name ascending as the documented tie-break
// (spec.md §9 Open Questions).
func metricsJSON(tms []*metric.TraceMetric) []Metric {
	snaps := make([]metric.Snapshot, len(tms))
	for i, tm := range tms {
		snaps[i] = tm.TakeSnapshot()
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].Total != snaps[j].Total {
			return snaps[i].Total > snaps[j].Total
		}
		return snaps[i].Name < snaps[j].Name
	})
	out := make([]Metric, len(snaps))
	for i, s := range snaps {
		out[i] = Metric{Name: s.Name, Total: s.Total, Min: s.Min, Max: s.Max, Count: s.Count}
	}
	return out
}

// IncludeDetail reports whether this snapshot was built with detail
// streaming available.
func (s *TraceSnapshot) IncludeDetail() bool { return s.includeDetail }

// marshalField renders v the way encoding/json would for an embedded
// value, used by the hand-rolled streaming encoders in spans.go and
// stacktree_stream.go for the leaf scalar fields they emit (strings,
// numbers) so quoting/escaping stays identical to the rest of the
// document, which is built with encoding/json.
func marshalField(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
