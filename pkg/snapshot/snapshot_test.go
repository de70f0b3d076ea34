package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/parabinda/glowroot/pkg/bytestream"
	"github.com/parabinda/glowroot/pkg/message"
	"github.com/parabinda/glowroot/pkg/metric"
	"github.com/parabinda/glowroot/pkg/stacktree"
	"github.com/parabinda/glowroot/pkg/tick"
	"github.com/parabinda/glowroot/pkg/trace"
)

func getNewTrace(startTick, startMillis int64) (*trace.Trace, *tick.Fake) {
	reg := metric.NewRegistry()
	rootMetric := metric.New(reg.GetOrCreate("M"))
	clock := tick.NewFake(startTick, startMillis)
	return trace.New(rootMetric, message.FromText("root"), clock, clock), clock
}

func decode(t *testing.T, stream bytestream.ByteStream) map[string]interface{} {
	t.Helper()
	raw := bytestream.ReadAll(stream)
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("invalid JSON document: %v\nraw: %s", err, raw)
	}
	return out
}

func TestSingleSpanTraceSnapshot(t *testing.T) {
	t.Run("scenario 1: single-span trace ended immediately", func(t *testing.T) {
		tr, fk := getNewTrace(1000, 0)
		tr.PopSpan(tr.RootSpan().Root(), fk.Read(), false)

		snap := From(tr, 1000, true)
		if snap.Duration != 0 || !snap.Completed {
			t.Fatalf("snap = %+v", snap)
		}

		doc := decode(t, Encode(snap))
		spans := doc["spans"].([]interface{})
		if len(spans) != 1 {
			t.Fatalf("spans = %+v", spans)
		}
		s0 := spans[0].(map[string]interface{})
		if s0["index"].(float64) != 0 || s0["parentIndex"].(float64) != -1 || s0["level"].(float64) != 0 {
			t.Fatalf("span0 = %+v", s0)
		}
		if s0["offset"].(float64) != 0 || s0["duration"].(float64) != 0 {
			t.Fatalf("span0 = %+v", s0)
		}

		metrics := doc["metrics"].([]interface{})
		if len(metrics) != 1 {
			t.Fatalf("metrics = %+v", metrics)
		}
		m0 := metrics[0].(map[string]interface{})
		if m0["name"] != "M" || m0["total"].(float64) != 0 || m0["count"].(float64) != 1 {
			t.Fatalf("metric0 = %+v", m0)
		}
	})
}

func TestNestedSpansSnapshot(t *testing.T) {
	t.Run("scenario 2: nested spans report offsets and durations relative to trace start", func(t *testing.T) {
		// A is the trace root (the shape pluginapi.StartTrace actually
		// produces), B a child pushed under it.
		reg := metric.NewRegistry()
		aMetric := metric.New(reg.GetOrCreate("A"))
		bMetric := metric.New(reg.GetOrCreate("B"))
		clock := tick.NewFake(1000, 0)
		tr := trace.New(aMetric, message.FromText("a"), clock, clock)

		clock.Set(1100)
		b := tr.PushSpan(bMetric, message.FromText("b"))
		clock.Set(1300)
		tr.PopSpan(b, clock.Read(), false)
		clock.Set(1400)
		tr.PopSpan(tr.RootSpan().Root(), clock.Read(), false)

		snap := From(tr, 1500, true)
		doc := decode(t, Encode(snap))
		spans := doc["spans"].([]interface{})
		if len(spans) != 2 {
			t.Fatalf("spans = %+v", spans)
		}
		spanA := spans[0].(map[string]interface{})
		spanB := spans[1].(map[string]interface{})
		if spanA["offset"].(float64) != 0 || spanA["duration"].(float64) != 400 {
			t.Fatalf("spanA = %+v", spanA)
		}
		if spanB["offset"].(float64) != 100 || spanB["duration"].(float64) != 200 {
			t.Fatalf("spanB = %+v", spanB)
		}
		if spanA["level"].(float64) != 0 || spanB["level"].(float64) != 1 {
			t.Fatalf("levels: A=%v B=%v", spanA["level"], spanB["level"])
		}
	})
}

func TestLiveSnapshot(t *testing.T) {
	t.Run("scenario 3: snapshotting a running trace normalizes against captureTick", func(t *testing.T) {
		tr, fk := getNewTrace(1000, 0)
		reg := metric.NewRegistry()
		aMetric := metric.New(reg.GetOrCreate("A"))
		fk.Set(1000)
		tr.PushSpan(aMetric, message.FromText("a"))

		snap := From(tr, 1250, true)
		if snap.Completed {
			t.Fatalf("expected completed=false for a still-running trace")
		}
		if snap.Duration != 250 {
			t.Fatalf("Duration = %d, want 250", snap.Duration)
		}

		doc := decode(t, Encode(snap))
		spans := doc["spans"].([]interface{})
		spanA := spans[1].(map[string]interface{})
		if spanA["active"] != true {
			t.Fatalf("spanA = %+v, want active:true", spanA)
		}
		if spanA["duration"].(float64) != 250 {
			t.Fatalf("spanA duration = %v, want 250", spanA["duration"])
		}
	})
}

func TestSpanStartingAfterCaptureTickIsOmitted(t *testing.T) {
	t.Run("a span started after captureTick does not appear in the snapshot", func(t *testing.T) {
		tr, fk := getNewTrace(1000, 0)
		reg := metric.NewRegistry()
		aMetric := metric.New(reg.GetOrCreate("A"))
		fk.Set(2000)
		tr.PushSpan(aMetric, message.FromText("future"))

		snap := From(tr, 1000, true)
		doc := decode(t, Encode(snap))
		spans := doc["spans"].([]interface{})
		if len(spans) != 1 {
			t.Fatalf("spans = %+v, want only the root span", spans)
		}
	})
}

func TestJustStartedTraceSnapshot(t *testing.T) {
	t.Run("captureTick == startTick on a fresh trace", func(t *testing.T) {
		tr, _ := getNewTrace(1000, 0)
		snap := From(tr, 1000, true)
		if snap.Duration != 0 || snap.Completed {
			t.Fatalf("snap = %+v", snap)
		}
	})
}

func TestMetricsSortedByTotalDescending(t *testing.T) {
	t.Run("metrics are ordered by total descending, name ascending on ties", func(t *testing.T) {
		tr, fk := getNewTrace(0, 0)
		reg := metric.NewRegistry()
		slow := metric.New(reg.GetOrCreate("slow"))
		fast := metric.New(reg.GetOrCreate("fast"))
		tie1 := metric.New(reg.GetOrCreate("zeta"))
		tie2 := metric.New(reg.GetOrCreate("alpha"))

		fk.Set(0)
		s := tr.PushSpan(slow, message.FromText("s"))
		fk.Set(1000)
		tr.PopSpan(s, fk.Read(), false)

		fk.Set(1000)
		f := tr.PushSpan(fast, message.FromText("f"))
		fk.Set(1010)
		tr.PopSpan(f, fk.Read(), false)

		fk.Set(1010)
		z := tr.PushSpan(tie1, message.FromText("z"))
		fk.Set(1100)
		tr.PopSpan(z, fk.Read(), false)

		fk.Set(1100)
		a := tr.PushSpan(tie2, message.FromText("a"))
		fk.Set(1190)
		tr.PopSpan(a, fk.Read(), false)

		fk.Set(1190)
		tr.PopSpan(tr.RootSpan().Root(), fk.Read(), false)

		snap := From(tr, fk.Read(), false)
		if len(snap.Metrics) < 4 {
			t.Fatalf("Metrics = %+v", snap.Metrics)
		}
		names := make([]string, len(snap.Metrics))
		for i, m := range snap.Metrics {
			names[i] = m.Name
		}
		// root M runs the whole trace (1190) > slow(1000) >
		// {zeta,alpha}(90 tie, alpha before zeta) > fast(10)
		wantOrder := []string{"M", "slow", "alpha", "zeta", "fast"}
		if len(names) != len(wantOrder) {
			t.Fatalf("metric order = %v, want %v", names, wantOrder)
		}
		for i := range wantOrder {
			if names[i] != wantOrder[i] {
				t.Fatalf("metric order = %v, want %v", names, wantOrder)
			}
		}
		// totals are non-increasing.
		for i := 1; i < len(snap.Metrics); i++ {
			if snap.Metrics[i-1].Total < snap.Metrics[i].Total {
				t.Fatalf("metrics not sorted by total descending: %+v", snap.Metrics)
			}
		}
	})
}

func TestMergedStackTreeStream(t *testing.T) {
	t.Run("scenario 5: three samples merge into a shared prefix with two leaves", func(t *testing.T) {
		tree := stacktree.New()
		f := stacktree.Frame{Package: "p", Function: "f"}
		g := stacktree.Frame{Package: "p", Function: "g"}
		h := stacktree.Frame{Package: "p", Function: "h"}
		k := stacktree.Frame{Package: "p", Function: "k"}
		tree.AddStackTrace([]stacktree.Frame{f, g, h}, stacktree.Runnable)
		tree.AddStackTrace([]stacktree.Frame{f, g, h}, stacktree.Runnable)
		tree.AddStackTrace([]stacktree.Frame{f, g, k}, stacktree.Runnable)

		stream := NewMergedStackTreeByteStream(tree.RootNode())
		raw := bytestream.ReadAll(stream)
		var node map[string]interface{}
		if err := json.Unmarshal(raw, &node); err != nil {
			t.Fatalf("invalid JSON: %v\nraw: %s", err, raw)
		}
		if node["sampleCount"].(float64) != 3 {
			t.Fatalf("root sampleCount = %v, want 3", node["sampleCount"])
		}
		children := node["childNodes"].([]interface{})
		g0 := children[0].(map[string]interface{})
		if g0["sampleCount"].(float64) != 3 {
			t.Fatalf("g sampleCount = %v, want 3", g0["sampleCount"])
		}
		leaves := g0["childNodes"].([]interface{})
		if len(leaves) != 2 {
			t.Fatalf("expected 2 leaves under g, got %d", len(leaves))
		}
		hNode := leaves[0].(map[string]interface{})
		if hNode["sampleCount"].(float64) != 2 || hNode["leafThreadState"] != "RUNNABLE" {
			t.Fatalf("h leaf = %+v", hNode)
		}
	})

	t.Run("an empty tree yields a nil stream", func(t *testing.T) {
		tree := stacktree.New()
		if s := NewMergedStackTreeByteStream(tree.RootNode()); s != nil {
			t.Fatalf("expected nil stream for an empty tree")
		}
	})
}

func TestAttributeReplacementInSnapshot(t *testing.T) {
	t.Run("scenario 6: attribute replacement preserves first-insertion position", func(t *testing.T) {
		tr, _ := getNewTrace(0, 0)
		tr.PutAttribute("user", "alice")
		tr.PutAttribute("route", "/a")
		tr.PutAttribute("user", "bob")

		snap := From(tr, 0, false)
		if len(snap.Attributes) != 2 {
			t.Fatalf("Attributes = %+v", snap.Attributes)
		}
		if snap.Attributes[0].Name != "user" || snap.Attributes[0].Value != "bob" {
			t.Fatalf("Attributes[0] = %+v", snap.Attributes[0])
		}
		if snap.Attributes[1].Name != "route" {
			t.Fatalf("Attributes[1] = %+v", snap.Attributes[1])
		}
	})
}

func TestSnapshotDeterminism(t *testing.T) {
	t.Run("repeated snapshots of a frozen trace at the same captureTick are byte-identical", func(t *testing.T) {
		tr, fk := getNewTrace(1000, 0)
		tr.PopSpan(tr.RootSpan().Root(), fk.Read(), false)

		a := bytestream.ReadAll(Encode(From(tr, 1000, true)))
		b := bytestream.ReadAll(Encode(From(tr, 1000, true)))
		if string(a) != string(b) {
			t.Fatalf("snapshots differ:\na=%s\nb=%s", a, b)
		}
	})
}
