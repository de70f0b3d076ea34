package metric

import (
	"sync"
	"testing"
)

func getNewMetric() (*Registry, *Metric) {
	reg := NewRegistry()
	name := reg.GetOrCreate("test metric")
	return reg, New(name)
}

func TestRegistry(t *testing.T) {
	t.Run("GetOrCreate returns the same MetricName for the same name", func(t *testing.T) {
		reg := NewRegistry()
		a := reg.GetOrCreate("foo")
		b := reg.GetOrCreate("foo")
		if a != b {
			t.Fatalf("GetOrCreate returned distinct MetricNames for the same name")
		}
	})

	t.Run("GetOrCreate is safe under concurrent first use", func(t *testing.T) {
		reg := NewRegistry()
		var wg sync.WaitGroup
		results := make([]*MetricName, 50)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = reg.GetOrCreate("shared")
			}(i)
		}
		wg.Wait()
		for _, r := range results {
			if r != results[0] {
				t.Fatalf("concurrent GetOrCreate produced distinct MetricNames")
			}
		}
	})
}

func TestTraceMetricTiming(t *testing.T) {
	t.Run("single start/stop records one sample", func(t *testing.T) {
		_, m := getNewMetric()
		tm := m.StartInternalAt(100)
		tm.Stop(150)
		snap := tm.TakeSnapshot()
		if snap.Count != 1 || snap.Total != 50 || snap.Min != 50 || snap.Max != 50 {
			t.Fatalf("snapshot = %+v", snap)
		}
	})

	t.Run("re-entrant start only the outermost stop records a duration", func(t *testing.T) {
		_, m := getNewMetric()
		tm := m.StartInternalAt(0)
		tm.start(10) // nested re-entrant start
		tm.Stop(20)  // inner stop: no-op for recording
		if snap := tm.TakeSnapshot(); snap.Count != 0 {
			t.Fatalf("inner Stop recorded a sample: %+v", snap)
		}
		tm.Stop(30) // outer stop
		snap := tm.TakeSnapshot()
		if snap.Count != 1 || snap.Total != 30 {
			t.Fatalf("snapshot = %+v", snap)
		}
	})

	t.Run("min and max track across multiple samples", func(t *testing.T) {
		_, m := getNewMetric()
		tm := m.StartInternalAt(0)
		tm.Stop(100)
		tm.start(0)
		tm.Stop(10)
		tm.start(0)
		tm.Stop(500)
		snap := tm.TakeSnapshot()
		if snap.Count != 3 || snap.Min != 10 || snap.Max != 500 || snap.Total != 610 {
			t.Fatalf("snapshot = %+v", snap)
		}
	})

	t.Run("first-start flag clears exactly once", func(t *testing.T) {
		_, m := getNewMetric()
		tm := m.StartInternalAt(0)
		if !tm.IsFirstStart() {
			t.Fatalf("expected IsFirstStart on fresh TraceMetric")
		}
		tm.FirstStartSeen()
		if tm.IsFirstStart() {
			t.Fatalf("expected IsFirstStart to clear after FirstStartSeen")
		}
	})
}

func TestMetricThreadLocalPerGoroutine(t *testing.T) {
	t.Run("each goroutine gets its own TraceMetric", func(t *testing.T) {
		_, m := getNewMetric()
		var wg sync.WaitGroup
		seen := make(chan *TraceMetric, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				seen <- m.StartInternalAt(0)
			}()
		}
		wg.Wait()
		close(seen)
		first := <-seen
		second := <-seen
		if first == second {
			t.Fatalf("two goroutines shared one TraceMetric")
		}
	})

	t.Run("ResetThreadLocal clears the calling goroutine's slot", func(t *testing.T) {
		_, m := getNewMetric()
		first := m.StartInternalAt(0)
		m.ResetThreadLocal()
		second := m.StartInternalAt(0)
		if first == second {
			t.Fatalf("expected a fresh TraceMetric after ResetThreadLocal")
		}
	})
}
