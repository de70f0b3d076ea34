package message

import "testing"

func TestSupplier(t *testing.T) {
	t.Run("FromText always yields fixed text", func(t *testing.T) {
		s := FromText("hello")
		if got := s.Get(); got.Text != "hello" || got.ContextMap != nil {
			t.Fatalf("Get() = %+v", got)
		}
	})

	t.Run("FromTemplate defers formatting", func(t *testing.T) {
		s := FromTemplate("count=%d", 3)
		if got := s.Get().Text; got != "count=3" {
			t.Fatalf("Get().Text = %q, want count=3", got)
		}
	})

	t.Run("WithContext carries the context map through", func(t *testing.T) {
		ctx := ContextMap{"k": "v"}
		s := WithContext("text", ctx)
		got := s.Get()
		if got.Text != "text" || got.ContextMap["k"] != "v" {
			t.Fatalf("Get() = %+v", got)
		}
	})

	t.Run("nil Supplier yields the empty Message", func(t *testing.T) {
		var s Supplier
		if got := s.Get(); got.Text != "" || got.ContextMap != nil {
			t.Fatalf("Get() = %+v, want zero value", got)
		}
	})
}

func TestStringSupplier(t *testing.T) {
	t.Run("OfInstance always yields the same value", func(t *testing.T) {
		s := OfInstance("alice")
		if got := s.Get(); got != "alice" {
			t.Fatalf("Get() = %q, want alice", got)
		}
	})

	t.Run("nil StringSupplier yields empty string", func(t *testing.T) {
		var s StringSupplier
		if got := s.Get(); got != "" {
			t.Fatalf("Get() = %q, want empty", got)
		}
	})
}
