package tick

import "testing"

func TestFakeAdvance(t *testing.T) {
	t.Run("advances by delta and returns new tick", func(t *testing.T) {
		f := NewFake(100, 1000)
		if got := f.Advance(50); got != 150 {
			t.Fatalf("Advance() = %d, want 150", got)
		}
		if got := f.Read(); got != 150 {
			t.Fatalf("Read() = %d, want 150", got)
		}
	})

	t.Run("set pins an exact tick", func(t *testing.T) {
		f := NewFake(0, 0)
		f.Set(999)
		if got := f.Read(); got != 999 {
			t.Fatalf("Read() = %d, want 999", got)
		}
	})

	t.Run("millis never advances on its own", func(t *testing.T) {
		f := NewFake(0, 5000)
		f.Advance(1_000_000_000)
		if got := f.CurrentTimeMillis(); got != 5000 {
			t.Fatalf("CurrentTimeMillis() = %d, want 5000", got)
		}
	})
}

func TestSystemTickerMonotonic(t *testing.T) {
	ticker := NewTicker()
	a := ticker.Read()
	b := ticker.Read()
	if b < a {
		t.Fatalf("system ticker went backwards: %d then %d", a, b)
	}
}
