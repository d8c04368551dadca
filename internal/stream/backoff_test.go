package stream

import (
	"testing"
	"time"
)

func TestBackoff_NonDecreasingBelowCap(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		b := NewBackoff(100*time.Millisecond, time.Second, 0.5)
		b.rand = func() float64 { return r }

		// 100ms, 200ms, 400ms and 800ms bases are below the cap.
		var prev time.Duration
		for i := 0; i < 4; i++ {
			d := b.Next()
			if d < prev {
				t.Fatalf("rand=%v attempt %d: delay %s decreased from %s", r, i, d, prev)
			}
			if d > time.Second {
				t.Fatalf("rand=%v attempt %d: delay %s above cap", r, i, d)
			}
			prev = d
		}
		for i := 4; i < 12; i++ {
			d := b.Next()
			if d > time.Second || d < 750*time.Millisecond {
				t.Fatalf("rand=%v attempt %d: capped delay %s outside [750ms, 1s]", r, i, d)
			}
		}
	}
}

func TestBackoff_JitterPersistsAtCap(t *testing.T) {
	delays := map[float64]time.Duration{}
	for _, r := range []float64{0, 0.4, 0.8} {
		b := NewBackoff(100*time.Millisecond, time.Second, 0.5)
		b.rand = func() float64 { return r }
		var d time.Duration
		for i := 0; i < 10; i++ {
			d = b.Next()
		}
		delays[r] = d
	}
	if delays[0] != time.Second {
		t.Fatalf("rand=0 capped delay = %s, want 1s", delays[0])
	}
	if delays[0.4] != 900*time.Millisecond || delays[0.8] != 800*time.Millisecond {
		t.Fatalf("capped delays = %v, want spread below the cap", delays)
	}
}

func TestBackoff_SequenceWithoutJitter(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 0)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %s, want %s", i, got, w)
		}
	}
}

func TestBackoff_ResetReturnsToMinimum(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 0.5)
	b.rand = func() float64 { return 0 }
	for i := 0; i < 8; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset got %s, want 100ms", got)
	}
}

func TestBackoff_JitterIsBounded(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 1)
	b.rand = func() float64 { return 0.999 }
	d := b.Next()
	if d < time.Second || d >= 1500*time.Millisecond {
		t.Fatalf("first delay %s outside [1s, 1.5s)", d)
	}
}
