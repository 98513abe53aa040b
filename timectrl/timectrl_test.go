package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerRunAccelerated(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	var ticks int
	tc.AddListener(func(context.Context, time.Time) { ticks++ })

	if err := tc.Run(context.Background(), 15*time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
	if ticks != 3 {
		t.Fatalf("listener ticks = %d, want 3", ticks)
	}
}

func TestTimeControllerAfterFiresOnSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Accelerated)

	ch := tc.After(2 * time.Second)
	tc.SetTime(start.Add(time.Second))
	select {
	case <-ch:
		t.Fatalf("After fired early")
	default:
	}

	tc.SetTime(start.Add(2 * time.Second))
	select {
	case got := <-ch:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("After delivered %v, want %v", got, start.Add(2*time.Second))
		}
	default:
		t.Fatalf("After did not fire once due")
	}
}

func TestTimeControllerRunStopsOnCancel(t *testing.T) {
	tc := NewTimeController(time.Now(), time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tc.Run(ctx, 0); err != context.Canceled {
		t.Fatalf("Run after cancel = %v, want context.Canceled", err)
	}
}
