package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestThrottleDisabled(t *testing.T) {
	var nilThrottle *Throttle
	for _, th := range []*Throttle{nilThrottle, NewThrottle(0, 1)} {
		start := time.Now()
		for i := 0; i < 100; i++ {
			if err := th.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("disabled throttle should not wait")
		}
		if th.Interval() != 0 {
			t.Errorf("Interval() = %v, want 0", th.Interval())
		}
	}
}

func TestThrottleSpacesSends(t *testing.T) {
	th := NewThrottle(20, 1)
	if th.Interval() != 50*time.Millisecond {
		t.Fatalf("Interval() = %v, want 50ms", th.Interval())
	}

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := th.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// first token is free, the next three wait ~50ms each
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("4 sends at 20/s took %v, want >= 120ms", elapsed)
	}
}

func TestThrottleHonoursContext(t *testing.T) {
	th := NewThrottle(0.1, 1)
	th.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := th.Wait(ctx); err == nil {
		t.Error("Wait() should fail when the next token is beyond the deadline")
	}
}
