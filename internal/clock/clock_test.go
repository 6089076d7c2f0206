package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"workflowqueue/internal/clock"
)

func TestManualSleepAdvancesAndRunsHook(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := clock.NewManual(start)
	var calls []int
	c.OnSleep(func(n int) { calls = append(calls, n) })

	for i := 0; i < 3; i++ {
		if err := c.Sleep(context.Background(), 10*time.Second); err != nil {
			t.Fatalf("Sleep: %v", err)
		}
	}
	if got := c.Now().Sub(start); got != 30*time.Second {
		t.Fatalf("expected clock to advance 30s, got %s", got)
	}
	if len(c.Sleeps()) != 3 || len(calls) != 3 || calls[2] != 3 {
		t.Fatalf("unexpected sleeps %v hook calls %v", c.Sleeps(), calls)
	}
}

func TestManualSleepHonoursCancelledContext(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(c.Sleeps()) != 0 {
		t.Fatal("cancelled sleep should not be recorded")
	}
}

func TestRealSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (clock.Real{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
