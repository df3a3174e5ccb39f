package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	base := time.Unix(1705329600, 0)
	clock := base
	tb := NewTokenBucket(2, 1)
	tb.now = func() time.Time { return clock }
	tb.lastRefill = clock

	if !tb.Allow() || !tb.Allow() {
		t.Fatalf("expected burst of 2")
	}
	if tb.Allow() {
		t.Fatalf("expected bucket empty")
	}
	clock = clock.Add(500 * time.Millisecond)
	if tb.Allow() {
		t.Fatalf("half a token must not be enough")
	}
	clock = clock.Add(500 * time.Millisecond)
	if !tb.Allow() {
		t.Fatalf("expected one token after 1s")
	}
	clock = clock.Add(10 * time.Second)
	if got := tb.GetRemaining(); got != 2 {
		t.Fatalf("remaining=%d want capped at 2", got)
	}
}

func TestTokenBucket_WaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTokenBucket_WaitUnblocksOnRefill(t *testing.T) {
	tb := NewTokenBucket(1, 50)
	_ = tb.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("wait took too long: %v", time.Since(start))
	}
}

func TestTokenBucket_ZeroRateIsUnlimited(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	for i := 0; i < 10; i++ {
		if !tb.Allow() {
			t.Fatalf("zero rate should not limit")
		}
	}
}
