package binance

import (
	"context"
	"testing"
	"time"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketWaitImmediate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (token %d)", elapsed, i)
		}
	}
}

func TestTokenBucketWaitBlocks(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec → ~100ms per token
	tb := NewTokenBucket(1, 10)

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // very slow refill

	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestNewRateLimiterBucketsMatchPublishedLimits(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()
	if rl.Order.capacity != 350 || rl.Order.rate != 50 {
		t.Errorf("Order bucket = %v/%v, want 350/50", rl.Order.capacity, rl.Order.rate)
	}
	if rl.Cancel.capacity != 300 || rl.Cancel.rate != 30 {
		t.Errorf("Cancel bucket = %v/%v, want 300/30", rl.Cancel.capacity, rl.Cancel.rate)
	}
	if rl.Book.capacity != 150 || rl.Book.rate != 15 {
		t.Errorf("Book bucket = %v/%v, want 150/15", rl.Book.capacity, rl.Book.rate)
	}
}
