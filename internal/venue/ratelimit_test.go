package venue

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %s, should be immediate", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 10) // refill within ~100ms
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second token arrived after %s, expected ~100ms refill", elapsed)
	}
}

func TestTokenBucketHonorsContextCancel(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("Wait must fail when the context expires")
	}
}
