package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNew_Capacity(t *testing.T) {
	tests := []struct {
		rps  float64
		want int
	}{
		{0.1, 1},
		{0.5, 1},
		{1, 2},
		{1.5, 3},
		{2, 4},
		{10, 20},
	}

	for _, tt := range tests {
		b := New(tt.rps)
		if b.Capacity() != tt.want {
			t.Errorf("New(%v).Capacity() = %d, want %d", tt.rps, b.Capacity(), tt.want)
		}
		if b.Rate() != tt.rps {
			t.Errorf("New(%v).Rate() = %v", tt.rps, b.Rate())
		}
	}
}

// The initial burst drains the capacity without blocking; further takes are
// paced at the configured rate.
func TestTake_Blocks(t *testing.T) {
	const rps = 100.0
	b := New(rps) // capacity 200
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < b.Capacity(); i++ {
		if err := b.Take(ctx); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("burst within capacity took %v, expected near-instant", elapsed)
	}

	// 30 more tokens at 100/s must take at least ~290ms
	start = time.Now()
	for i := 0; i < 30; i++ {
		if err := b.Take(ctx); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("30 takes over capacity took %v, want >= 250ms", elapsed)
	}
}

func TestTake_ContextCancelled(t *testing.T) {
	b := New(0.1) // capacity 1, refill every 10s
	ctx := context.Background()

	if err := b.Take(ctx); err != nil {
		t.Fatalf("first Take() error = %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := b.Take(cancelCtx); err == nil {
		t.Error("Take() with expired context should fail")
	}
}

func TestTake_Concurrent(t *testing.T) {
	b := New(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := b.Take(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Take() error = %v", err)
	}
}
