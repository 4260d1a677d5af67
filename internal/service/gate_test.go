package service

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewGate_ClampsSize(t *testing.T) {
	if got := NewGate(0).Size(); got != 1 {
		t.Errorf("expected size clamped to 1, got %d", got)
	}
	if got := NewGate(-3).Size(); got != 1 {
		t.Errorf("expected size clamped to 1, got %d", got)
	}
	if got := NewGate(4).Size(); got != 4 {
		t.Errorf("expected size 4, got %d", got)
	}
}

func TestGate_TryAcquireLimit(t *testing.T) {
	gate := NewGate(2)

	if !gate.TryAcquire() || !gate.TryAcquire() {
		t.Fatal("expected two slots to be available")
	}
	if gate.TryAcquire() {
		t.Error("expected third acquire to fail")
	}

	gate.Release()
	if !gate.TryAcquire() {
		t.Error("expected a slot after release")
	}
}

func TestGate_AcquireRespectsContext(t *testing.T) {
	gate := NewGate(1)
	if !gate.TryAcquire() {
		t.Fatal("expected first slot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gate.Acquire(ctx); err == nil {
		t.Error("expected acquire to fail when the context expires")
	}
}

func TestGate_ConcurrencyCeiling(t *testing.T) {
	const size = 2
	gate := NewGate(size)

	var mu sync.Mutex
	current, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.Acquire(context.Background()); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			gate.Release()
		}()
	}
	wg.Wait()

	if peak > size {
		t.Errorf("expected at most %d concurrent holders, observed %d", size, peak)
	}
}
