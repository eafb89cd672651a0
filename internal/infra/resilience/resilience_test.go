package resilience_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/habitaplus/commission-verify-go/internal/infra/resilience"
)

func TestRetryWithBackoff_SucceedsFirstTry(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithBackoff_RetriesThenSucceeds(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}

	boom := errors.New("persistent")
	calls := 0
	err := resilience.RetryWithBackoff(context.Background(), cfg, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the last error, got %v", err)
	}
	if calls != 3 { // initial + 2 retries
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	cfg := resilience.Config{MaxRetries: 5, InitialBackoff: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := resilience.RetryWithBackoff(ctx, cfg, func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := resilience.NewKeyedMutex()
	ctx := context.Background()

	const workers = 8
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := km.Lock(ctx, "commission-1"); err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			// Unsynchronized increment: the race detector flags this if
			// the mutex does not actually serialize.
			counter++
			km.Unlock("commission-1")
		}()
	}
	wg.Wait()

	if counter != workers {
		t.Errorf("expected %d increments, got %d", workers, counter)
	}
}

func TestKeyedMutex_IndependentKeysDoNotBlock(t *testing.T) {
	km := resilience.NewKeyedMutex()
	ctx := context.Background()

	if err := km.Lock(ctx, "commission-1"); err != nil {
		t.Fatalf("lock commission-1: %v", err)
	}
	defer km.Unlock("commission-1")

	done := make(chan struct{})
	go func() {
		if err := km.Lock(ctx, "commission-2"); err != nil {
			t.Errorf("lock commission-2: %v", err)
		}
		km.Unlock("commission-2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking a different key blocked")
	}
}

func TestKeyedMutex_LockRespectsContext(t *testing.T) {
	km := resilience.NewKeyedMutex()

	if err := km.Lock(context.Background(), "commission-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer km.Unlock("commission-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := km.Lock(ctx, "commission-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
