package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/storage"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed at start, got %s", cb.State())
	}

	testErr := errors.New("fail")
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the breaker is open")
	}
}

func TestBreakerProbeAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	now = now.Add(200 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	now = now.Add(200 * time.Millisecond)
	_ = cb.Execute(func() error { return testErr })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after probe failure, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	_ = cb.Execute(func() error { return nil })
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %s", cb.State())
	}
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(100, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
}

// Benign outcomes like not_found must not count against the breaker even
// though they surface as typed errors.
func TestResilientIgnoresBenignKinds(t *testing.T) {
	st := NewSQLiteTest(t)
	r := NewResilient(st)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := r.GetLock(ctx, "session:missing")
		if !storage.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		_, err = r.RecoverDeadLetter(ctx, "missing-task", false, t0)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
	}
	if r.BreakerState() != StateClosed {
		t.Fatalf("breaker tripped on benign outcomes: %s", r.BreakerState())
	}
}
