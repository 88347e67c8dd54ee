package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/storage"
)

func contentionErr() error {
	return storage.NewError(storage.KindContention, "test", errors.New("database is locked"))
}

func TestRetrySucceedsAfterContention(t *testing.T) {
	calls := 0
	err := retryOnContentionInternal(DefaultRetryConfig(), func() error {
		calls++
		if calls <= 3 {
			return contentionErr()
		}
		return nil
	}, func(d time.Duration) {})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonContentionKind(t *testing.T) {
	for _, kind := range []storage.Kind{storage.KindConstraint, storage.KindNotFound, storage.KindUnknown} {
		calls := 0
		err := retryOnContentionInternal(DefaultRetryConfig(), func() error {
			calls++
			return storage.NewError(kind, "test", errors.New("boom"))
		}, func(d time.Duration) {})
		if err == nil {
			t.Fatalf("%v: expected error", kind)
		}
		if calls != 1 {
			t.Fatalf("%v: expected 1 call (no retry), got %d", kind, calls)
		}
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	cfg := DefaultRetryConfig()
	calls := 0
	err := retryOnContentionInternal(cfg, func() error {
		calls++
		return contentionErr()
	}, func(d time.Duration) {})
	if !storage.IsContention(err) {
		t.Fatalf("expected contention error after exhaustion, got %v", err)
	}
	if calls != 1+cfg.MaxRetries {
		t.Fatalf("expected %d calls, got %d", 1+cfg.MaxRetries, calls)
	}
}

func TestRetryBackoffBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	var sleeps []time.Duration
	retryOnContentionInternal(cfg, func() error {
		return contentionErr()
	}, func(d time.Duration) {
		sleeps = append(sleeps, d)
	})

	if len(sleeps) != cfg.MaxRetries {
		t.Fatalf("expected %d sleeps, got %d", cfg.MaxRetries, len(sleeps))
	}
	for i, d := range sleeps {
		base := cfg.BaseDelay * (1 << i)
		max := base + time.Duration(cfg.JitterPct*float64(base))
		if d < base || d > max {
			t.Errorf("sleep[%d] = %v, expected [%v, %v]", i, d, base, max)
		}
	}
}
