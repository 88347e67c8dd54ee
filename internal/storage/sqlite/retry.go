package sqlite

import (
	"math/rand/v2"
	"time"

	"github.com/mistakeknot/ordinate/internal/storage"
)

// RetryConfig controls contention retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.5,
	}
}

// RetryOnContention retries fn when it fails with a contention-kind error
// (SQLITE_BUSY under concurrent writers). Backoff doubles per attempt with
// jitter to spread competing retries. Any other error kind, including
// constraint violations and lock mismatches, returns immediately without
// consuming the retry budget.
func RetryOnContention(fn func() error) error {
	return retryOnContentionInternal(DefaultRetryConfig(), fn, time.Sleep)
}

func retryOnContentionInternal(cfg RetryConfig, fn func() error, sleep func(time.Duration)) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !storage.IsContention(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return err
		}
		delay := cfg.BaseDelay * (1 << attempt)
		delay += time.Duration(rand.Float64() * cfg.JitterPct * float64(delay))
		sleep(delay)
	}
}
