package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/ordinate/internal/core"
)

// Thresholds are the alerting trip points evaluated against a metrics
// snapshot. Precedence: built-in defaults, then the YAML file, then
// ORDINATE_THRESHOLD_* environment variables.
type Thresholds struct {
	LockExpired              float64 `yaml:"lockExpired"`
	StaleRecoveryFailureRate float64 `yaml:"staleRecoveryFailureRate"`
	DuplicateSuppressed      float64 `yaml:"duplicateSuppressed"`
	RetryAttempts            float64 `yaml:"retryAttempts"`
	RetryLimitReached        float64 `yaml:"retryLimitReached"`
	DeadLettersOpen          float64 `yaml:"deadLettersOpen"`
	LockConflictEvents       float64 `yaml:"lockConflictEvents"`
	OrphanedLocks            float64 `yaml:"orphanedLocks"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		LockExpired:              3,
		StaleRecoveryFailureRate: 0.2,
		DuplicateSuppressed:      3,
		RetryAttempts:            10,
		RetryLimitReached:        1,
		DeadLettersOpen:          1,
		LockConflictEvents:       3,
		OrphanedLocks:            1,
	}
}

// LoadThresholds reads the optional YAML file and applies environment
// overrides. A missing file is fine; a malformed one is an error.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return t, fmt.Errorf("read thresholds: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &t); err != nil {
			return t, fmt.Errorf("parse thresholds: %w", err)
		}
	}
	t.applyEnv()
	return t, nil
}

func (t *Thresholds) applyEnv() {
	for suffix, field := range map[string]*float64{
		"LOCK_EXPIRED":                &t.LockExpired,
		"STALE_RECOVERY_FAILURE_RATE": &t.StaleRecoveryFailureRate,
		"DUPLICATE_SUPPRESSED":        &t.DuplicateSuppressed,
		"RETRY_ATTEMPTS":              &t.RetryAttempts,
		"RETRY_LIMIT_REACHED":         &t.RetryLimitReached,
		"DEAD_LETTERS_OPEN":           &t.DeadLettersOpen,
		"LOCK_CONFLICT_EVENTS":        &t.LockConflictEvents,
		"ORPHANED_LOCKS":              &t.OrphanedLocks,
	} {
		raw := os.Getenv("ORDINATE_THRESHOLD_" + suffix)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		*field = v
	}
}

// Evaluate compares a metrics snapshot against the thresholds and returns
// one alert per breach. Counters breach at >= threshold; the stale
// recovery failure rate breaches at > threshold and only once at least
// one recovery was attempted.
func (t Thresholds) Evaluate(m core.Metrics, now time.Time) []core.Alert {
	var alerts []core.Alert

	breach := func(key, level string, value, threshold float64) {
		alerts = append(alerts, core.Alert{
			Key:       key,
			Level:     level,
			Value:     value,
			Threshold: threshold,
			Source:    "lock_monitor",
			Message:   fmt.Sprintf("%s at %g (threshold %g) over %dm window", key, value, threshold, m.WindowMinutes),
			CreatedAt: now,
		})
	}

	if v := float64(m.LockExpired); v >= t.LockExpired {
		breach("lock_expired", "warning", v, t.LockExpired)
	}
	if v := float64(m.DuplicateSuppressed); v >= t.DuplicateSuppressed {
		breach("duplicate_suppressed", "warning", v, t.DuplicateSuppressed)
	}
	if v := float64(m.RetryAttempts); v >= t.RetryAttempts {
		breach("retry_attempts", "warning", v, t.RetryAttempts)
	}
	if v := float64(m.RetryLimitReached); v >= t.RetryLimitReached {
		breach("retry_limit_reached", "critical", v, t.RetryLimitReached)
	}
	if v := float64(m.DeadLettersOpen); v >= t.DeadLettersOpen {
		breach("dead_letters_open", "critical", v, t.DeadLettersOpen)
	}
	if v := float64(m.LockConflictEvents); v >= t.LockConflictEvents {
		breach("lock_conflict_events", "warning", v, t.LockConflictEvents)
	}
	if v := float64(m.OrphanedLocks); v >= t.OrphanedLocks {
		breach("orphaned_locks", "warning", v, t.OrphanedLocks)
	}

	attempts := m.StaleRecovered + m.StaleRecoveryFailed
	if attempts > 0 {
		rate := float64(m.StaleRecoveryFailed) / float64(attempts)
		if rate > t.StaleRecoveryFailureRate {
			breach("stale_recovery_failure_rate", "critical", rate, t.StaleRecoveryFailureRate)
		}
	}
	return alerts
}
