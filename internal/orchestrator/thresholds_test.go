package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
)

func TestLoadThresholdsLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("deadLettersOpen: 5\nretryAttempts: 20\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ORDINATE_THRESHOLD_RETRY_ATTEMPTS", "7")
	t.Setenv("ORDINATE_THRESHOLD_ORPHANED_LOCKS", "not-a-number")

	th, err := LoadThresholds(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if th.DeadLettersOpen != 5 {
		t.Fatalf("file override lost: %+v", th)
	}
	if th.RetryAttempts != 7 {
		t.Fatalf("env must win over file: %+v", th)
	}
	if th.OrphanedLocks != 1 {
		t.Fatalf("bad env value must fall back to default: %+v", th)
	}
	if th.LockExpired != 3 {
		t.Fatalf("untouched default changed: %+v", th)
	}
}

func TestLoadThresholdsMissingFile(t *testing.T) {
	th, err := LoadThresholds(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if th != DefaultThresholds() {
		t.Fatalf("expected defaults, got %+v", th)
	}
}

func TestLoadThresholdsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadThresholds(path); err == nil {
		t.Fatal("malformed file must error")
	}
}

func TestEvaluateBreaches(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	th := DefaultThresholds()

	alerts := th.Evaluate(core.Metrics{WindowMinutes: 60}, now)
	if len(alerts) != 0 {
		t.Fatalf("clean metrics must not alert: %+v", alerts)
	}

	alerts = th.Evaluate(core.Metrics{
		WindowMinutes:       60,
		DeadLettersOpen:     2,
		OrphanedLocks:       1,
		RetryAttempts:       9,
		StaleRecovered:      4,
		StaleRecoveryFailed: 4,
	}, now)

	byKey := map[string]core.Alert{}
	for _, a := range alerts {
		byKey[a.Key] = a
	}
	if len(byKey) != 3 {
		t.Fatalf("expected 3 breaches, got %+v", byKey)
	}
	if a := byKey["dead_letters_open"]; a.Level != "critical" || a.Value != 2 {
		t.Fatalf("dead letters alert: %+v", a)
	}
	if a := byKey["orphaned_locks"]; a.Level != "warning" {
		t.Fatalf("orphan alert: %+v", a)
	}
	// 4 failures out of 8 attempts is a 0.5 failure rate.
	if a := byKey["stale_recovery_failure_rate"]; a.Value != 0.5 {
		t.Fatalf("failure rate alert: %+v", a)
	}
	if _, ok := byKey["retry_attempts"]; ok {
		t.Fatal("retry_attempts below threshold must not alert")
	}
}

func TestEvaluateFailureRateNeedsAttempts(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	alerts := DefaultThresholds().Evaluate(core.Metrics{WindowMinutes: 60, StaleRecoveryFailed: 0}, now)
	for _, a := range alerts {
		if a.Key == "stale_recovery_failure_rate" {
			t.Fatalf("no attempts must not alert: %+v", a)
		}
	}
}
