package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/ordinate/internal/orchestrator"
)

type testKeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Operators map[string]struct {
		Keys []string `yaml:"keys"`
	} `yaml:"operators"`
}

func TestInitKeysFileCreatesOperatorKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	key, err := InitKeysFile(path, "ops")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if key == "" {
		t.Fatalf("expected generated key")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	keys := cfg.Operators["ops"].Keys
	if len(keys) == 0 || keys[0] != key {
		t.Fatalf("expected ops key %q, got %+v", key, keys)
	}
}

func TestInitScaffoldsWorkspace(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ordinate.db")
	thresholdsPath := filepath.Join(dir, "thresholds.yaml")
	keysPath := filepath.Join(dir, "keys.yaml")

	res, err := Init(dbPath, thresholdsPath, keysPath, "ops")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !res.ThresholdsCreated || res.Key == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("db not created: %v", err)
	}

	th, err := orchestrator.LoadThresholds(thresholdsPath)
	if err != nil {
		t.Fatalf("load thresholds: %v", err)
	}
	if th != orchestrator.DefaultThresholds() {
		t.Fatalf("scaffolded thresholds diverge from defaults: %+v", th)
	}

	// A second init leaves the existing thresholds file alone.
	res, err = Init(dbPath, thresholdsPath, keysPath, "ops")
	if err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if res.ThresholdsCreated {
		t.Fatal("re-init must not recreate thresholds file")
	}
}
