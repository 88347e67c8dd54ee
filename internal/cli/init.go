// Package cli holds workspace scaffolding shared by the init command.
package cli

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/ordinate/internal/orchestrator"
	"github.com/mistakeknot/ordinate/internal/storage/sqlite"
)

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Operators map[string]operatorKeys `yaml:"operators"`
}

type operatorKeys struct {
	Keys []string `yaml:"keys"`
}

// InitResult describes what Init created or left alone.
type InitResult struct {
	DBPath            string
	ThresholdsPath    string
	ThresholdsCreated bool
	KeysPath          string
	Key               string
}

// Init prepares a working directory: applies the schema to the database,
// writes a thresholds file with defaults if none exists, and appends a
// fresh API key for the operator.
func Init(dbPath, thresholdsPath, keysPath, operator string) (*InitResult, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("db path required")
	}
	res := &InitResult{DBPath: dbPath, ThresholdsPath: thresholdsPath, KeysPath: keysPath}

	st, err := sqlite.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	if err := st.Close(); err != nil {
		return nil, fmt.Errorf("close db: %w", err)
	}

	if thresholdsPath = strings.TrimSpace(thresholdsPath); thresholdsPath != "" {
		created, err := writeDefaultThresholds(thresholdsPath)
		if err != nil {
			return nil, err
		}
		res.ThresholdsCreated = created
	}

	if keysPath = strings.TrimSpace(keysPath); keysPath != "" {
		key, err := InitKeysFile(keysPath, operator)
		if err != nil {
			return nil, err
		}
		res.Key = key
	}
	return res, nil
}

func writeDefaultThresholds(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("check thresholds file: %w", err)
	}
	defaults := orchestrator.DefaultThresholds()
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return false, fmt.Errorf("marshal thresholds: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, fmt.Errorf("write thresholds file: %w", err)
	}
	return true, nil
}

// InitKeysFile appends a newly generated bearer key for the operator,
// creating the file on first use.
func InitKeysFile(path, operator string) (string, error) {
	path = strings.TrimSpace(path)
	operator = strings.TrimSpace(operator)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if operator == "" {
		return "", fmt.Errorf("operator required")
	}

	cfg, err := loadKeysFile(path)
	if err != nil {
		return "", err
	}
	if cfg.Operators == nil {
		cfg.Operators = make(map[string]operatorKeys)
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	ok := cfg.Operators[operator]
	ok.Keys = append(ok.Keys, key)
	cfg.Operators[operator] = ok
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}

func loadKeysFile(path string) (keysFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return keysFile{}, nil
		}
		return keysFile{}, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return keysFile{}, fmt.Errorf("parse keys file: %w", err)
	}
	return cfg, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
