package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "ordinate.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Operators map[string]operatorKeys `yaml:"operators"`
}

type operatorKeys struct {
	Keys []string `yaml:"keys"`
}

// Keyring maps bearer keys to operator identities. Workers on the same host
// bypass it when the localhost policy allows.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToOperator             map[string]string
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("ORDINATE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, err := BootstrapDevKey(path, "dev"); err != nil {
				return nil, fmt.Errorf("bootstrap dev key: %w", err)
			}
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read keys file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := &Keyring{
		AllowLocalhostWithoutAuth: true,
		keyToOperator:             make(map[string]string),
	}
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for operator, keys := range cfg.Operators {
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToOperator[key]; ok && existing != operator {
				return nil, fmt.Errorf("key reused across operators: %q", key)
			}
			ring.keyToOperator[key] = operator
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToOperator: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToOperator map[string]string) *Keyring {
	clone := make(map[string]string, len(keyToOperator))
	for k, v := range keyToOperator {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToOperator: clone}
}

func (k *Keyring) OperatorForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	operator, ok := k.keyToOperator[key]
	return operator, ok
}
