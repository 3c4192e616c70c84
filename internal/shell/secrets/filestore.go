package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tnorth/btcfleet/internal/core/crypto"
)

// =============================================================================
// File Store
// =============================================================================

// fileDocument is the on-disk YAML shape. Values are base64-encoded
// AES-256-GCM ciphertexts, never plaintext.
type fileDocument struct {
	Global map[string]string            `yaml:"global"`
	Hosts  map[string]map[string]string `yaml:"hosts"`
}

// FileStore keeps secrets in a YAML file, encrypted at rest. Values
// stay as ciphertext in memory and are decrypted per Get.
type FileStore struct {
	path   string
	key    []byte
	doc    fileDocument
	logger *slog.Logger
}

// OpenFile loads the secrets file at path, decrypting with a key
// derived from passphrase. A missing file yields an empty store so a
// fresh fleet can be seeded with Set and Save.
func OpenFile(path, passphrase string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		path:   path,
		key:    crypto.DeriveKey(passphrase),
		logger: logger.With("component", "secrets"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("secrets file not found, starting empty", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	s.logger.Debug("loaded secrets file",
		"path", path,
		"global", len(s.doc.Global),
		"hosts", len(s.doc.Hosts))
	return s, nil
}

// Get implements Store. Host-specific entries shadow global ones. A
// wrong passphrase surfaces as a decryption error, not as not-found.
func (s *FileStore) Get(hostName, key string) (string, error) {
	encoded, ok := s.lookup(hostName, key)
	if !ok {
		return "", &NotFoundError{Host: hostName, Key: key}
	}

	plaintext, err := crypto.DecryptFromBase64(encoded, s.key)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q for host %q: %w", key, hostName, err)
	}
	return string(plaintext), nil
}

func (s *FileStore) lookup(hostName, key string) (string, bool) {
	if perHost, ok := s.doc.Hosts[hostName]; ok {
		if v, ok := perHost[key]; ok {
			return v, true
		}
	}
	v, ok := s.doc.Global[key]
	return v, ok
}

// Set encrypts and stores a secret. An empty hostName targets the
// global section. The change is in memory until Save.
func (s *FileStore) Set(hostName, key, value string) error {
	encoded, err := crypto.EncryptToBase64([]byte(value), s.key)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", key, err)
	}

	if hostName == "" {
		if s.doc.Global == nil {
			s.doc.Global = make(map[string]string)
		}
		s.doc.Global[key] = encoded
		return nil
	}

	if s.doc.Hosts == nil {
		s.doc.Hosts = make(map[string]map[string]string)
	}
	if s.doc.Hosts[hostName] == nil {
		s.doc.Hosts[hostName] = make(map[string]string)
	}
	s.doc.Hosts[hostName][key] = encoded
	return nil
}

// Save writes the document back to disk with owner-only permissions.
func (s *FileStore) Save() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("marshal secrets file: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create secrets dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}

	s.logger.Info("saved secrets file", "path", s.path)
	return nil
}
