// Package secrets resolves the sensitive values that go into rendered
// bundles. Secrets are looked up per host with a global fallback and
// are never defaulted: a missing secret is an error, not an empty
// string.
package secrets

import (
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

// ErrSecretNotFound is returned when a secret key exists neither in the
// host's section nor globally.
var ErrSecretNotFound = errors.New("secret not found")

// NotFoundError names the host and key that failed to resolve. The
// secret value itself never appears in error text.
type NotFoundError struct {
	Host string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret %q for host %q: %v", e.Key, e.Host, ErrSecretNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrSecretNotFound }

// =============================================================================
// Store Interface
// =============================================================================

// Store resolves secret values by host and key. Implementations decide
// where the material lives; callers only see plaintext values.
type Store interface {
	// Get returns the plaintext secret for the host. Host-specific
	// entries take precedence over global ones.
	Get(hostName, key string) (string, error)
}

// =============================================================================
// Static Store
// =============================================================================

// StaticStore is an in-memory Store for tests and dry runs.
type StaticStore struct {
	// Global holds secrets shared by all hosts.
	Global map[string]string
	// Hosts holds per-host overrides keyed by host name.
	Hosts map[string]map[string]string
}

// Get implements Store.
func (s *StaticStore) Get(hostName, key string) (string, error) {
	if perHost, ok := s.Hosts[hostName]; ok {
		if v, ok := perHost[key]; ok {
			return v, nil
		}
	}
	if v, ok := s.Global[key]; ok {
		return v, nil
	}
	return "", &NotFoundError{Host: hostName, Key: key}
}
