package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnorth/btcfleet/internal/core/crypto"
)

// =============================================================================
// StaticStore Tests
// =============================================================================

func TestStaticStore_GlobalFallback(t *testing.T) {
	s := &StaticStore{
		Global: map[string]string{"db_password": "global-pw"},
		Hosts: map[string]map[string]string{
			"bitcoin-01": {"db_password": "host-pw"},
		},
	}

	v, err := s.Get("bitcoin-01", "db_password")
	require.NoError(t, err)
	assert.Equal(t, "host-pw", v)

	v, err = s.Get("bitcoin-02", "db_password")
	require.NoError(t, err)
	assert.Equal(t, "global-pw", v)
}

func TestStaticStore_NotFound(t *testing.T) {
	s := &StaticStore{}

	_, err := s.Get("bitcoin-01", "wg-privkey")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "bitcoin-01", nf.Host)
	assert.Equal(t, "wg-privkey", nf.Key)
}

func TestNotFoundError_NeverContainsValue(t *testing.T) {
	err := &NotFoundError{Host: "bitcoin-01", Key: "bitcoin_rpc_password"}
	assert.Contains(t, err.Error(), "bitcoin-01")
	assert.Contains(t, err.Error(), "bitcoin_rpc_password")
}

// =============================================================================
// FileStore Tests
// =============================================================================

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yml")

	s, err := OpenFile(path, "master-passphrase", nil)
	require.NoError(t, err)

	require.NoError(t, s.Set("", "db_password", "global-db-pw"))
	require.NoError(t, s.Set("bitcoin-01", "wg-privkey", "wg-key-material"))
	require.NoError(t, s.Save())

	// Reopen and resolve.
	reopened, err := OpenFile(path, "master-passphrase", nil)
	require.NoError(t, err)

	v, err := reopened.Get("bitcoin-01", "wg-privkey")
	require.NoError(t, err)
	assert.Equal(t, "wg-key-material", v)

	v, err = reopened.Get("bitcoin-02", "db_password")
	require.NoError(t, err)
	assert.Equal(t, "global-db-pw", v)
}

func TestFileStore_HostShadowsGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yml")

	s, err := OpenFile(path, "pw", nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("", "sudo_password", "global"))
	require.NoError(t, s.Set("bmon-server", "sudo_password", "server-only"))

	v, err := s.Get("bmon-server", "sudo_password")
	require.NoError(t, err)
	assert.Equal(t, "server-only", v)

	v, err = s.Get("bitcoin-01", "sudo_password")
	require.NoError(t, err)
	assert.Equal(t, "global", v)
}

func TestFileStore_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yml")

	s, err := OpenFile(path, "pw", nil)
	require.NoError(t, err)

	_, err = s.Get("bitcoin-01", "db_password")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileStore_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yml")

	s, err := OpenFile(path, "correct", nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("", "db_password", "value"))
	require.NoError(t, s.Save())

	wrong, err := OpenFile(path, "wrong", nil)
	require.NoError(t, err)

	_, err = wrong.Get("bitcoin-01", "db_password")
	require.Error(t, err)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

func TestFileStore_CiphertextOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.yml")

	s, err := OpenFile(path, "pw", nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("", "db_password", "super-secret-value"))
	require.NoError(t, s.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret-value")
}
