package sd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnorth/btcfleet/internal/core/inventory"
	"github.com/tnorth/btcfleet/internal/shell/orchestrator"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const testDocument = `
networks:
  wg-bmon:
    cidr: 10.33.0.0/22
    port: 51820
    pubkey: netkey000000000000000000000000000000000000000=
    members:
      bmon-server:
        address: 10.33.0.2
        endpoint: server.example.com:51820
        pubkey: serverkey00000000000000000000000000000000000=
      bitcoin-01:
        address: 10.33.0.3
        pubkey: b01key000000000000000000000000000000000000000=
hosts:
  bmon-server:
    tags: [server, monitoring]
    ssh_hostname: 203.0.113.10
    username: ops
    networks: [wg-bmon]
    role: server
  bitcoin-01:
    tags: [bitcoin]
    ssh_hostname: 203.0.113.11
    username: ops
    networks: [wg-bmon]
    role: node
  bitcoin-02:
    tags: [bitcoin]
    ssh_hostname: 203.0.113.12
    username: ops
    role: node
`

type staticStatus struct {
	statuses []orchestrator.HostStatus
	err      error
}

func (s *staticStatus) Status(context.Context) ([]orchestrator.HostStatus, error) {
	return s.statuses, s.err
}

func testHandler(t *testing.T, status StatusProvider) *Handler {
	t.Helper()
	inv, err := inventory.Parse([]byte(testDocument))
	require.NoError(t, err)
	if status == nil {
		status = &staticStatus{}
	}
	return NewHandler(inv, status, nil)
}

func doRequest(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// Prometheus SD Tests
// =============================================================================

func TestPromSD_TargetsOverlayAddresses(t *testing.T) {
	h := testHandler(t, nil)

	rec := doRequest(t, h, "/sd/prom")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var groups []TargetGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 3)

	byHost := make(map[string]TargetGroup)
	for _, g := range groups {
		byHost[g.Labels["host"]] = g
	}

	server := byHost["bmon-server"]
	assert.Equal(t, []string{"10.33.0.2:9100"}, server.Targets)
	assert.Equal(t, "server", server.Labels["role"])
	assert.Equal(t, "server,monitoring", server.Labels["tags"])

	node := byHost["bitcoin-01"]
	assert.Contains(t, node.Targets, "10.33.0.3:9100")
	assert.Contains(t, node.Targets, "10.33.0.3:9332")
}

func TestPromSD_NonOverlayHostUsesSSHHostname(t *testing.T) {
	h := testHandler(t, nil)

	rec := doRequest(t, h, "/sd/prom")
	require.Equal(t, http.StatusOK, rec.Code)

	var groups []TargetGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))

	var offOverlay *TargetGroup
	for i := range groups {
		if groups[i].Labels["host"] == "bitcoin-02" {
			offOverlay = &groups[i]
		}
	}
	require.NotNil(t, offOverlay)
	assert.Contains(t, offOverlay.Targets, "203.0.113.12:9100")
}

// =============================================================================
// Status Tests
// =============================================================================

func TestStatus_ReturnsDriftReport(t *testing.T) {
	provider := &staticStatus{statuses: []orchestrator.HostStatus{
		{Host: "bmon-server", Role: "server", Fresh: "fp1", Applied: "fp1", NeedsApply: false},
		{Host: "bitcoin-01", Role: "node", Fresh: "fp2", Applied: "old", NeedsApply: true},
	}}
	h := testHandler(t, provider)

	rec := doRequest(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []orchestrator.HostStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 2)
	assert.False(t, statuses[0].NeedsApply)
	assert.True(t, statuses[1].NeedsApply)
}

func TestStatus_ProviderError(t *testing.T) {
	h := testHandler(t, &staticStatus{err: errors.New("store unavailable")})

	rec := doRequest(t, h, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "status report failed")
}

func TestHealth(t *testing.T) {
	h := testHandler(t, nil)

	rec := doRequest(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}
