package inventory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
      bitcoin-04:
        pubkey: b04key000000000000000000000000000000000000000=
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
    depends_on: [bmon-server]
    bitcoin:
      version: "24.0"
      prune: 550
  bitcoin-04:
    tags: [bitcoin]
    ssh_hostname: 203.0.113.14
    username: ops
    networks: [wg-bmon]
    role: node
    depends_on: [bmon-server]
`

func parseTestInventory(t *testing.T) *Inventory {
	t.Helper()
	inv, err := Parse([]byte(testDocument))
	require.NoError(t, err)
	return inv
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_PreservesDeclarationOrder(t *testing.T) {
	inv := parseTestInventory(t)

	require.Len(t, inv.Hosts, 3)
	assert.Equal(t, "bmon-server", inv.Hosts[0].Name)
	assert.Equal(t, "bitcoin-01", inv.Hosts[1].Name)
	assert.Equal(t, "bitcoin-04", inv.Hosts[2].Name)

	require.Len(t, inv.Networks, 1)
	net := inv.Networks[0]
	require.Len(t, net.Members, 3)
	assert.Equal(t, "bmon-server", net.Members[0].Host)
	assert.Equal(t, "bitcoin-04", net.Members[2].Host)
}

func TestParse_TypedRoleSettings(t *testing.T) {
	inv := parseTestInventory(t)

	b01, ok := inv.HostByName("bitcoin-01")
	require.True(t, ok)
	assert.Equal(t, RoleNode, b01.Role)
	assert.Equal(t, "24.0", b01.Bitcoin.Version)
	assert.Equal(t, 550, b01.Bitcoin.Prune)
	// dbcache left unset falls back to the default
	assert.Equal(t, 450, b01.Bitcoin.DBCache)

	// Host without a bitcoin block gets the full defaults.
	b04, ok := inv.HostByName("bitcoin-04")
	require.True(t, ok)
	assert.Equal(t, DefaultBitcoinSettings(), b04.Bitcoin)
	assert.Equal(t, 9100, b04.PromExporterPort)
	assert.Equal(t, 9332, b04.BitcoindExporterPort)
}

func TestParse_UnassignedMember(t *testing.T) {
	inv := parseTestInventory(t)

	net, ok := inv.Network("wg-bmon")
	require.True(t, ok)

	m, ok := net.Member("bitcoin-04")
	require.True(t, ok)
	assert.False(t, m.Assigned())

	m, ok = net.Member("bmon-server")
	require.True(t, ok)
	assert.True(t, m.Assigned())
	assert.Equal(t, "10.33.0.2", m.Address.String())
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("hosts: [not: a: mapping"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "document", verr.Field)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_AddressOutsideCIDR(t *testing.T) {
	doc := `
networks:
  wg-bmon:
    cidr: 10.33.0.0/22
    port: 51820
    pubkey: netkey=
    members:
      only-host:
        address: 192.168.1.5
        pubkey: key1=
hosts:
  only-host:
    ssh_hostname: 203.0.113.10
    networks: [wg-bmon]
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "networks.wg-bmon.members.only-host.address", verr.Field)
	assert.Contains(t, verr.Msg, "outside pool")
}

func TestValidate_DuplicateAddress(t *testing.T) {
	doc := `
networks:
  wg-bmon:
    cidr: 10.33.0.0/22
    port: 51820
    pubkey: netkey=
    members:
      host-a: {address: 10.33.0.2, pubkey: key1=}
      host-b: {address: 10.33.0.2, pubkey: key2=}
hosts:
  host-a: {ssh_hostname: 203.0.113.10, networks: [wg-bmon]}
  host-b: {ssh_hostname: 203.0.113.11, networks: [wg-bmon]}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "already assigned")
}

func TestValidate_DuplicatePubKey(t *testing.T) {
	doc := `
networks:
  wg-bmon:
    cidr: 10.33.0.0/22
    port: 51820
    pubkey: netkey=
    members:
      host-a: {address: 10.33.0.2, pubkey: samekey=}
      host-b: {address: 10.33.0.3, pubkey: samekey=}
hosts:
  host-a: {ssh_hostname: 203.0.113.10, networks: [wg-bmon]}
  host-b: {ssh_hostname: 203.0.113.11, networks: [wg-bmon]}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "public key already used")
}

func TestValidate_MemberWithoutHost(t *testing.T) {
	doc := `
networks:
  wg-bmon:
    cidr: 10.33.0.0/22
    port: 51820
    pubkey: netkey=
    members:
      ghost: {address: 10.33.0.2, pubkey: key1=}
hosts:
  real-host: {ssh_hostname: 203.0.113.10}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "networks.wg-bmon.members.ghost", verr.Field)
}

func TestValidate_UnknownNetworkReference(t *testing.T) {
	doc := `
hosts:
  lonely: {ssh_hostname: 203.0.113.10, networks: [wg-nowhere]}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "hosts.lonely.networks", verr.Field)
}

func TestValidate_UnknownDependency(t *testing.T) {
	doc := `
hosts:
  node-a: {ssh_hostname: 203.0.113.10, depends_on: [missing]}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "hosts.node-a.depends_on", verr.Field)
}

func TestValidate_DependencyCycle(t *testing.T) {
	doc := `
hosts:
  node-a: {ssh_hostname: 203.0.113.10, depends_on: [node-b]}
  node-b: {ssh_hostname: 203.0.113.11, depends_on: [node-a]}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "cycle")
}

func TestValidate_EmptyTag(t *testing.T) {
	doc := `
hosts:
  node-a:
    ssh_hostname: 203.0.113.10
    tags: ["bitcoin", ""]
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "hosts.node-a.tags", verr.Field)
}

func TestValidate_UnknownRole(t *testing.T) {
	doc := `
hosts:
  node-a:
    ssh_hostname: 203.0.113.10
    role: mainframe
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "hosts.node-a.role", verr.Field)
}

func TestValidate_MembershipWithoutMemberEntry(t *testing.T) {
	doc := `
networks:
  wg-bmon:
    cidr: 10.33.0.0/22
    port: 51820
    pubkey: netkey=
    members:
      host-a: {address: 10.33.0.2, pubkey: key1=}
hosts:
  host-a: {ssh_hostname: 203.0.113.10, networks: [wg-bmon]}
  host-b: {ssh_hostname: 203.0.113.11, networks: [wg-bmon]}
`
	_, err := Parse([]byte(doc))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "no member entry")
}

// =============================================================================
// Selector Tests
// =============================================================================

func TestSelector_ByTag(t *testing.T) {
	inv := parseTestInventory(t)

	hosts := ByTag("bitcoin").Resolve(inv)
	require.Len(t, hosts, 2)
	assert.Equal(t, "bitcoin-01", hosts[0].Name)
	assert.Equal(t, "bitcoin-04", hosts[1].Name)
}

func TestSelector_ByName(t *testing.T) {
	inv := parseTestInventory(t)

	hosts := ByName("bmon-server").Resolve(inv)
	require.Len(t, hosts, 1)
	assert.Equal(t, "bmon-server", hosts[0].Name)
}

func TestSelector_All(t *testing.T) {
	inv := parseTestInventory(t)
	assert.Len(t, All().Resolve(inv), 3)
}

func TestSelector_NoMatch(t *testing.T) {
	inv := parseTestInventory(t)

	// Empty result, not an error: callers report "nothing to do".
	assert.Empty(t, ByTag("lightning").Resolve(inv))
	assert.Empty(t, ByName("unknown-host").Resolve(inv))
}

func TestParseSelector_MutuallyExclusive(t *testing.T) {
	_, err := ParseSelector("bitcoin-01", "bitcoin")
	assert.Error(t, err)

	sel, err := ParseSelector("", "")
	require.NoError(t, err)
	assert.Equal(t, "all", sel.String())
}

// =============================================================================
// Lookup Tests
// =============================================================================

func TestHostsByTag_UnknownTagIsEmpty(t *testing.T) {
	inv := parseTestInventory(t)
	assert.Empty(t, inv.HostsByTag("nope"))
}

func TestServerHost(t *testing.T) {
	inv := parseTestInventory(t)
	server, ok := inv.ServerHost()
	require.True(t, ok)
	assert.Equal(t, "bmon-server", server.Name)
}
