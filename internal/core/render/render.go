// Package render merges configuration layers into one deterministic
// per-host bundle: a flat key/value mapping plus a content fingerprint.
// This is part of the Functional Core - all functions are pure with no
// I/O; secret values flow through but are never formatted into errors.
//
// The bundle is flat by design: it is the exact shape written to the
// target host's runtime environment, newline-separated KEY=value pairs.
// Values are never re-quoted here; the remote installation step owns
// escaping.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/tnorth/btcfleet/internal/core/inventory"
	"github.com/tnorth/btcfleet/internal/core/netplan"
)

// =============================================================================
// Errors
// =============================================================================

// SecretMissingError is returned when a bundle requires a secret the
// store does not hold. Rendering the host fails hard; a silently empty
// secret would deploy an insecure default.
type SecretMissingError struct {
	Host string
	Key  string
}

func (e *SecretMissingError) Error() string {
	return fmt.Sprintf("host %s: missing secret %q", e.Host, e.Key)
}

// =============================================================================
// Secret Source
// =============================================================================

// SecretGetter resolves a per-host secret value by key. Implementations
// live in the shell; the renderer only depends on the contract.
type SecretGetter interface {
	// Get returns the secret value, or an error when the key is not
	// held for the host. There is no implicit defaulting.
	Get(hostName, key string) (string, error)
}

// =============================================================================
// Config Bundle
// =============================================================================

// Bundle is the rendered configuration for one host. Never mutated once
// produced; recomputed from scratch every run.
type Bundle struct {
	Host        string
	Values      map[string]string
	Fingerprint string // hex SHA-256 over the canonical serialization
}

// Serialize renders the bundle in canonical form: sorted keys,
// newline-separated KEY=value pairs, trailing newline. Identical logical
// content always serializes identically, independent of map iteration
// order - that is what makes drift detection meaningful.
func (b *Bundle) Serialize() string {
	return serialize(b.Values)
}

func serialize(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

func fingerprint(values map[string]string) string {
	sum := sha256.Sum256([]byte(serialize(values)))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Renderer
// =============================================================================

// Renderer holds the engine-wide defaults threaded into every render
// call. No process-global state: concurrent per-host rendering needs no
// synchronization on this value.
type Renderer struct {
	// ServerIP is the monitoring server's overlay address, referenced
	// by every node bundle.
	ServerIP netip.Addr
}

// secret keys every host must hold.
const (
	SecretDBPassword  = "db_password"
	SecretRPCPassword = "bitcoin_rpc_password"
	SecretSudo        = "sudo_password"
	SecretWGPrivKey   = "wg-privkey"
)

// Render merges the configuration layers for one host, later layers
// overriding earlier ones:
//
//  1. engine-wide defaults
//  2. network-derived values (own address, peer table)
//  3. host role-specific settings
//  4. secrets
//
// It returns a SecretMissingError naming the key when the store lacks a
// required secret; no bundle is produced in that case.
func (r *Renderer) Render(host *inventory.Host, plan *netplan.FleetPlan, secrets SecretGetter) (*Bundle, error) {
	values := defaults()

	for _, netName := range host.Networks {
		networkValues(values, netName, host.Name, plan)
	}

	r.roleValues(values, host)

	if err := r.secretValues(values, host, secrets); err != nil {
		return nil, err
	}

	return &Bundle{
		Host:        host.Name,
		Values:      values,
		Fingerprint: fingerprint(values),
	}, nil
}

// defaults is layer 1: values every host starts from.
func defaults() map[string]string {
	return map[string]string{
		"DB_PORT":          "5432",
		"DB_NAME":          "bmon",
		"DB_USER":          "bmon",
		"REDIS_PORT":       "6379",
		"PROM_PORT":        "9090",
		"LOKI_PORT":        "3100",
		"PROMTAIL_PORT":    "9080",
		"ALERTMAN_PORT":    "9093",
		"BITCOIN_RPC_PORT": "8332",
		"BITCOIN_RPC_USER": "bmon",
	}
}

// networkValues is layer 2: the host's own assignment plus the peer
// table, serialized as name=pubkey@endpoint/address entries joined by
// commas in peer name order.
func networkValues(values map[string]string, netName, hostName string, plan *netplan.FleetPlan) {
	prefix := "WG_" + envToken(netName) + "_"

	if own, ok := plan.Assignment(netName, hostName); ok {
		values[prefix+"ADDRESS"] = own.Address.String()
	}

	peers := plan.Peers(netName, hostName)
	sort.Slice(peers, func(i, j int) bool { return peers[i].Host < peers[j].Host })

	entries := make([]string, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, fmt.Sprintf("%s=%s@%s/%s", p.Host, p.PubKey, p.Endpoint, p.Address))
	}
	values[prefix+"PEERS"] = strings.Join(entries, ",")
}

// roleValues is layer 3: server vs node variants of the service
// addresses, plus bitcoin tuning for nodes. Services colocated with the
// server resolve by service name; nodes reach them over the overlay.
func (r *Renderer) roleValues(values map[string]string, host *inventory.Host) {
	values["HOSTNAME"] = host.Name
	values["PROM_EXPORTER_PORT"] = strconv.Itoa(host.PromExporterPort)
	values["BITCOIND_EXPORTER_PORT"] = strconv.Itoa(host.BitcoindExporterPort)

	server := r.ServerIP.String()

	switch host.Role {
	case inventory.RoleServer:
		values["ROLE"] = "server"
		values["DB_HOST"] = "db"
		values["REDIS_HOST"] = "redis"
		values["PROM_ADDRESS"] = "prom:9090"
		values["LOKI_HOST"] = "loki"
		values["ALERTMAN_ADDRESS"] = "alertman:9093"
		values["PROM_SCRAPE_SD_URL"] = "http://web:8080/sd/prom"

	case inventory.RoleNode:
		values["ROLE"] = "node"
		values["DB_HOST"] = server
		values["REDIS_HOST"] = server
		values["REDIS_LOCAL_HOST"] = "redis-local"
		values["PROM_ADDRESS"] = server + ":9090"
		values["LOKI_HOST"] = server
		values["ALERTMAN_ADDRESS"] = server + ":9093"
		values["PROM_SCRAPE_SD_URL"] = fmt.Sprintf("http://%s/sd/prom", server)
		values["BITCOIN_VERSION"] = host.Bitcoin.Version
		values["BITCOIN_PRUNE"] = strconv.Itoa(host.Bitcoin.Prune)
		values["BITCOIN_DBCACHE"] = strconv.Itoa(host.Bitcoin.DBCache)
	}
}

// secretValues is layer 4. Derived values that must stay deterministic
// (the rpcauth line) are computed here from the resolved secrets.
func (r *Renderer) secretValues(values map[string]string, host *inventory.Host, secrets SecretGetter) error {
	required := map[string]string{
		SecretDBPassword:  "DB_PASSWORD",
		SecretRPCPassword: "BITCOIN_RPC_PASSWORD",
		SecretSudo:        "SUDO_PASSWORD",
	}

	for key, envKey := range required {
		val, err := secrets.Get(host.Name, key)
		if err != nil {
			return &SecretMissingError{Host: host.Name, Key: key}
		}
		values[envKey] = val
	}

	if len(host.Networks) > 0 {
		val, err := secrets.Get(host.Name, SecretWGPrivKey)
		if err != nil {
			return &SecretMissingError{Host: host.Name, Key: SecretWGPrivKey}
		}
		values["WG_PRIVATE_KEY"] = val
	}

	values["BITCOIN_RPC_AUTH_LINE"] = RPCAuthLine(values["BITCOIN_RPC_USER"], values["BITCOIN_RPC_PASSWORD"])

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		values["DB_USER"], values["DB_PASSWORD"], values["DB_HOST"], values["DB_PORT"], values["DB_NAME"])
	values["DB_URL"] = dbURL

	return nil
}

// envToken uppercases a network name for use in an env key.
func envToken(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
