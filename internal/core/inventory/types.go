// Package inventory contains the typed fleet model: hosts, overlay
// networks, and the validation that gates every deployment run.
// This is part of the Functional Core - all functions are pure with no I/O.
package inventory

import (
	"net/netip"
)

// =============================================================================
// Host Role
// =============================================================================

// Role identifies what a host does in the fleet.
type Role string

const (
	// RoleServer is the monitoring server: database, prometheus, loki,
	// grafana and the aggregation services run here.
	RoleServer Role = "server"

	// RoleNode is a monitored bitcoin node host.
	RoleNode Role = "node"
)

// IsValid checks if the role is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleServer || r == RoleNode
}

// =============================================================================
// Bitcoin Settings
// =============================================================================

// BitcoinSettings is the typed role extension for node hosts.
// Unknown fields are rejected at parse time instead of surfacing
// as remote execution failures.
type BitcoinSettings struct {
	Version string `yaml:"version"`
	Prune   int    `yaml:"prune"`
	DBCache int    `yaml:"dbcache"`
}

// DefaultBitcoinSettings returns the tuning applied to node hosts that
// declare no explicit settings.
func DefaultBitcoinSettings() BitcoinSettings {
	return BitcoinSettings{
		Prune:   0,
		DBCache: 450,
	}
}

// =============================================================================
// Host
// =============================================================================

// Host is one machine in the fleet. Hosts are immutable for the duration
// of a run; every run re-creates them from the inventory document.
type Host struct {
	Name        string
	Tags        []string
	SSHHostname string
	Username    string
	Networks    []string // overlay network memberships, declaration order
	Role        Role
	DependsOn   []string // host names that must be converged first

	Bitcoin BitcoinSettings // populated for node hosts

	PromExporterPort     int
	BitcoindExporterPort int
}

// HasTag checks whether the host carries the given tag.
func (h *Host) HasTag(tag string) bool {
	for _, t := range h.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MemberOf checks whether the host declares membership in the named
// overlay network.
func (h *Host) MemberOf(network string) bool {
	for _, n := range h.Networks {
		if n == network {
			return true
		}
	}
	return false
}

// =============================================================================
// Overlay Network
// =============================================================================

// Member is one host's slot in an overlay network. Address is the zero
// value for members that have not been assigned an address yet; the
// planner fills those gaps and never touches assigned ones.
type Member struct {
	Host     string
	Address  netip.Addr // zero value = unassigned
	Endpoint string
	PubKey   string
}

// Assigned reports whether the member already holds an overlay address.
func (m Member) Assigned() bool {
	return m.Address.IsValid()
}

// OverlayNetwork is a private address space joining hosts across
// disparate physical networks via a mesh tunnel.
type OverlayNetwork struct {
	Name    string
	CIDR    netip.Prefix
	Port    int
	PubKey  string
	Members []Member // declaration order
}

// Member returns the membership record for the named host.
func (n *OverlayNetwork) Member(host string) (Member, bool) {
	for _, m := range n.Members {
		if m.Host == host {
			return m, true
		}
	}
	return Member{}, false
}

// =============================================================================
// Inventory
// =============================================================================

// Inventory is the validated snapshot of the fleet for one engine run.
// It is read-only after Parse and safe for concurrent readers.
type Inventory struct {
	Hosts    []Host           // declaration order
	Networks []OverlayNetwork // declaration order

	byName map[string]*Host
}

// HostByName returns the host with the given name. Pure and total:
// a missing name yields (nil, false), never an error.
func (inv *Inventory) HostByName(name string) (*Host, bool) {
	h, ok := inv.byName[name]
	return h, ok
}

// HostsByTag returns all hosts carrying the tag, in declaration order.
// An unknown tag yields an empty slice.
func (inv *Inventory) HostsByTag(tag string) []*Host {
	var out []*Host
	for i := range inv.Hosts {
		if inv.Hosts[i].HasTag(tag) {
			out = append(out, &inv.Hosts[i])
		}
	}
	return out
}

// Network returns the overlay network with the given name.
func (inv *Inventory) Network(name string) (*OverlayNetwork, bool) {
	for i := range inv.Networks {
		if inv.Networks[i].Name == name {
			return &inv.Networks[i], true
		}
	}
	return nil, false
}

// ServerHost returns the unique server-role host, if one is declared.
func (inv *Inventory) ServerHost() (*Host, bool) {
	for i := range inv.Hosts {
		if inv.Hosts[i].Role == RoleServer {
			return &inv.Hosts[i], true
		}
	}
	return nil, false
}

// index rebuilds the name lookup map. Called once at parse time.
func (inv *Inventory) index() {
	inv.byName = make(map[string]*Host, len(inv.Hosts))
	for i := range inv.Hosts {
		inv.byName[inv.Hosts[i].Name] = &inv.Hosts[i]
	}
}
