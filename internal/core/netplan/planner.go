// Package netplan assigns overlay addresses to network members from the
// network's CIDR pool. This is part of the Functional Core - all
// functions are pure with no I/O.
//
// Planning only fills gaps: an assignment already present in the
// inventory is immutable input, because peers on other hosts reference
// it. Key material always comes from the inventory; the planner never
// invents cryptographic material.
package netplan

import (
	"fmt"
	"net/netip"

	"github.com/tnorth/btcfleet/internal/core/inventory"
)

// =============================================================================
// Errors
// =============================================================================

// PoolExhaustedError is returned when a network's CIDR pool has no free
// address left for an unassigned member.
type PoolExhaustedError struct {
	Network string
	Host    string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("network %s: address pool exhausted assigning host %s", e.Network, e.Host)
}

// =============================================================================
// Assignment
// =============================================================================

// Assignment is the resolved pairing of host and overlay network.
type Assignment struct {
	Host     string
	Network  string
	Address  netip.Addr
	Endpoint string
	PubKey   string
}

// =============================================================================
// Planner
// =============================================================================

// HubAddress is the first usable address of the pool, reserved for the
// network's own tunnel endpoint and never handed to a member.
func HubAddress(pool netip.Prefix) netip.Addr {
	return pool.Addr().Next()
}

// Plan produces the complete assignment set for a network: existing
// assignments verbatim, plus fresh addresses for members that lack one.
//
// Fresh addresses are taken by walking the pool in ascending order,
// skipping the network base address, the hub address, the IPv4
// broadcast address, and anything already claimed. Unassigned members
// are served in inventory declaration order, so repeated runs over the
// same document produce the same plan.
func Plan(n *inventory.OverlayNetwork) ([]Assignment, error) {
	claimed := make(map[netip.Addr]bool, len(n.Members))
	for _, m := range n.Members {
		if m.Assigned() {
			claimed[m.Address] = true
		}
	}

	out := make([]Assignment, 0, len(n.Members))
	hub := HubAddress(n.CIDR)
	cursor := hub

	for _, m := range n.Members {
		a := Assignment{
			Host:     m.Host,
			Network:  n.Name,
			Address:  m.Address,
			Endpoint: m.Endpoint,
			PubKey:   m.PubKey,
		}
		if !m.Assigned() {
			next, ok := nextFree(n.CIDR, hub, cursor, claimed)
			if !ok {
				return nil, &PoolExhaustedError{Network: n.Name, Host: m.Host}
			}
			a.Address = next
			claimed[next] = true
			cursor = next
		}
		out = append(out, a)
	}
	return out, nil
}

// nextFree returns the first unclaimed usable address strictly after
// the previous successful cursor position or the hub.
func nextFree(pool netip.Prefix, hub, after netip.Addr, claimed map[netip.Addr]bool) (netip.Addr, bool) {
	for addr := after.Next(); pool.Contains(addr); addr = addr.Next() {
		if claimed[addr] {
			continue
		}
		if isBroadcast(pool, addr) {
			continue
		}
		return addr, true
	}
	// The cursor optimization skips addresses below earlier fresh
	// assignments; rescan from just past the hub in case a gap opened.
	for addr := hub.Next(); pool.Contains(addr); addr = addr.Next() {
		if claimed[addr] || isBroadcast(pool, addr) {
			continue
		}
		return addr, true
	}
	return netip.Addr{}, false
}

// isBroadcast reports whether addr is the IPv4 broadcast address of the
// pool. IPv6 pools have no broadcast address.
func isBroadcast(pool netip.Prefix, addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	return addr.Next() == netip.Addr{} || !pool.Contains(addr.Next())
}

// =============================================================================
// Plan Lookup
// =============================================================================

// FleetPlan groups a multi-network plan for renderer consumption:
// network name -> complete assignment list, plus host-scoped lookups.
type FleetPlan struct {
	Networks map[string][]Assignment
}

// PlanAll plans every network in the inventory. A pool exhaustion in one
// network fails that network's plan only; callers decide which hosts the
// failure excludes.
func PlanAll(inv *inventory.Inventory) (*FleetPlan, map[string]error) {
	plan := &FleetPlan{Networks: make(map[string][]Assignment, len(inv.Networks))}
	errs := make(map[string]error)
	for i := range inv.Networks {
		n := &inv.Networks[i]
		assignments, err := Plan(n)
		if err != nil {
			errs[n.Name] = err
			continue
		}
		plan.Networks[n.Name] = assignments
	}
	if len(errs) == 0 {
		errs = nil
	}
	return plan, errs
}

// Assignment returns the planned assignment of a host on a network.
func (p *FleetPlan) Assignment(network, host string) (Assignment, bool) {
	for _, a := range p.Networks[network] {
		if a.Host == host {
			return a, true
		}
	}
	return Assignment{}, false
}

// Peers returns every assignment on the network except the named host's,
// in plan order.
func (p *FleetPlan) Peers(network, host string) []Assignment {
	var out []Assignment
	for _, a := range p.Networks[network] {
		if a.Host != host {
			out = append(out, a)
		}
	}
	return out
}
