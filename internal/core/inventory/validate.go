package inventory

import (
	"fmt"
)

// =============================================================================
// Validation Error
// =============================================================================

// ValidationError names the inventory field that makes the document
// unusable. It is fatal to the entire run: no remote action happens
// until the document is fixed.
type ValidationError struct {
	Field string // dotted path, e.g. "networks.wg-bmon.members.bitcoin-04"
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("inventory: %s: %s", e.Field, e.Msg)
}

// =============================================================================
// Validation
// =============================================================================

// validate runs every consistency check before any deployment action.
// The first failure aborts; partial application of a bad inventory is
// never allowed.
func validate(inv *Inventory) error {
	if err := validateHosts(inv); err != nil {
		return err
	}
	if err := validateNetworks(inv); err != nil {
		return err
	}
	if err := validateDependencies(inv); err != nil {
		return err
	}
	return nil
}

func validateHosts(inv *Inventory) error {
	seen := make(map[string]bool, len(inv.Hosts))
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		field := "hosts." + h.Name

		if h.Name == "" {
			return &ValidationError{Field: "hosts", Msg: "host name must not be empty"}
		}
		if seen[h.Name] {
			return &ValidationError{Field: field, Msg: "duplicate host name"}
		}
		seen[h.Name] = true

		if h.SSHHostname == "" {
			return &ValidationError{Field: field + ".ssh_hostname", Msg: "required"}
		}
		if !h.Role.IsValid() {
			return &ValidationError{
				Field: field + ".role",
				Msg:   fmt.Sprintf("unknown role %q (want server or node)", h.Role),
			}
		}
		for _, tag := range h.Tags {
			if tag == "" {
				return &ValidationError{Field: field + ".tags", Msg: "tags must be non-empty strings"}
			}
		}
		for _, netName := range h.Networks {
			if _, ok := inv.Network(netName); !ok {
				return &ValidationError{
					Field: field + ".networks",
					Msg:   fmt.Sprintf("unknown network %q", netName),
				}
			}
		}
	}

	serverCount := 0
	for i := range inv.Hosts {
		if inv.Hosts[i].Role == RoleServer {
			serverCount++
		}
	}
	if serverCount > 1 {
		return &ValidationError{Field: "hosts", Msg: "at most one host may have role server"}
	}

	return nil
}

func validateNetworks(inv *Inventory) error {
	for i := range inv.Networks {
		n := &inv.Networks[i]
		field := "networks." + n.Name

		if n.Port < 1 || n.Port > 65535 {
			return &ValidationError{Field: field + ".port", Msg: "port must be between 1 and 65535"}
		}
		if n.PubKey == "" {
			return &ValidationError{Field: field + ".pubkey", Msg: "required"}
		}

		addrs := make(map[string]string, len(n.Members)) // address -> member
		keys := make(map[string]string, len(n.Members))  // pubkey -> member
		for _, m := range n.Members {
			mfield := fmt.Sprintf("%s.members.%s", field, m.Host)

			if _, ok := inv.HostByName(m.Host); !ok {
				return &ValidationError{Field: mfield, Msg: "member references no declared host"}
			}
			if m.PubKey == "" {
				return &ValidationError{Field: mfield + ".pubkey", Msg: "required"}
			}
			if other, dup := keys[m.PubKey]; dup {
				return &ValidationError{
					Field: mfield + ".pubkey",
					Msg:   fmt.Sprintf("public key already used by member %q", other),
				}
			}
			keys[m.PubKey] = m.Host

			if !m.Assigned() {
				continue
			}
			if !n.CIDR.Contains(m.Address) {
				return &ValidationError{
					Field: mfield + ".address",
					Msg:   fmt.Sprintf("address %s outside pool %s", m.Address, n.CIDR),
				}
			}
			if other, dup := addrs[m.Address.String()]; dup {
				return &ValidationError{
					Field: mfield + ".address",
					Msg:   fmt.Sprintf("address %s already assigned to member %q", m.Address, other),
				}
			}
			addrs[m.Address.String()] = m.Host
		}

		// Every host that declares membership must appear in the network's
		// member list so the planner can see (or fill) its slot.
		for j := range inv.Hosts {
			h := &inv.Hosts[j]
			if !h.MemberOf(n.Name) {
				continue
			}
			if _, ok := n.Member(h.Name); !ok {
				return &ValidationError{
					Field: fmt.Sprintf("%s.members", field),
					Msg:   fmt.Sprintf("host %q declares membership but has no member entry", h.Name),
				}
			}
		}
	}
	return nil
}

// validateDependencies rejects unknown references and cycles. A circular
// dependency would deadlock the scheduler at runtime, so it is treated
// as an inventory defect instead.
func validateDependencies(inv *Inventory) error {
	for i := range inv.Hosts {
		h := &inv.Hosts[i]
		for _, dep := range h.DependsOn {
			if _, ok := inv.HostByName(dep); !ok {
				return &ValidationError{
					Field: fmt.Sprintf("hosts.%s.depends_on", h.Name),
					Msg:   fmt.Sprintf("unknown host %q", dep),
				}
			}
			if dep == h.Name {
				return &ValidationError{
					Field: fmt.Sprintf("hosts.%s.depends_on", h.Name),
					Msg:   "host depends on itself",
				}
			}
		}
	}

	// Cycle detection by iterative DFS coloring.
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[string]int, len(inv.Hosts))

	var visit func(name string) *ValidationError
	visit = func(name string) *ValidationError {
		color[name] = gray
		h, _ := inv.HostByName(name)
		for _, dep := range h.DependsOn {
			switch color[dep] {
			case gray:
				return &ValidationError{
					Field: fmt.Sprintf("hosts.%s.depends_on", name),
					Msg:   fmt.Sprintf("dependency cycle through %q", dep),
				}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for i := range inv.Hosts {
		if color[inv.Hosts[i].Name] == white {
			if err := visit(inv.Hosts[i].Name); err != nil {
				return err
			}
		}
	}
	return nil
}
