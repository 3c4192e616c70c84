package deployplan

import (
	"github.com/tnorth/btcfleet/internal/core/inventory"
)

// =============================================================================
// Dependency Ordering
// =============================================================================

// Order sorts hosts so that dependencies come before dependents, using
// Kahn's algorithm. Edges outside the given set are ignored: a target
// set of {A} where A depends on B still orders fine - whether B's
// convergence gates A is the orchestrator's call, not the sorter's.
//
// Cycles are rejected at inventory validation, so the fallback append
// for unsortable leftovers should never fire; it exists to keep the
// function total.
func Order(hosts []*inventory.Host) []*inventory.Host {
	if len(hosts) == 0 {
		return hosts
	}

	inSet := make(map[string]*inventory.Host, len(hosts))
	for _, h := range hosts {
		inSet[h.Name] = h
	}

	inDegree := make(map[string]int, len(hosts))
	dependents := make(map[string][]string)
	for _, h := range hosts {
		for _, dep := range h.DependsOn {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			inDegree[h.Name]++
			dependents[dep] = append(dependents[dep], h.Name)
		}
	}

	// Seed with dependency-free hosts, preserving declaration order.
	var queue []string
	for _, h := range hosts {
		if inDegree[h.Name] == 0 {
			queue = append(queue, h.Name)
		}
	}

	result := make([]*inventory.Host, 0, len(hosts))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, inSet[name])

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) < len(hosts) {
		seen := make(map[string]bool, len(result))
		for _, h := range result {
			seen[h.Name] = true
		}
		for _, h := range hosts {
			if !seen[h.Name] {
				result = append(result, h)
			}
		}
	}

	return result
}

// DependenciesWithin returns the subset of a host's dependencies that
// are themselves part of the fleet (always true post-validation),
// resolved to hosts.
func DependenciesWithin(h *inventory.Host, inv *inventory.Inventory) []*inventory.Host {
	var out []*inventory.Host
	for _, dep := range h.DependsOn {
		if d, ok := inv.HostByName(dep); ok {
			out = append(out, d)
		}
	}
	return out
}
