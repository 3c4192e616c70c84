package inventory

import "fmt"

// =============================================================================
// Target Selector
// =============================================================================

// Selector picks the subset of the fleet a deployment run affects:
// either exactly one host by name, a tag's members, or everything.
type Selector struct {
	Name string // exact host name, exclusive with Tag
	Tag  string // tag membership
}

// All matches every host in the inventory.
func All() Selector { return Selector{} }

// ByName matches exactly the named host.
func ByName(name string) Selector { return Selector{Name: name} }

// ByTag matches every host carrying the tag.
func ByTag(tag string) Selector { return Selector{Tag: tag} }

// String renders the selector for logging and run history.
func (s Selector) String() string {
	switch {
	case s.Name != "":
		return "host=" + s.Name
	case s.Tag != "":
		return "tag=" + s.Tag
	default:
		return "all"
	}
}

// Matches evaluates the selector against one host.
func (s Selector) Matches(h *Host) bool {
	switch {
	case s.Name != "":
		return h.Name == s.Name
	case s.Tag != "":
		return h.HasTag(s.Tag)
	default:
		return true
	}
}

// Resolve returns the matched hosts in declaration order. An empty
// result is "nothing to do", never an error; callers must report it
// distinctly rather than silently succeeding.
func (s Selector) Resolve(inv *Inventory) []*Host {
	var out []*Host
	for i := range inv.Hosts {
		if s.Matches(&inv.Hosts[i]) {
			out = append(out, &inv.Hosts[i])
		}
	}
	return out
}

// ParseSelector builds a selector from the CLI's -host/-tag flags.
// Supplying both is a usage error.
func ParseSelector(name, tag string) (Selector, error) {
	if name != "" && tag != "" {
		return Selector{}, fmt.Errorf("host and tag selectors are mutually exclusive")
	}
	return Selector{Name: name, Tag: tag}, nil
}
