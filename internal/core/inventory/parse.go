package inventory

import (
	"fmt"
	"net/netip"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Document Shapes
// =============================================================================

// rawHost mirrors one entry of the `hosts` mapping in the inventory
// document. Role-specific fields live in a typed extension rather than a
// free-form map so that typos fail here, not on the remote host.
type rawHost struct {
	Tags                 []string         `yaml:"tags"`
	SSHHostname          string           `yaml:"ssh_hostname"`
	Username             string           `yaml:"username"`
	Networks             []string         `yaml:"networks"`
	Role                 string           `yaml:"role"`
	DependsOn            []string         `yaml:"depends_on"`
	Bitcoin              *BitcoinSettings `yaml:"bitcoin"`
	PromExporterPort     int              `yaml:"prom_exporter_port"`
	BitcoindExporterPort int              `yaml:"bitcoind_exporter_port"`
}

// rawMember mirrors one entry of a network's `members` mapping.
type rawMember struct {
	Address  string `yaml:"address"`
	Endpoint string `yaml:"endpoint"`
	PubKey   string `yaml:"pubkey"`
}

// rawNetwork mirrors one entry of the `networks` mapping.
type rawNetwork struct {
	CIDR    string    `yaml:"cidr"`
	Port    int       `yaml:"port"`
	PubKey  string    `yaml:"pubkey"`
	Members yaml.Node `yaml:"members"`
}

type rawDocument struct {
	Networks yaml.Node `yaml:"networks"`
	Hosts    yaml.Node `yaml:"hosts"`
}

// =============================================================================
// Parsing
// =============================================================================

// Parse decodes and validates an inventory document. It returns a
// ValidationError naming the offending field on any inconsistency; a run
// never proceeds past an invalid inventory. Declaration order of hosts
// and network members is preserved because the planner depends on it for
// reproducible assignment.
func Parse(data []byte) (*Inventory, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Field: "document", Msg: err.Error()}
	}

	inv := &Inventory{}

	if err := eachMapping(&doc.Networks, "networks", func(name string, node *yaml.Node) error {
		net, err := parseNetwork(name, node)
		if err != nil {
			return err
		}
		inv.Networks = append(inv.Networks, *net)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachMapping(&doc.Hosts, "hosts", func(name string, node *yaml.Node) error {
		host, err := parseHost(name, node)
		if err != nil {
			return err
		}
		inv.Hosts = append(inv.Hosts, *host)
		return nil
	}); err != nil {
		return nil, err
	}

	inv.index()

	if err := validate(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// eachMapping walks a YAML mapping node in document order. Decoding the
// mapping into a Go map would lose declaration order, which the planner
// relies on.
func eachMapping(node *yaml.Node, field string, fn func(name string, value *yaml.Node) error) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return &ValidationError{Field: field, Msg: "must be a mapping"}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if err := fn(name, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func parseNetwork(name string, node *yaml.Node) (*OverlayNetwork, error) {
	var raw rawNetwork
	if err := node.Decode(&raw); err != nil {
		return nil, &ValidationError{Field: "networks." + name, Msg: err.Error()}
	}

	prefix, err := netip.ParsePrefix(raw.CIDR)
	if err != nil {
		return nil, &ValidationError{
			Field: fmt.Sprintf("networks.%s.cidr", name),
			Msg:   fmt.Sprintf("malformed CIDR %q", raw.CIDR),
		}
	}

	net := &OverlayNetwork{
		Name:   name,
		CIDR:   prefix.Masked(),
		Port:   raw.Port,
		PubKey: raw.PubKey,
	}

	if err := eachMapping(&raw.Members, fmt.Sprintf("networks.%s.members", name), func(member string, mnode *yaml.Node) error {
		var rm rawMember
		if err := mnode.Decode(&rm); err != nil {
			return &ValidationError{
				Field: fmt.Sprintf("networks.%s.members.%s", name, member),
				Msg:   err.Error(),
			}
		}
		m := Member{Host: member, Endpoint: rm.Endpoint, PubKey: rm.PubKey}
		if rm.Address != "" {
			addr, err := netip.ParseAddr(rm.Address)
			if err != nil {
				return &ValidationError{
					Field: fmt.Sprintf("networks.%s.members.%s.address", name, member),
					Msg:   fmt.Sprintf("malformed address %q", rm.Address),
				}
			}
			m.Address = addr
		}
		net.Members = append(net.Members, m)
		return nil
	}); err != nil {
		return nil, err
	}

	return net, nil
}

func parseHost(name string, node *yaml.Node) (*Host, error) {
	var raw rawHost
	if err := node.Decode(&raw); err != nil {
		return nil, &ValidationError{Field: "hosts." + name, Msg: err.Error()}
	}

	host := &Host{
		Name:                 name,
		Tags:                 raw.Tags,
		SSHHostname:          raw.SSHHostname,
		Username:             raw.Username,
		Networks:             raw.Networks,
		Role:                 Role(raw.Role),
		DependsOn:            raw.DependsOn,
		PromExporterPort:     raw.PromExporterPort,
		BitcoindExporterPort: raw.BitcoindExporterPort,
	}

	if host.Role == "" {
		host.Role = RoleNode
	}
	if raw.Bitcoin != nil {
		host.Bitcoin = *raw.Bitcoin
		if host.Bitcoin.DBCache == 0 {
			host.Bitcoin.DBCache = DefaultBitcoinSettings().DBCache
		}
	} else {
		host.Bitcoin = DefaultBitcoinSettings()
	}
	if host.PromExporterPort == 0 {
		host.PromExporterPort = 9100
	}
	if host.BitcoindExporterPort == 0 {
		host.BitcoindExporterPort = 9332
	}

	return host, nil
}
