package ftcomm

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

var (
	ErrUnknownRole     = fmt.Errorf("ftcomm: node name matches neither host nor endpoint prefix")
	ErrInvalidTopology = fmt.Errorf("ftcomm: invalid topology")
)

// Role is the part a process plays in the topology.
type Role uint8

const (
	RoleHost Role = iota + 1
	RoleEndpoint
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleEndpoint:
		return "endpoint"
	default:
		return "unknown"
	}
}

// Node is one entry of a topology table: a name and one address per switch.
type Node struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs"`
}

// Topology is the static, closed set of hosts and endpoints. It is loaded
// once at startup and never mutated afterwards.
type Topology struct {
	Switches  int    `json:"switches"`
	Hosts     []Node `json:"hosts"`
	Endpoints []Node `json:"endpoints"`
}

// DefaultTopology returns the compiled-in deployment table: four hosts and
// three endpoints, each reachable through two switches.
func DefaultTopology() Topology {
	return Topology{
		Switches: 2,
		Hosts: []Node{
			{Name: "host1", Addrs: []string{"192.168.1.1", "192.168.2.1"}},
			{Name: "host2", Addrs: []string{"192.168.1.2", "192.168.2.2"}},
			{Name: "host3", Addrs: []string{"192.168.1.3", "192.168.2.3"}},
			{Name: "host4", Addrs: []string{"192.168.1.4", "192.168.2.4"}},
		},
		Endpoints: []Node{
			{Name: "rpi1", Addrs: []string{"192.168.1.11", "192.168.2.11"}},
			{Name: "rpi2", Addrs: []string{"192.168.1.12", "192.168.2.12"}},
			{Name: "rpi3", Addrs: []string{"192.168.1.13", "192.168.2.13"}},
		},
	}
}

// LoadTopologyFile reads a JSON topology and validates it.
func LoadTopologyFile(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// Validate checks that every node has exactly one parseable address per
// switch and that no address is listed twice.
func (t Topology) Validate() error {
	if t.Switches < 1 {
		return fmt.Errorf("%w: switches must be >= 1, got %d", ErrInvalidTopology, t.Switches)
	}
	if len(t.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints", ErrInvalidTopology)
	}
	seen := make(map[netip.Addr]string)
	check := func(kind string, nodes []Node) error {
		for _, n := range nodes {
			if n.Name == "" {
				return fmt.Errorf("%w: %s with empty name", ErrInvalidTopology, kind)
			}
			if len(n.Addrs) != t.Switches {
				return fmt.Errorf("%w: %s %q has %d addrs, want %d",
					ErrInvalidTopology, kind, n.Name, len(n.Addrs), t.Switches)
			}
			for _, s := range n.Addrs {
				a, err := netip.ParseAddr(s)
				if err != nil {
					return fmt.Errorf("%w: %s %q: %v", ErrInvalidTopology, kind, n.Name, err)
				}
				if prev, dup := seen[a.Unmap()]; dup {
					return fmt.Errorf("%w: address %s used by %q and %q",
						ErrInvalidTopology, s, prev, n.Name)
				}
				seen[a.Unmap()] = n.Name
			}
		}
		return nil
	}
	if err := check("host", t.Hosts); err != nil {
		return err
	}
	return check("endpoint", t.Endpoints)
}

// LookupHost maps a source address to (host index, switch index).
func (t Topology) LookupHost(addr netip.Addr) (int, int, bool) {
	return lookup(t.Hosts, addr)
}

// LookupEndpoint maps an address to (endpoint index, switch index).
func (t Topology) LookupEndpoint(addr netip.Addr) (int, int, bool) {
	return lookup(t.Endpoints, addr)
}

func lookup(nodes []Node, addr netip.Addr) (int, int, bool) {
	addr = addr.Unmap()
	for i, n := range nodes {
		for sw, s := range n.Addrs {
			a, err := netip.ParseAddr(s)
			if err == nil && a.Unmap() == addr {
				return i, sw, true
			}
		}
	}
	return -1, -1, false
}

// HostIndex returns the index of the named host, or -1.
func (t Topology) HostIndex(name string) int {
	for i, n := range t.Hosts {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// ResolveRole decides the role from the node name prefix.
func ResolveRole(name, hostPrefix, endpointPrefix string) (Role, error) {
	isHost := hostPrefix != "" && strings.HasPrefix(name, hostPrefix)
	isEP := endpointPrefix != "" && strings.HasPrefix(name, endpointPrefix)
	switch {
	case isHost && !isEP:
		return RoleHost, nil
	case isEP && !isHost:
		return RoleEndpoint, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
}
