// SPDX-License-Identifier: GPL-3.0-or-later

package wireguard

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/start9labs/corenet/controlplane"
)

// PeerConfig is one client's WireGuard identity: its public key (we keep
// only the key it authenticates with; the matching private key lives on
// the client) and the pre-shared key mixed into the handshake.
type PeerConfig struct {
	Key          Key
	PresharedKey Key
}

// GeneratePeerConfig returns a fresh [PeerConfig].
func GeneratePeerConfig() (PeerConfig, error) {
	key, err := GenerateKey()
	if err != nil {
		return PeerConfig{}, err
	}
	psk, err := GeneratePresharedKey()
	if err != nil {
		return PeerConfig{}, err
	}
	return PeerConfig{Key: key, PresharedKey: psk}, nil
}

// SubnetConfig is the per-subnet client roster and default forward
// target (spec.md §4.H: "Client-side renderings are produced on
// demand; allocation of a new client IP picks the first host address
// in the subnet not already present in clients, failing when
// exhausted.").
type SubnetConfig struct {
	DefaultForwardTarget netip.Addr
	Clients              map[netip.Addr]PeerConfig
}

// NewSubnetConfig returns an empty [SubnetConfig].
func NewSubnetConfig() *SubnetConfig {
	return &SubnetConfig{Clients: map[netip.Addr]PeerConfig{}}
}

// AddClient allocates the first unused host address in prefix and
// assigns it a freshly generated [PeerConfig].
func (s *SubnetConfig) AddClient(prefix netip.Prefix) (netip.Addr, PeerConfig, error) {
	for _, addr := range subnetHosts(prefix) {
		if _, taken := s.Clients[addr]; taken {
			continue
		}
		peer, err := GeneratePeerConfig()
		if err != nil {
			return netip.Addr{}, PeerConfig{}, err
		}
		s.Clients[addr] = peer
		return addr, peer, nil
	}
	return netip.Addr{}, PeerConfig{}, controlplane.New(controlplane.InvalidConfig, fmt.Errorf("wireguard: subnet %s exhausted", prefix))
}

// subnetHosts enumerates the usable host addresses of an IPv4 prefix:
// every address except the network and broadcast addresses, unless the
// prefix is too small to have distinct ones (/31, /32).
func subnetHosts(prefix netip.Prefix) []netip.Addr {
	prefix = prefix.Masked()
	base := prefix.Addr()
	if !base.Is4() {
		return nil
	}
	bits := prefix.Bits()
	span := uint32(1) << uint(32-bits)
	network := ipv4ToUint32(base)

	var first, last uint32
	switch {
	case bits >= 31:
		first, last = network, network+span-1
	default:
		first, last = network+1, network+span-2
	}

	hosts := make([]netip.Addr, 0, last-first+1)
	for v := first; v <= last; v++ {
		hosts = append(hosts, uint32ToIPv4(v))
		if v == last {
			break // avoid wrapping past math.MaxUint32 on a /0
		}
	}
	return hosts
}

func ipv4ToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToIPv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Server is the pure-data server configuration spec.md §4.H describes:
// `WgServer{port, key, subnets} → server.conf`.
type Server struct {
	Port    uint16
	Key     Key
	Subnets map[netip.Prefix]*SubnetConfig
}

// NewServer returns a [*Server] with a freshly generated key, listening
// on the conventional WireGuard port.
func NewServer() (*Server, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Server{Port: 51820, Key: key, Subnets: map[netip.Prefix]*SubnetConfig{}}, nil
}

// Render produces the wg0.conf content for srv. Peers are emitted in a
// fixed order (sorted by allowed address) so that two calls against an
// unchanged server produce byte-identical output despite Subnets and
// Clients being maps (spec.md §8's serialise/parse/serialise property).
func (srv *Server) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nListenPort = %d\n", srv.Key.String(), srv.Port)
	for _, addr := range sortedPeerAddrs(srv.Subnets) {
		peer := srv.peerAt(addr)
		fmt.Fprintf(&b, "\n[Peer]\nPublicKey = %s\nPresharedKey = %s\nAllowedIPs = %s/32\n",
			peer.Key.PublicKey().String(), peer.PresharedKey.String(), addr)
	}
	return b.String()
}

// sortedPeerAddrs returns every client address across subnets, sorted
// for deterministic rendering.
func sortedPeerAddrs(subnets map[netip.Prefix]*SubnetConfig) []netip.Addr {
	var addrs []netip.Addr
	for _, subnet := range subnets {
		for addr := range subnet.Clients {
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs
}

// peerAt returns the [PeerConfig] bound to addr across every subnet.
func (srv *Server) peerAt(addr netip.Addr) PeerConfig {
	for _, subnet := range srv.Subnets {
		if peer, ok := subnet.Clients[addr]; ok {
			return peer
		}
	}
	return PeerConfig{}
}

// ClientConfig renders a client-side wg0.conf for one peer.
type ClientConfig struct {
	ClientKey    Key
	PresharedKey Key
	ClientAddr   netip.Addr
	ServerPubkey Key
	ServerAddr   netip.AddrPort
	AllowedIPs   netip.Prefix
}

// Render produces the client-side wg0.conf content.
func (c ClientConfig) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nAddress = %s/32\n\n", c.ClientKey.String(), c.ClientAddr)
	fmt.Fprintf(&b, "[Peer]\nPublicKey = %s\nPresharedKey = %s\nEndpoint = %s\nAllowedIPs = %s\n",
		c.ServerPubkey.String(), c.PresharedKey.String(), c.ServerAddr, c.AllowedIPs)
	return b.String()
}
