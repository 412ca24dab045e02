// SPDX-License-Identifier: GPL-3.0-or-later

package hostsync

import "net/netip"

// HostConfig is the full declarative state of one host: its internal
// service address, its bindings, the private domains it should be
// hairpinned under, and the public-facing addresses it answers to.
type HostConfig struct {
	ID             HostId
	TargetAddr     netip.Addr
	Bindings       map[uint16]BindInfo
	PrivateDomains []string
	Addresses      []HostAddress
}

// target returns the internal service address a binding on internalPort
// forwards to.
func (h HostConfig) target(internalPort uint16) netip.AddrPort {
	return netip.AddrPortFrom(h.TargetAddr, internalPort)
}

// hasOnionAddress reports whether h answers to at least one onion
// address, and so needs its enabled bindings rendezvoused through Tor.
func (h HostConfig) hasOnionAddress() bool {
	for _, addr := range h.Addresses {
		if _, ok := addr.(OnionAddress); ok {
			return true
		}
	}
	return false
}

// DNSConfig is the database's `network.dns` subtree: the upstream
// resolvers offered by DHCP plus any operator-configured static ones.
type DNSConfig struct {
	DhcpServers   []netip.AddrPort
	StaticServers []netip.AddrPort
}
