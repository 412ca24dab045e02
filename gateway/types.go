// SPDX-License-Identifier: GPL-3.0-or-later

// Package gateway discovers and tracks network interfaces ("gateways"):
// their addresses, WAN reachability, and operator-supplied public/private
// classification, publishing the result as a [*watch.Cell].
package gateway

import (
	"net/netip"
)

// Id is a stable string identifier for a network interface (e.g. "eth0",
// "wg0"). It is a plain string rather than an interned handle: Go string
// comparison and map keys are already cheap, unlike the Rust original's
// InternedString optimization.
type Id string

// DeviceType classifies the underlying link technology.
type DeviceType string

const (
	DeviceEthernet  DeviceType = "ethernet"
	DeviceWireless  DeviceType = "wireless"
	DeviceWireguard DeviceType = "wireguard"
	DeviceOther     DeviceType = "other"
)

// IpInfo captures the live network-layer state of one interface.
//
// Invariant: ScopeID matches the kernel interface index. Subnets is
// deduplicated. WanIP, if non-zero, was observed via an external HTTP
// probe bound to this interface within the last reconciliation cycle.
type IpInfo struct {
	Name       string
	ScopeID    int
	DeviceType DeviceType
	Subnets    []netip.Prefix
	WanIP      netip.Addr // zero value (IsValid()==false) means "unknown"
	NtpServers []string
}

// Public reports whether info's first IPv4 subnet is outside RFC1918
// private, loopback (127/8) and link-local (169.254/16) space; IPv6
// subnets are not consulted. Used as the inferred default when an operator
// has not asserted public/private explicitly.
func (info *IpInfo) Public() bool {
	if info == nil {
		return false
	}
	for _, p := range info.Subnets {
		if !p.Addr().Is4() {
			continue
		}
		return !isPrivateV4(p.Addr())
	}
	return false
}

func isPrivateV4(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	b := a.As4()
	switch {
	case b[0] == 10:
		return true
	case b[0] == 172 && b[1] >= 16 && b[1] <= 31:
		return true
	case b[0] == 192 && b[1] == 168:
		return true
	case b[0] == 127:
		return true
	case b[0] == 169 && b[1] == 254:
		return true
	}
	return false
}

// Info is one gateway's full classification.
//
// Public and Secure are tri-state: nil means "unset, infer"; non-nil is an
// operator assertion that overrides inference. IPInfo is nil when the
// interface is known (an operator label exists) but currently
// disconnected — its GatewayId survives so operator labels are not lost
// across a transient disconnect.
type Info struct {
	Public  *bool
	Secure  *bool
	IPInfo  *IpInfo
}

// EffectivePublic resolves the tri-state Public field: an explicit
// operator assertion wins; otherwise infer from the first IPv4 subnet.
func (i *Info) EffectivePublic() bool {
	if i.Public != nil {
		return *i.Public
	}
	return i.IPInfo.Public()
}

// EffectiveSecure resolves the tri-state Secure field. With no assertion
// and no further signal available at this layer, default to insecure so
// that callers opting into "secure-only" filters fail closed.
func (i *Info) EffectiveSecure() bool {
	if i.Secure != nil {
		return *i.Secure
	}
	return false
}

// Snapshot is an immutable view of the gateway table passed to filters and
// reconcilers: the set of known gateways plus the synthetic loopback entry
// every component implicitly includes.
type Snapshot struct {
	Gateways map[Id]*Info
}

// LoopbackID is the synthetic gateway identifier standing in for the host
// loopback interface, which every filter/listener/forwarder includes
// regardless of the operator-declared gateway set.
const LoopbackID Id = "lo"

var loopbackInfo = &Info{
	IPInfo: &IpInfo{
		Name:       "lo",
		DeviceType: DeviceOther,
		Subnets: []netip.Prefix{
			netip.MustParsePrefix("127.0.0.1/8"),
			netip.MustParsePrefix("::1/128"),
		},
	},
}

// WithLoopback returns the gateway table with the synthetic loopback entry
// merged in, overriding nothing the caller already set for LoopbackID.
func (s *Snapshot) WithLoopback() map[Id]*Info {
	out := make(map[Id]*Info, len(s.Gateways)+1)
	for id, info := range s.Gateways {
		out[id] = info
	}
	if _, ok := out[LoopbackID]; !ok {
		out[LoopbackID] = loopbackInfo
	}
	return out
}
