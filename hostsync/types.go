// SPDX-License-Identifier: GPL-3.0-or-later

// Package hostsync is the thin glue of spec.md §4.J: on any change to the
// declarative host/binding/DNS configuration, it recomputes and pushes the
// derived state — DNS private-domain and service registrations, port-forward
// desired set, onion service bindings, and merged upstream nameservers —
// into the DNS, port-forward and onion components. It does not render or
// push WireGuard configuration. It owns no persistent state of its own
// beyond the handles it must hold to keep those components' registrations
// alive.
package hostsync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/start9labs/corenet/gateway"
	"github.com/start9labs/corenet/gwfilter"
)

// HostId identifies a package's host the way spec.md §3 describes: stable
// within a package's lifetime, scoped to that package.
type HostId string

// BindId names one binding of a host by its internal port, in the
// canonical `<id>:<port>` form (grounded on the original's
// `BindId::from_str`).
type BindId struct {
	Id           HostId
	InternalPort uint16
}

// ParseBindId parses the `<id>:<port>` form.
func ParseBindId(s string) (BindId, error) {
	id, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return BindId{}, fmt.Errorf("hostsync: expected <id>:<port>, got %q", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return BindId{}, fmt.Errorf("hostsync: invalid port in %q: %w", s, err)
	}
	return BindId{Id: HostId(id), InternalPort: uint16(port)}, nil
}

func (b BindId) String() string {
	return fmt.Sprintf("%s:%d", b.Id, b.InternalPort)
}

// Security records whether a binding's external exposure is over TLS.
type Security struct {
	SSL bool
}

// AddSslOptions requests a dedicated SSL-terminated external port
// alongside (or instead of) the plain one.
type AddSslOptions struct {
	PreferredExternalPort uint16
}

// BindOptions is the operator-declared intent for one binding.
type BindOptions struct {
	PreferredExternalPort uint16
	AddSsl                *AddSslOptions
	Secure                *Security
}

// NetInfo is the resolved per-gateway exposure for one binding: whether
// each gateway is currently allowed to carry it, plus whichever external
// ports have been assigned.
type NetInfo struct {
	PrivateDisabled map[gateway.Id]bool
	PublicEnabled   map[gateway.Id]bool
	AssignedPort    *uint16
	AssignedSslPort *uint16
}

// Filter compiles n into the gwfilter algebra per the original's
// InterfaceFilter impl: a public gateway is allowed iff it is in
// PublicEnabled; a private gateway is allowed iff it is NOT in
// PrivateDisabled.
func (n NetInfo) Filter() gwfilter.Filter {
	publicAllowed := gwfilter.And{A: gwfilter.Public(true), B: gwfilter.GatewayIn(n.PublicEnabled)}
	privateAllowed := gwfilter.And{A: gwfilter.Public(false), B: gwfilter.Not{F: gwfilter.GatewayIn(n.PrivateDisabled)}}
	return gwfilter.Simplify(gwfilter.Or{A: publicAllowed, B: privateAllowed})
}

// BindInfo is one internal port's full declarative state.
type BindInfo struct {
	Enabled bool
	Options BindOptions
	Net     NetInfo
}

// PublicDomainConfig names the gateway a public domain is published
// through, and (out of this core's scope) its ACME provider.
type PublicDomainConfig struct {
	Gateway gateway.Id
}

// HostAddress is one address a host answers to: either a Tor v3 onion
// address or a domain name, optionally published publicly.
type HostAddress interface {
	isHostAddress()
}

// OnionAddress is a host's .onion address (without the suffix).
type OnionAddress struct {
	Value string
}

func (OnionAddress) isHostAddress() {}

// DomainAddress is a host's domain name, optionally published publicly
// through a gateway.
type DomainAddress struct {
	Value  string
	Public *PublicDomainConfig
}

func (DomainAddress) isHostAddress() {}
