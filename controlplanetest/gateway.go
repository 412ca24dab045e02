// SPDX-License-Identifier: GPL-3.0-or-later

package controlplanetest

import (
	"net/netip"

	"github.com/start9labs/corenet/gateway"
)

// GatewaySnapshot builds a single-gateway, single-subnet [gateway.Snapshot]
// fixture, the shape repeated across this module's reconciler tests
// (Binding Listener, Port-Forward Controller, Host-Config Sync).
func GatewaySnapshot(id gateway.Id, prefix string) gateway.Snapshot {
	return gateway.Snapshot{Gateways: map[gateway.Id]*gateway.Info{
		id: {IPInfo: &gateway.IpInfo{Subnets: []netip.Prefix{netip.MustParsePrefix(prefix)}}},
	}}
}

// PublicGatewaySnapshot is [GatewaySnapshot] with the operator-asserted
// Public classification forced true, for tests exercising public-only
// filters without relying on RFC1918 inference.
func PublicGatewaySnapshot(id gateway.Id, prefix string) gateway.Snapshot {
	snap := GatewaySnapshot(id, prefix)
	truth := true
	snap.Gateways[id].Public = &truth
	return snap
}
