// SPDX-License-Identifier: GPL-3.0-or-later

package wireguard

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetHostsExcludesNetworkAndBroadcast(t *testing.T) {
	hosts := subnetHosts(netip.MustParsePrefix("10.20.30.0/29"))
	require.Len(t, hosts, 6)
	assert.Equal(t, netip.MustParseAddr("10.20.30.1"), hosts[0])
	assert.Equal(t, netip.MustParseAddr("10.20.30.6"), hosts[len(hosts)-1])
}

func TestSubnetHostsSlash31IncludesBothAddresses(t *testing.T) {
	hosts := subnetHosts(netip.MustParsePrefix("10.20.30.0/31"))
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.20.30.0"),
		netip.MustParseAddr("10.20.30.1"),
	}, hosts)
}

func TestAddClientPicksFirstUnusedHost(t *testing.T) {
	subnet := NewSubnetConfig()
	prefix := netip.MustParsePrefix("10.20.30.0/29")

	addr1, _, err := subnet.AddClient(prefix)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.20.30.1"), addr1)

	addr2, _, err := subnet.AddClient(prefix)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.20.30.2"), addr2)
}

func TestAddClientFailsWhenSubnetExhausted(t *testing.T) {
	subnet := NewSubnetConfig()
	prefix := netip.MustParsePrefix("10.20.30.0/30") // 2 usable hosts

	_, _, err := subnet.AddClient(prefix)
	require.NoError(t, err)
	_, _, err = subnet.AddClient(prefix)
	require.NoError(t, err)
	_, _, err = subnet.AddClient(prefix)
	require.Error(t, err)
}

func TestServerRenderIncludesInterfaceAndPeers(t *testing.T) {
	srv, err := NewServer()
	require.NoError(t, err)
	prefix := netip.MustParsePrefix("10.20.30.0/29")
	subnet := NewSubnetConfig()
	addr, peer, err := subnet.AddClient(prefix)
	require.NoError(t, err)
	srv.Subnets[prefix] = subnet

	out := srv.Render()
	assert.True(t, strings.Contains(out, "[Interface]"))
	assert.True(t, strings.Contains(out, srv.Key.String()))
	assert.True(t, strings.Contains(out, "[Peer]"))
	assert.True(t, strings.Contains(out, peer.Key.PublicKey().String()))
	assert.True(t, strings.Contains(out, addr.String()+"/32"))
}

func TestClientConfigRenderIncludesEndpoint(t *testing.T) {
	serverKey, err := GenerateKey()
	require.NoError(t, err)
	peer, err := GeneratePeerConfig()
	require.NoError(t, err)

	cc := ClientConfig{
		ClientKey:    peer.Key,
		PresharedKey: peer.PresharedKey,
		ClientAddr:   netip.MustParseAddr("10.20.30.1"),
		ServerPubkey: serverKey.PublicKey(),
		ServerAddr:   netip.MustParseAddrPort("203.0.113.5:51820"),
		AllowedIPs:   netip.MustParsePrefix("10.20.30.0/29"),
	}
	out := cc.Render()
	assert.True(t, strings.Contains(out, "Endpoint = 203.0.113.5:51820"))
	assert.True(t, strings.Contains(out, "AllowedIPs = 10.20.30.0/29"))
}
