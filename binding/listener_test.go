// SPDX-License-Identifier: GPL-3.0-or-later

package binding_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/start9labs/corenet/binding"
	"github.com/start9labs/corenet/gateway"
	"github.com/start9labs/corenet/gwfilter"
	"github.com/start9labs/corenet/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWith(gateways map[gateway.Id]*gateway.Info) gateway.Snapshot {
	return gateway.Snapshot{Gateways: gateways}
}

func boolp(b bool) *bool { return &b }

func addrStrings(t *testing.T, l *binding.Listener) []string {
	t.Helper()
	addrs := l.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// TestS1BindingGoesPublic exercises spec.md's S1 scenario: a binding on
// port 0 (ephemeral, so the test doesn't need a free well-known port)
// filtered to Public{false} expands its listener set when the operator
// widens the filter to also admit a public gateway.
func TestS1BindingGoesPublic(t *testing.T) {
	eth0 := &gateway.Info{
		Public: boolp(false),
		IPInfo: &gateway.IpInfo{Subnets: []netip.Prefix{netip.MustParsePrefix("127.0.0.2/32")}},
	}
	wan0 := &gateway.Info{
		Public: boolp(true),
		IPInfo: &gateway.IpInfo{
			Subnets: []netip.Prefix{netip.MustParsePrefix("127.0.0.3/32")},
			WanIP:   netip.MustParseAddr("1.2.3.4"),
		},
	}
	cell := watch.NewCell(snapshotWith(map[gateway.Id]*gateway.Info{"eth0": eth0, "wan0": wan0}))
	registry := binding.NewPortRegistry()

	l := binding.NewListener(0, gwfilter.Public(false), cell, registry)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Reconcile(ctx))

	assert.ElementsMatch(t, []string{"127.0.0.2:0", "127.0.0.1:0", "[::1]:0"}, addrStrings(t, l))

	l.Filter = gwfilter.Simplify(gwfilter.Or{A: gwfilter.Public(false), B: gwfilter.Public(true)})
	require.NoError(t, l.Reconcile(ctx))

	assert.ElementsMatch(t, []string{"127.0.0.2:0", "127.0.0.3:0", "127.0.0.1:0", "[::1]:0"}, addrStrings(t, l))
}

// TestS2GatewayDisappears exercises spec.md's S2 scenario: an interface
// going down (IPInfo set to nil while the operator label survives) closes
// its listener, and reconnection rebinds it.
func TestS2GatewayDisappears(t *testing.T) {
	wan0 := &gateway.Info{
		Public: boolp(true),
		IPInfo: &gateway.IpInfo{
			Subnets: []netip.Prefix{netip.MustParsePrefix("127.0.0.4/32")},
			WanIP:   netip.MustParseAddr("1.2.3.4"),
		},
	}
	cell := watch.NewCell(snapshotWith(map[gateway.Id]*gateway.Info{"wan0": wan0}))
	registry := binding.NewPortRegistry()
	l := binding.NewListener(0, gwfilter.Bool(true), cell, registry)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Reconcile(ctx))
	assert.ElementsMatch(t, []string{"127.0.0.4:0", "127.0.0.1:0", "[::1]:0"}, addrStrings(t, l))

	cell.SendModify(func(s *gateway.Snapshot) {
		s.Gateways["wan0"].IPInfo = nil
	})
	require.NoError(t, l.Reconcile(ctx))
	assert.ElementsMatch(t, []string{"127.0.0.1:0", "[::1]:0"}, addrStrings(t, l))

	cell.SendModify(func(s *gateway.Snapshot) {
		s.Gateways["wan0"].IPInfo = &gateway.IpInfo{
			Subnets: []netip.Prefix{netip.MustParsePrefix("127.0.0.4/32")},
			WanIP:   netip.MustParseAddr("1.2.3.4"),
		}
	})
	require.NoError(t, l.Reconcile(ctx))
	assert.ElementsMatch(t, []string{"127.0.0.4:0", "127.0.0.1:0", "[::1]:0"}, addrStrings(t, l))
}

func TestPortRegistryRefusesDoubleBind(t *testing.T) {
	registry := binding.NewPortRegistry()
	require.NoError(t, registry.Reserve(8080))
	err := registry.Reserve(8080)
	require.Error(t, err)
	registry.Release(8080)
	require.NoError(t, registry.Reserve(8080))
}

func TestAcceptIsCancellationSafe(t *testing.T) {
	cell := watch.NewCell(snapshotWith(map[gateway.Id]*gateway.Info{}))
	registry := binding.NewPortRegistry()
	l := binding.NewListener(0, gwfilter.Loopback{}, cell, registry)
	defer l.Close()
	require.NoError(t, l.Reconcile(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
