// SPDX-License-Identifier: GPL-3.0-or-later

package controlplanetest_test

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/start9labs/corenet/controlplanetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturingLoggerRecordsCalls(t *testing.T) {
	l := controlplanetest.NewCapturingLogger()
	l.Info("hello", "k", "v")
	l.Debug("world")
	records := l.Snapshot()
	require.Len(t, records, 2)
	assert.Equal(t, "info", records[0].Level)
	assert.Equal(t, "hello", records[0].Msg)
	assert.Equal(t, "debug", records[1].Level)
}

func TestGatewaySnapshotShapes(t *testing.T) {
	snap := controlplanetest.GatewaySnapshot("eth0", "10.0.0.1/24")
	info, ok := snap.Gateways["eth0"]
	require.True(t, ok)
	assert.False(t, info.EffectivePublic())

	pub := controlplanetest.PublicGatewaySnapshot("eth0", "203.0.113.1/24")
	assert.True(t, pub.Gateways["eth0"].EffectivePublic())
}

func TestFakeInstallerCountsCalls(t *testing.T) {
	f := &controlplanetest.FakeInstaller{}
	src := netip.MustParseAddrPort("10.0.0.1:80")
	dst := netip.MustParseAddrPort("10.0.0.2:8080")
	require.NoError(t, f.Install(context.Background(), "eth0", src, dst))
	require.NoError(t, f.Install(context.Background(), "eth0", src, dst))
	require.NoError(t, f.Uninstall(context.Background(), "eth0", src, dst))
	installs, uninstalls := f.Counts()
	assert.Equal(t, 2, installs)
	assert.Equal(t, 1, uninstalls)
}

func TestMinimalConnReportsAddresses(t *testing.T) {
	local := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 80}
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.2"), Port: 9000}
	conn := controlplanetest.NewMinimalConn(local, remote)
	assert.Equal(t, local, conn.LocalAddr())
	assert.Equal(t, remote, conn.RemoteAddr())
}
