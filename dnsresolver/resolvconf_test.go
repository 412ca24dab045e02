// SPDX-License-Identifier: GPL-3.0-or-later

package dnsresolver

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResolvConfSkipsLeadingEntries(t *testing.T) {
	content := "nameserver 127.0.0.53\nnameserver 127.0.0.54\nnameserver 1.1.1.1\nnameserver 9.9.9.9\n"
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	servers, err := ParseResolvConf(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("1.1.1.1:53"),
		netip.MustParseAddrPort("9.9.9.9:53"),
	}, servers)
}

func TestParseResolvConfIgnoresOtherDirectives(t *testing.T) {
	content := "search example.com\nnameserver 127.0.0.53\nnameserver 127.0.0.54\noptions edns0\nnameserver 8.8.8.8\n"
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	servers, err := ParseResolvConf(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("8.8.8.8:53")}, servers)
}

func TestParseResolvConfMissingFileErrors(t *testing.T) {
	_, err := ParseResolvConf(filepath.Join(t.TempDir(), "nope.conf"), 2)
	assert.Error(t, err)
}
