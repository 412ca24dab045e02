// SPDX-License-Identifier: GPL-3.0-or-later

package controlplanetest

import "net"

// MinimalConn is a [net.Conn] stub exposing only fixed local/remote
// addresses, adapted from the teacher's newMinimalConn helper (a
// netstub.FuncConn with just LocalAddrFunc/RemoteAddrFunc set) for tests
// that only need a connection's address metadata, not live I/O.
type MinimalConn struct {
	net.Conn
	Local  net.Addr
	Remote net.Addr
}

// NewMinimalConn returns a [*MinimalConn] reporting local and remote as
// its addresses; every I/O method panics if called, since tests using it
// only exercise address-metadata paths.
func NewMinimalConn(local, remote net.Addr) *MinimalConn {
	return &MinimalConn{Local: local, Remote: remote}
}

func (c *MinimalConn) LocalAddr() net.Addr  { return c.Local }
func (c *MinimalConn) RemoteAddr() net.Addr { return c.Remote }
