// SPDX-License-Identifier: GPL-3.0-or-later

// Package iroh runs the Iroh-backed analogue of the onion supervisor
// (spec.md §4.G: "analogous for Iroh"): the same rendezvous-by-port
// reconciliation against a [*onion.Targets] registry, but over a
// pluggable QUIC-style transport instead of Tor.
//
// No Go Iroh SDK appears anywhere in the reference corpus (see
// DESIGN.md), so this package is written against the [Endpoint]
// abstraction below rather than a concrete, unverified import. Once a
// grounded Iroh client dependency is available, implementing Endpoint
// against it wires this supervisor to real NAT traversal without
// touching the reconciliation logic.
package iroh

import (
	"context"
	"crypto/ed25519"
	"net"
)

// NodeKey identifies an Iroh node the same way an ed25519 key pair
// identifies a Tor v3 onion service.
type NodeKey = ed25519.PrivateKey

// Endpoint is the anonymity-transport client a [*Supervisor]
// rendezvouses through.
type Endpoint interface {
	// Listen exposes port under key, returning a [Listener] of
	// incoming streams addressed to it.
	Listen(ctx context.Context, key NodeKey, port int) (Listener, error)
}

// Listener accepts incoming streams for one (key, port) pair.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
}
