// SPDX-License-Identifier: GPL-3.0-or-later

package dnsresolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// ListenAddr is the bind address for the authoritative resolver (spec.md
// §4.F: "Listens on UDP and TCP port 53 on the unspecified address").
const ListenAddr = ":53"

// Server runs the resolver over both UDP and TCP.
type Server struct {
	Handler *Resolver

	udp *dns.Server
	tcp *dns.Server
}

// NewServer returns a [*Server] bound to addr (defaults to [ListenAddr]
// when empty), serving handler.
func NewServer(addr string, handler *Resolver) *Server {
	if addr == "" {
		addr = ListenAddr
	}
	return &Server{
		Handler: handler,
		udp:     &dns.Server{Addr: addr, Net: "udp", Handler: handler},
		tcp:     &dns.Server{Addr: addr, Net: "tcp", Handler: handler},
	}
}

// Run starts both listeners and blocks until ctx is cancelled or either
// fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return errors.Join(s.udp.Shutdown(), s.tcp.Shutdown())
	case err := <-errCh:
		shutdownErr := errors.Join(s.udp.Shutdown(), s.tcp.Shutdown())
		return fmt.Errorf("dnsresolver: listener failed: %w", errors.Join(err, shutdownErr))
	}
}
