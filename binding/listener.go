// SPDX-License-Identifier: GPL-3.0-or-later

package binding

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/start9labs/corenet/controlplane"
	"github.com/start9labs/corenet/gateway"
	"github.com/start9labs/corenet/gwfilter"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/watch"
)

// Accepted is one accepted connection plus the metadata spec.md §4.D step 3
// requires for observability: the local bind address, the remote peer, and
// the WAN IP of the accepting gateway (if any).
type Accepted struct {
	Conn   net.Conn
	Local  netip.AddrPort
	Remote netip.AddrPort
	WanIP  netip.Addr
}

// boundSocket is one address this Listener currently occupies.
type boundSocket struct {
	listener net.Listener
	wanIP    netip.Addr
	cancel   context.CancelFunc
}

// Listener maintains TCP listening sockets on every address matching Filter
// for the gateway snapshot published by Gateways, for a single internal
// port. Construct with [NewListener]; call [*Listener.Reconcile] whenever
// Gateways or Filter may have changed, and [*Listener.Accept] to consume
// connections.
type Listener struct {
	Port     uint16
	Filter   gwfilter.Filter
	Gateways *watch.Cell[gateway.Snapshot]
	Registry *PortRegistry

	Config *netx.Config
	Logger netx.SLogger

	mu           sync.Mutex
	reserved     bool
	sockets      map[netip.AddrPort]*boundSocket
	cachedFilter gwfilter.Filter
	observer     *watch.Observer[gateway.Snapshot]

	accepted chan acceptResult
}

type acceptResult struct {
	conn net.Conn
	addr netip.AddrPort
	wan  netip.Addr
	err  error
}

// NewListener constructs a [*Listener]. Call [*Listener.Reconcile] at least
// once before [*Listener.Accept].
func NewListener(port uint16, filter gwfilter.Filter, gateways *watch.Cell[gateway.Snapshot], registry *PortRegistry) *Listener {
	return &Listener{
		Port:     port,
		Filter:   gwfilter.Simplify(filter),
		Gateways: gateways,
		Registry: registry,
		Config:   netx.NewConfig(),
		Logger:   netx.DefaultSLogger(),
		sockets:  map[netip.AddrPort]*boundSocket{},
		observer: gateways.Subscribe(),
		accepted: make(chan acceptResult, 16),
	}
}

// desiredAddresses computes the set of addresses the Filter currently
// selects, per spec.md §4.D step 1: every subnet of every gateway (plus
// loopback) passing the filter, at this Listener's port. A link-local IPv6
// subnet already carries its originating interface as a zone by the time it
// reaches here (attached where gateway first observes the address), so
// subnet.Addr() binds unambiguously without any zone handling of its own.
func desiredAddresses(snap gateway.Snapshot, filter gwfilter.Filter, port uint16) map[netip.AddrPort]netip.Addr {
	out := map[netip.AddrPort]netip.Addr{}
	for id, info := range snap.WithLoopback() {
		if info.IPInfo == nil || !filter.Eval(id, info) {
			continue
		}
		for _, subnet := range info.IPInfo.Subnets {
			addr := subnet.Addr()
			ap := netip.AddrPortFrom(addr, port)
			out[ap] = info.IPInfo.WanIP
		}
	}
	return out
}

// Reconcile recomputes the desired address set from the current gateway
// snapshot and Filter on every call, binds any missing address, and closes
// any listener whose address is no longer desired. Once every desired
// address is bound, a call with unchanged inputs binds and closes nothing.
func (l *Listener) Reconcile(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reserved {
		if err := l.Registry.Reserve(l.Port); err != nil {
			return err
		}
		l.reserved = true
	}

	snap := l.Gateways.Read()
	l.cachedFilter = l.Filter
	desired := desiredAddresses(snap, l.Filter, l.Port)

	var firstErr error
	for addr, wan := range desired {
		if _, ok := l.sockets[addr]; ok {
			continue
		}
		ln, err := net.Listen("tcp", addr.String())
		if err != nil {
			firstErr = controlplane.New(controlplane.Network, fmt.Errorf("binding: listen %s: %w", addr, err))
			continue
		}
		sockCtx, cancel := context.WithCancel(ctx)
		l.sockets[addr] = &boundSocket{listener: ln, wanIP: wan, cancel: cancel}
		l.spawnAcceptLoop(sockCtx, addr, ln, wan)
	}

	for addr, sock := range l.sockets {
		if _, ok := desired[addr]; !ok {
			sock.cancel()
			sock.listener.Close()
			delete(l.sockets, addr)
		}
	}

	return firstErr
}

// spawnAcceptLoop runs for the lifetime of one bound socket, feeding
// accepted connections into the shared channel Accept drains. It is not
// torn down by a cancelled Accept call — only by the socket's own
// cancellation during Reconcile, per spec.md §5's cancellation-safety note.
func (l *Listener) spawnAcceptLoop(ctx context.Context, addr netip.AddrPort, ln net.Listener, wan netip.Addr) {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				select {
				case l.accepted <- acceptResult{err: controlplane.New(controlplane.Network, err)}:
				case <-ctx.Done():
				}
				return
			}
			if l.Config != nil {
				conn = l.observe(conn)
			}
			select {
			case l.accepted <- acceptResult{conn: conn, addr: addr, wan: wan}:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()
}

// observe wraps conn with the teacher's ObserveConnFunc for per-connection
// I/O logging when a logger is configured.
func (l *Listener) observe(conn net.Conn) net.Conn {
	op := netx.NewObserveConnFunc(l.Config, l.Logger)
	wrapped, err := op.Call(context.Background(), conn)
	if err != nil {
		return conn
	}
	return wrapped
}

// Accept returns the next ready connection across every retained listener,
// round-robin by arrival order (the channel itself provides the
// round-robin fairness across listeners since each has its own feeder
// goroutine). It is cancellation-safe: if ctx is done first, the listeners
// remain bound and a subsequent Accept call continues where this one left
// off (spec.md §5).
func (l *Listener) Accept(ctx context.Context) (*Accepted, error) {
	select {
	case res := <-l.accepted:
		if res.err != nil {
			return nil, res.err
		}
		local, _ := netip.ParseAddrPort(res.conn.LocalAddr().String())
		remote, _ := netip.ParseAddrPort(res.conn.RemoteAddr().String())
		return &Accepted{Conn: res.conn, Local: local, Remote: remote, WanIP: res.wan}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CheckFilter reports whether peerAddr would be accepted by filter against
// the current gateway snapshot — used by upgrade paths that need to
// re-authorize a connection whose gateway classification may have changed
// since it was accepted (spec.md §4.D).
func (l *Listener) CheckFilter(peerAddr netip.Addr, filter gwfilter.Filter) bool {
	snap := l.Gateways.Read()
	for id, info := range snap.WithLoopback() {
		if info.IPInfo == nil {
			continue
		}
		for _, subnet := range info.IPInfo.Subnets {
			if subnet.Contains(peerAddr) {
				return filter.Eval(id, info)
			}
		}
	}
	return false
}

// Run reconciles whenever the gateway snapshot changes, until ctx is done.
// Callers that want the Listener to track gateway changes automatically
// (rather than calling Reconcile themselves on an externally-driven
// schedule) run this in its own goroutine.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.Reconcile(ctx); err != nil {
			l.Logger.Info("bindingReconcileFailed", "err", err)
		}
		if err := l.observer.Changed(ctx); err != nil {
			return nil
		}
	}
}

// Addrs reports the addresses this Listener currently occupies, for
// introspection (status reporting, tests).
func (l *Listener) Addrs() []netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(l.sockets))
	for addr := range l.sockets {
		out = append(out, addr)
	}
	return out
}

// Close tears down every retained listener and releases the port.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, sock := range l.sockets {
		sock.cancel()
		sock.listener.Close()
		delete(l.sockets, addr)
	}
	l.Registry.Release(l.Port)
	return nil
}
