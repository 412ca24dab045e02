// SPDX-License-Identifier: GPL-3.0-or-later

// Package onion runs the Tor onion-service supervisor described by
// spec.md §4.G: one task per onion key, rendezvousing incoming streams
// with live local targets, recycling the shared Tor client on repeated
// self-test failure.
package onion

import (
	"net/netip"
	"sync"
	"weak"

	"github.com/start9labs/corenet/watch"
)

// Handle is a strong reference a caller holds to keep a proxied target
// alive.
type Handle = *struct{}

// Targets is the live `Map<port, Map<SocketAddr, Weak<()>>>` a
// [*Supervisor] reconciles against: for each virtual port, the set of
// local addresses currently willing to receive its traffic.
type Targets struct {
	mu    sync.Mutex
	ports map[int]map[netip.AddrPort]weak.Pointer[struct{}]
}

// NewTargets returns an empty [*Targets] published through cell.
func NewTargets() *watch.Cell[*Targets] {
	return watch.NewCell(&Targets{ports: map[int]map[netip.AddrPort]weak.Pointer[struct{}]{}})
}

// ProxyAll registers every (port, addr) pair, returning one strong
// [Handle] per entry in the same order (spec.md §4.G: "proxy_all(iter<
// (port, addr)>) → Vec<Strong>").
func (t *Targets) ProxyAll(entries []struct {
	Port int
	Addr netip.AddrPort
}) []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(entries))
	for _, e := range entries {
		addrs, ok := t.ports[e.Port]
		if !ok {
			addrs = map[netip.AddrPort]weak.Pointer[struct{}]{}
			t.ports[e.Port] = addrs
		}
		if wp, ok := addrs[e.Addr]; ok {
			if h := wp.Value(); h != nil {
				out = append(out, h)
				continue
			}
		}
		h := new(struct{})
		addrs[e.Addr] = weak.Make(h)
		out = append(out, h)
	}
	return out
}

// GC prunes every (port, addr) whose handle has become unreachable and
// reports whether any live binding remains at all (spec.md §4.G: "gc()
// returns whether any bindings remain; the controller removes services
// with no live bindings.").
func (t *Targets) GC() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	anyLive := false
	for port, addrs := range t.ports {
		for addr, wp := range addrs {
			if wp.Value() == nil {
				delete(addrs, addr)
				continue
			}
			anyLive = true
		}
		if len(addrs) == 0 {
			delete(t.ports, port)
		}
	}
	return anyLive
}

// LivePorts returns the set of ports with at least one live target.
func (t *Targets) LivePorts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for port, addrs := range t.ports {
		for _, wp := range addrs {
			if wp.Value() != nil {
				out = append(out, port)
				break
			}
		}
	}
	return out
}

// PickLiveTarget returns an arbitrary live address registered for port.
func (t *Targets) PickLiveTarget(port int) (netip.AddrPort, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, wp := range t.ports[port] {
		if wp.Value() != nil {
			return addr, true
		}
	}
	return netip.AddrPort{}, false
}
