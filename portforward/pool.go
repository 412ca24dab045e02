// SPDX-License-Identifier: GPL-3.0-or-later

// Package portforward implements the Port-Forward Controller: a supervisor
// that keeps NAT forwarding rules for a set of external ports in sync with
// the current gateway snapshot, invoking an external script to do the
// actual platform-specific rule installation (spec.md §4.E).
package portforward

import (
	"sync"

	"github.com/start9labs/corenet/controlplane"
)

// FirstDynamicPrivatePort is the low end of the dynamic/private port range
// (IANA), matching the original implementation's START9_BRIDGE_IFACE
// companion constant.
const FirstDynamicPrivatePort uint16 = 49152

// LastDynamicPrivatePort is the high end (inclusive) of the pool's range.
const LastDynamicPrivatePort uint16 = 65535

// PortPool is an integer pool over [FirstDynamicPrivatePort,
// LastDynamicPrivatePort]. Alloc and Free are total operations: Free on a
// port that isn't currently allocated is silently ignored (spec.md §3's
// "double-free is silent" invariant).
type PortPool struct {
	mu       sync.Mutex
	taken    map[uint16]struct{}
	lastUsed uint16 // last port returned by Alloc, for round-robin scanning
}

// NewPortPool returns an empty [*PortPool].
func NewPortPool() *PortPool {
	return &PortPool{
		taken:    map[uint16]struct{}{},
		lastUsed: LastDynamicPrivatePort, // so the first Alloc scan starts at FirstDynamicPrivatePort
	}
}

// Alloc reserves and returns the next free port in the pool, scanning
// round-robin from the last allocated port so that a freed port isn't
// immediately reused while others remain untouched (matching id_pool's
// cycling allocation behavior in the original implementation).
func (p *PortPool) Alloc() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := int(LastDynamicPrivatePort) - int(FirstDynamicPrivatePort) + 1
	start := int(p.lastUsed) - int(FirstDynamicPrivatePort) + 1
	for i := 0; i < span; i++ {
		candidate := FirstDynamicPrivatePort + uint16((start+i)%span)
		if _, ok := p.taken[candidate]; !ok {
			p.taken[candidate] = struct{}{}
			p.lastUsed = candidate
			return candidate, nil
		}
	}
	return 0, controlplane.Newf(controlplane.InvalidConfig, "portforward: no more dynamic ports available")
}

// Free releases port back to the pool. Freeing a port that was never
// allocated, or that was already freed, is a silent no-op.
func (p *PortPool) Free(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.taken, port)
}

// InUse reports whether port is currently allocated, for tests and status
// introspection.
func (p *PortPool) InUse(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.taken[port]
	return ok
}
