// SPDX-License-Identifier: GPL-3.0-or-later

// Package binding maintains the set of TCP listening sockets a binding
// should occupy given the current gateway set and an interface filter
// expression (spec.md §4.D).
package binding

import (
	"sync"

	"github.com/start9labs/corenet/controlplane"
)

// PortRegistry is a process-wide guard against two simultaneous Listeners
// binding the same port, refusing the second with InvalidConfig
// (EADDRINUSE). It is shared across every [*Listener] in the process.
type PortRegistry struct {
	mu    sync.Mutex
	ports map[uint16]struct{}
}

// NewPortRegistry returns an empty [*PortRegistry].
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{ports: map[uint16]struct{}{}}
}

// Reserve claims port for the calling Listener, failing InvalidConfig if
// it is already claimed.
func (r *PortRegistry) Reserve(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.ports[port]; taken {
		return controlplane.Newf(controlplane.InvalidConfig, "binding: port %d already in use (EADDRINUSE)", port)
	}
	r.ports[port] = struct{}{}
	return nil
}

// Release frees port so a future Listener may reserve it.
func (r *PortRegistry) Release(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}
