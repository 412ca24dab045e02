// SPDX-License-Identifier: GPL-3.0-or-later

// Package dnsresolver implements the authoritative-then-recursive DNS
// resolver from spec.md §4.F: hairpinning for registered private domains
// and service names, falling back to a racing upstream pool, served over
// UDP and TCP on port 53 via github.com/miekg/dns.
package dnsresolver

import (
	"net/netip"
	"strings"
	"sync"
	"weak"
)

// PackageID identifies an installed package; the empty string denotes the
// host itself (spec.md §4.F step 2's "absent, denoting the host").
type PackageID string

// Registry is spec.md §3's ResolveMap: the live set of registered private
// domains and per-package service IPs, each guarded by a weak handle so
// that a registration expires automatically once its last strong
// [Handle] is unreachable.
//
// Handle is a strong reference; Registry stores only weak.Make(handle),
// matching the Rust original's Arc<()>/Weak<()> discipline with Go's
// GC-integrated weak package (spec.md §9's Open Question on exact
// lifetime semantics is resolved by adopting the original's Weak<()>
// behavior verbatim: an entry is live iff at least one Handle survives).
type Registry struct {
	mu             sync.Mutex
	privateDomains map[string]weak.Pointer[struct{}]
	services       map[PackageID]map[netip.Addr]weak.Pointer[struct{}]
}

// Handle is a strong reference a caller holds to keep a registration
// alive.
type Handle = *struct{}

// NewRegistry returns an empty [*Registry].
func NewRegistry() *Registry {
	return &Registry{
		privateDomains: map[string]weak.Pointer[struct{}]{},
		services:       map[PackageID]map[netip.Addr]weak.Pointer[struct{}]{},
	}
}

// AddPrivateDomain registers fqdn (lowercased) for hairpinning, returning
// a strong [Handle]. A second registration of the same still-live fqdn
// returns a handle to the existing registration rather than creating a
// second one, matching the original's upgrade-or-replace behavior.
func (r *Registry) AddPrivateDomain(fqdn string) Handle {
	fqdn = strings.ToLower(fqdn)
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.privateDomains[fqdn]; ok {
		if h := wp.Value(); h != nil {
			return h
		}
	}
	h := new(struct{})
	r.privateDomains[fqdn] = weak.Make(h)
	return h
}

// AddService registers ip as live for pkg, returning a strong [Handle].
func (r *Registry) AddService(pkg PackageID, ip netip.Addr) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	ips, ok := r.services[pkg]
	if !ok {
		ips = map[netip.Addr]weak.Pointer[struct{}]{}
		r.services[pkg] = ips
	}
	if wp, ok := ips[ip]; ok {
		if h := wp.Value(); h != nil {
			return h
		}
	}
	h := new(struct{})
	ips[ip] = weak.Make(h)
	return h
}

// GCService prunes (pkg, ip) if its handle has become unreachable.
func (r *Registry) GCService(pkg PackageID, ip netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ips, ok := r.services[pkg]
	if !ok {
		return
	}
	if wp, ok := ips[ip]; ok && wp.Value() == nil {
		delete(ips, ip)
	}
	if len(ips) == 0 {
		delete(r.services, pkg)
	}
}

// GCPrivateDomains prunes every fqdn in domains whose handle has become
// unreachable.
func (r *Registry) GCPrivateDomains(domains []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fqdn := range domains {
		fqdn = strings.ToLower(fqdn)
		if wp, ok := r.privateDomains[fqdn]; ok && wp.Value() == nil {
			delete(r.privateDomains, fqdn)
		}
	}
}

// livePrivateDomain reports whether fqdn (already lowercased) has a live
// registration.
func (r *Registry) livePrivateDomain(fqdn string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	wp, ok := r.privateDomains[fqdn]
	return ok && wp.Value() != nil
}

// liveServiceIPs returns the live IPs registered for pkg.
func (r *Registry) liveServiceIPs(pkg PackageID) ([]netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ips, ok := r.services[pkg]
	if !ok {
		return nil, false
	}
	out := make([]netip.Addr, 0, len(ips))
	for ip, wp := range ips {
		if wp.Value() != nil {
			out = append(out, ip)
		}
	}
	return out, true
}
