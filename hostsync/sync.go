// SPDX-License-Identifier: GPL-3.0-or-later

package hostsync

import (
	"context"
	"net/netip"
	"sync"

	"github.com/start9labs/corenet/dnsresolver"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/onion"
	"github.com/start9labs/corenet/portforward"
	"github.com/start9labs/corenet/watch"
)

// hostHandles is the set of strong handles a Syncer must hold to keep one
// host's registrations alive across downstream components.
type hostHandles struct {
	privateDomains []dnsresolver.Handle
	service        dnsresolver.Handle
	forwards       []portforward.Handle
}

// Syncer is spec.md §4.J's glue: it subscribes to the declarative host and
// DNS configuration cells and, on every change, recomputes the derived
// state each downstream component needs and applies the diff by holding
// (or dropping) handles — it keeps no state beyond that handle set.
type Syncer struct {
	Hosts *watch.Cell[map[HostId]HostConfig]
	DNS   *watch.Cell[DNSConfig]

	Registry     *dnsresolver.Registry
	Forwards     *portforward.Controller
	OnionTargets *watch.Cell[*onion.Targets]
	Upstream     *dnsresolver.UpstreamPool
	Logger       netx.SLogger

	// SeedNameservers are the resolv.conf-derived upstreams present at
	// startup, merged with whatever the database currently declares.
	SeedNameservers []netip.AddrPort

	mu           sync.Mutex
	hosts        map[HostId]*hostHandles
	onionHandles []onion.Handle
}

// NewSyncer returns a [*Syncer] wired to its inputs and outputs. Call
// [*Syncer.Run] to start reacting to changes.
func NewSyncer(hosts *watch.Cell[map[HostId]HostConfig], dns *watch.Cell[DNSConfig], registry *dnsresolver.Registry, forwards *portforward.Controller, onionTargets *watch.Cell[*onion.Targets], upstream *dnsresolver.UpstreamPool) *Syncer {
	return &Syncer{
		Hosts:        hosts,
		DNS:          dns,
		Registry:     registry,
		Forwards:     forwards,
		OnionTargets: onionTargets,
		Upstream:     upstream,
		Logger:       netx.DefaultSLogger(),
		hosts:        map[HostId]*hostHandles{},
	}
}

// Run reconciles every downstream component against the current
// declarative configuration, then again whenever Hosts or DNS changes,
// until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	hostsObs := s.Hosts.Subscribe()
	dnsObs := s.DNS.Subscribe()
	go watchLoop(ctx, hostsObs.Changed, signal)
	go watchLoop(ctx, dnsObs.Changed, signal)

	s.reconcileAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			s.reconcileAll(ctx)
		}
	}
}

func watchLoop(ctx context.Context, changed func(context.Context) error, fire func()) {
	for {
		if err := changed(ctx); err != nil {
			return
		}
		fire()
	}
}

func (s *Syncer) reconcileAll(ctx context.Context) {
	s.reconcileDNS()
	s.reconcileHosts(ctx)
}

// reconcileDNS merges the seed nameservers with the database's current
// DHCP/static set and pushes the result to the upstream pool.
func (s *Syncer) reconcileDNS() {
	if s.Upstream == nil {
		return
	}
	cfg := s.DNS.Read()
	seen := map[netip.AddrPort]bool{}
	var merged []netip.AddrPort
	add := func(servers []netip.AddrPort) {
		for _, srv := range servers {
			if seen[srv] {
				continue
			}
			seen[srv] = true
			merged = append(merged, srv)
		}
	}
	add(s.SeedNameservers)
	add(cfg.DhcpServers)
	add(cfg.StaticServers)
	s.Upstream.SetNameservers(merged)
}

// reconcileHosts recomputes the full derived state for every declared
// host, replacing each host's handle set: handles for hosts no longer
// declared are simply dropped, letting the downstream components' own
// weak-reference sweeps tear their state down on the next GC.
func (s *Syncer) reconcileHosts(ctx context.Context) {
	hosts := s.Hosts.Read()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[HostId]*hostHandles, len(hosts))
	var onionEntries []struct {
		Port int
		Addr netip.AddrPort
	}

	for id, host := range hosts {
		hh := &hostHandles{}

		for _, domain := range host.PrivateDomains {
			hh.privateDomains = append(hh.privateDomains, s.Registry.AddPrivateDomain(domain))
		}

		if host.TargetAddr.IsValid() {
			hh.service = s.Registry.AddService(dnsresolver.PackageID(id), host.TargetAddr)
		}

		wantsOnion := host.hasOnionAddress()

		for port, bind := range host.Bindings {
			if !bind.Enabled {
				continue
			}
			target := host.target(port)
			filter := bind.Net.Filter()

			if bind.Net.AssignedPort != nil {
				if h, err := s.Forwards.Add(ctx, *bind.Net.AssignedPort, target, filter); err != nil {
					s.Logger.Info("hostSyncForwardFailed", "host", string(id), "port", *bind.Net.AssignedPort, "error", err.Error())
				} else {
					hh.forwards = append(hh.forwards, h)
				}
			}
			if bind.Net.AssignedSslPort != nil {
				if h, err := s.Forwards.Add(ctx, *bind.Net.AssignedSslPort, target, filter); err != nil {
					s.Logger.Info("hostSyncForwardFailed", "host", string(id), "port", *bind.Net.AssignedSslPort, "error", err.Error())
				} else {
					hh.forwards = append(hh.forwards, h)
				}
			}

			if wantsOnion {
				onionEntries = append(onionEntries, struct {
					Port int
					Addr netip.AddrPort
				}{Port: int(port), Addr: target})
			}
		}

		next[id] = hh
	}

	if s.OnionTargets != nil {
		targets := s.OnionTargets.Read()
		s.onionHandles = targets.ProxyAll(onionEntries)
		s.OnionTargets.MarkChanged()
	}

	s.hosts = next
}
