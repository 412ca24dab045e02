// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/start9labs/corenet/controlplane"
	"github.com/start9labs/corenet/watch"
)

// Platform abstracts the kernel/network-daemon surface the Watcher
// depends on, standing in for the "NetworkManager-style system bus" of
// spec.md §4.B. The production implementation is backed by
// github.com/vishvananda/netlink (link/address/route subscriptions); tests
// supply a fake so the reconciliation logic is exercised without a kernel.
type Platform interface {
	// Links returns the current set of interfaces with a non-empty name.
	Links(ctx context.Context) ([]LinkSnapshot, error)

	// Subscribe delivers a value on the returned channel whenever the
	// platform's link/address/route state changes. The channel is closed
	// when ctx is done.
	Subscribe(ctx context.Context) (<-chan struct{}, error)

	// SetName asks the platform daemon to rename id's underlying link.
	SetName(ctx context.Context, id Id, name string) error

	// DeleteLink asks the platform daemon to delete id's underlying link.
	DeleteLink(ctx context.Context, id Id) error
}

// LinkSnapshot is one interface's raw platform state, from which the
// Watcher derives an [IpInfo].
type LinkSnapshot struct {
	ID         Id
	ScopeID    int
	DeviceType DeviceType
	Subnets    []netip.Prefix
	NtpServers []string
	Up         bool
}

// Prober performs the WAN-IP probe described in spec.md §4.B step 2.
type Prober interface {
	Probe(ctx context.Context, localAddr netip.Addr) (netip.Addr, error)
}

// Watcher is the Gateway Watcher supervisor: it owns a
// [*watch.Cell[Snapshot]] and a single supervisor loop ([*Watcher.Run])
// that re-enumerates every link on each platform change, recomputing
// IpInfo and preserving operator-set Public/Secure across reconciliations.
//
// Failure policy: a failed reconciliation is logged and retried after
// Cooldown; errors never terminate the watcher (spec.md §4.B "Failure
// policy").
type Watcher struct {
	Platform Platform
	Prober   Prober
	Logger   controlplane.Logger
	Cooldown time.Duration

	cell *watch.Cell[Snapshot]
}

// NewWatcher constructs a [*Watcher] with an empty initial snapshot.
func NewWatcher(platform Platform, prober Prober) *Watcher {
	return &Watcher{
		Platform: platform,
		Prober:   prober,
		Logger:   controlplane.DefaultLogger(),
		Cooldown: 5 * time.Second,
		cell:     watch.NewCell(Snapshot{Gateways: map[Id]*Info{}}),
	}
}

// Cell exposes the published gateway table for subscription.
func (w *Watcher) Cell() *watch.Cell[Snapshot] {
	return w.cell
}

// Run drives the supervisor loop until ctx is done. It never returns a
// non-nil error for sub-task failures (those are logged and retried); it
// returns only when ctx is done, or immediately if the initial platform
// subscription cannot be established (a Fatal condition: the platform bus
// itself is unreachable).
func (w *Watcher) Run(ctx context.Context) error {
	changes, err := w.Platform.Subscribe(ctx)
	if err != nil {
		return controlplane.New(controlplane.Fatal, fmt.Errorf("gateway: subscribe platform bus: %w", err))
	}

	for {
		if err := w.reconcileOnce(ctx); err != nil {
			w.Logger.Warn("gateway: reconciliation failed, will retry", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.Cooldown):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}
	}
}

// reconcileOnce re-enumerates links and recomputes every gateway's IpInfo,
// preserving operator-set Public/Secure and retaining GatewayIds for links
// that disappeared (spec.md §4.B step 4).
func (w *Watcher) reconcileOnce(ctx context.Context) error {
	links, err := w.Platform.Links(ctx)
	if err != nil {
		return controlplane.New(controlplane.Transient, fmt.Errorf("gateway: enumerate links: %w", err))
	}

	seen := make(map[Id]bool, len(links))
	for _, link := range links {
		seen[link.ID] = true
	}

	w.cell.SendModify(func(snap *Snapshot) {
		if snap.Gateways == nil {
			snap.Gateways = map[Id]*Info{}
		}
		for _, link := range links {
			info := snap.Gateways[link.ID]
			if info == nil {
				info = &Info{}
				snap.Gateways[link.ID] = info
			}
			if !link.Up {
				info.IPInfo = nil
				continue
			}
			ipInfo := &IpInfo{
				Name:       string(link.ID),
				ScopeID:    link.ScopeID,
				DeviceType: link.DeviceType,
				Subnets:    dedupPrefixes(link.Subnets),
				NtpServers: link.NtpServers,
			}
			if w.Prober != nil {
				if addr := firstIPv4(ipInfo.Subnets); addr.IsValid() {
					probeCtx, cancel := context.WithTimeout(ctx, WanProbeTimeout)
					wanIP, err := w.Prober.Probe(probeCtx, addr)
					cancel()
					if err == nil {
						ipInfo.WanIP = wanIP
					}
				}
			}
			info.IPInfo = ipInfo
		}
		// Links no longer enumerated lose IpInfo but retain their GatewayId
		// (and operator labels) unless explicitly forgotten.
		for id, info := range snap.Gateways {
			if !seen[id] {
				info.IPInfo = nil
			}
		}
	})
	return nil
}

func dedupPrefixes(prefixes []netip.Prefix) []netip.Prefix {
	seen := make(map[netip.Prefix]bool, len(prefixes))
	out := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func firstIPv4(prefixes []netip.Prefix) netip.Addr {
	for _, p := range prefixes {
		if p.Addr().Is4() {
			return p.Addr()
		}
	}
	return netip.Addr{}
}

// SetPublic records the operator's public/private assertion for id.
// A nil value reverts to inferred classification.
func (w *Watcher) SetPublic(id Id, public *bool) {
	w.cell.SendModify(func(snap *Snapshot) {
		info := snap.Gateways[id]
		if info == nil {
			info = &Info{}
			snap.Gateways[id] = info
		}
		info.Public = public
	})
}

// SetSecure records the operator's secure/insecure assertion for id.
func (w *Watcher) SetSecure(id Id, secure *bool) {
	w.cell.SendModify(func(snap *Snapshot) {
		info := snap.Gateways[id]
		if info == nil {
			info = &Info{}
			snap.Gateways[id] = info
		}
		info.Secure = secure
	})
}

// Forget removes id's label entirely. It refuses (InvalidConfig) while the
// interface is still connected, mirroring spec.md §4.B's "forget" verb.
func (w *Watcher) Forget(id Id) error {
	var refused bool
	w.cell.SendIfModified(func(snap *Snapshot) bool {
		info := snap.Gateways[id]
		if info == nil {
			return false
		}
		if info.IPInfo != nil {
			refused = true
			return false
		}
		delete(snap.Gateways, id)
		return true
	})
	if refused {
		return controlplane.Newf(controlplane.InvalidConfig, "gateway: %s is still connected, cannot forget", id)
	}
	return nil
}

// SetName renames id's underlying link via the platform daemon.
func (w *Watcher) SetName(ctx context.Context, id Id, name string) error {
	if err := w.Platform.SetName(ctx, id, name); err != nil {
		return controlplane.New(controlplane.Network, err)
	}
	return nil
}

// DeleteIface asks the platform daemon to delete id's device, awaits its
// disappearance from the next link enumeration, then forgets it.
func (w *Watcher) DeleteIface(ctx context.Context, id Id) error {
	if err := w.Platform.DeleteLink(ctx, id); err != nil {
		return controlplane.New(controlplane.Network, err)
	}
	obs := w.cell.Subscribe()
	err := obs.WaitFor(ctx, func(snap Snapshot) bool {
		info := snap.Gateways[id]
		return info == nil || info.IPInfo == nil
	})
	if err != nil {
		return err
	}
	return w.Forget(id)
}
