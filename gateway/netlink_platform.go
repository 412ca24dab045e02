// SPDX-License-Identifier: GPL-3.0-or-later

package gateway

import (
	"context"
	"net"
	"net/netip"
	"os"

	"github.com/vishvananda/netlink"
)

// NetlinkPlatform implements [Platform] on top of
// github.com/vishvananda/netlink, standing in for the NetworkManager-style
// system bus spec.md §4.B describes (grounded on
// malbeclabs-doublezero/client/doublezerod's internal/netlink
// manager-per-link pattern).
type NetlinkPlatform struct{}

var _ Platform = NetlinkPlatform{}

// Links enumerates the host's network interfaces via netlink.LinkList and
// their assigned addresses via netlink.AddrList.
func (NetlinkPlatform) Links(ctx context.Context) ([]LinkSnapshot, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	out := make([]LinkSnapshot, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Name == "" {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		subnets := make([]netip.Prefix, 0, len(addrs))
		for _, addr := range addrs {
			if addr.IPNet == nil {
				continue
			}
			if p, ok := prefixFromIPNet(addr.IPNet, attrs.Name); ok {
				subnets = append(subnets, p)
			}
		}
		out = append(out, LinkSnapshot{
			ID:         Id(attrs.Name),
			ScopeID:    attrs.Index,
			DeviceType: classifyDeviceType(link, attrs.Name),
			Subnets:    subnets,
			Up:         attrs.OperState == netlink.OperUp,
		})
	}
	return out, nil
}

// Subscribe merges netlink.LinkSubscribe and netlink.AddrSubscribe update
// channels into a single change signal, closed when ctx is done.
func (NetlinkPlatform) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	linkUpdates := make(chan netlink.LinkUpdate)
	addrUpdates := make(chan netlink.AddrUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(linkUpdates, done); err != nil {
		close(done)
		return nil, err
	}
	if err := netlink.AddrSubscribe(addrUpdates, done); err != nil {
		close(done)
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case _, ok := <-linkUpdates:
				if !ok {
					return
				}
				notify(out)
			case _, ok := <-addrUpdates:
				if !ok {
					return
				}
				notify(out)
			}
		}
	}()
	return out, nil
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SetName renames id's link via netlink.LinkSetName.
func (NetlinkPlatform) SetName(ctx context.Context, id Id, name string) error {
	link, err := netlink.LinkByName(string(id))
	if err != nil {
		return err
	}
	return netlink.LinkSetName(link, name)
}

// DeleteLink removes id's link via netlink.LinkDel.
func (NetlinkPlatform) DeleteLink(ctx context.Context, id Id) error {
	link, err := netlink.LinkByName(string(id))
	if err != nil {
		return err
	}
	return netlink.LinkDel(link)
}

// classifyDeviceType maps a netlink link onto the fixed device_type table
// from spec.md §4.B step 2: wireguard link kind, wireless sysfs marker, or
// plain ethernet/device fallback.
func classifyDeviceType(link netlink.Link, name string) DeviceType {
	switch link.Type() {
	case "wireguard":
		return DeviceWireguard
	}
	if _, err := os.Stat("/sys/class/net/" + name + "/wireless"); err == nil {
		return DeviceWireless
	}
	if link.Type() == "device" {
		return DeviceEthernet
	}
	return DeviceOther
}

// prefixFromIPNet converts a netlink-reported address into a [netip.Prefix].
// A link-local IPv6 address is ambiguous without its originating interface,
// so zone carries the link name (e.g. "eth0") and is attached whenever addr
// turns out to be link-local; it is the value later bound to, passed through
// unchanged by every intermediate layer (spec.md §4.D step 1).
func prefixFromIPNet(n *net.IPNet, zone string) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	if addr.Is6() && addr.IsLinkLocalUnicast() {
		addr = addr.WithZone(zone)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones), true
}
