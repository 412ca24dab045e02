// SPDX-License-Identifier: GPL-3.0-or-later

package dnsresolver

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/start9labs/corenet/gateway"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/watch"
)

// ServiceTLDs are the last labels under which package/host service names
// are addressed (spec.md §4.F step 2).
var ServiceTLDs = map[string]bool{"embassy": true, "startos": true}

// RequestTimeout bounds the whole resolution of one incoming request,
// including a worst-case upstream race.
const RequestTimeout = 8 * time.Second

// Resolver answers DNS requests per spec.md §4.F: hairpin private
// domains, then package/host service names, then recursive upstream
// resolution. It implements [dns.Handler].
type Resolver struct {
	Registry *Registry
	Gateways *watch.Cell[gateway.Snapshot]
	Upstream *UpstreamPool
	Logger   netx.SLogger
}

// NewResolver returns a [*Resolver] wired to registry, gateways, and
// upstream.
func NewResolver(registry *Registry, gateways *watch.Cell[gateway.Snapshot], upstream *UpstreamPool) *Resolver {
	return &Resolver{Registry: registry, Gateways: gateways, Upstream: upstream, Logger: netx.DefaultSLogger()}
}

var _ dns.Handler = &Resolver{}

// ServeDNS implements [dns.Handler].
func (r *Resolver) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := r.resolve(req, w.RemoteAddr())
	_ = w.WriteMsg(resp)
}

func (r *Resolver) resolve(req *dns.Msg, from net.Addr) *dns.Msg {
	if len(req.Question) != 1 {
		return servfail(req)
	}
	q := req.Question[0]
	name := strings.ToLower(q.Name)

	if r.Registry.livePrivateDomain(name) {
		if resp, ok := r.resolveHairpin(req, q, from); ok {
			return resp
		}
		return servfail(req)
	}

	if pkg, ok := parseServiceName(name); ok {
		return r.resolveService(req, q, pkg)
	}

	if r.Upstream == nil {
		return servfail(req)
	}
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()
	resp, err := r.Upstream.Exchange(ctx, req)
	if err != nil {
		return servfail(req)
	}
	return resp
}

// parseServiceName splits name into (packageID, ok). The TLD (last
// label) must be a recognised service TLD; the label before it, if
// present, is the package ID, otherwise the host itself is meant
// (spec.md §4.F step 2).
func parseServiceName(name string) (PackageID, bool) {
	labels := dns.SplitDomainName(name)
	if len(labels) == 0 {
		return "", false
	}
	tld := labels[len(labels)-1]
	if !ServiceTLDs[tld] {
		return "", false
	}
	if len(labels) == 1 {
		return "", true
	}
	return PackageID(labels[len(labels)-2]), true
}

func (r *Resolver) resolveService(req *dns.Msg, q dns.Question, pkg PackageID) *dns.Msg {
	ips, ok := r.Registry.liveServiceIPs(pkg)
	if !ok || len(ips) == 0 {
		return servfail(req)
	}
	resp := new(dns.Msg)
	resp.SetReply(req)
	for _, ip := range ips {
		if !ip.Is4() {
			continue
		}
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY {
			continue
		}
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   ip.AsSlice(),
		})
	}
	return resp
}

// resolveHairpin answers with the address of the gateway whose subnet
// contains from, preferring the subnet that most specifically (smallest
// prefix) contains it.
func (r *Resolver) resolveHairpin(req *dns.Msg, q dns.Question, from net.Addr) (*dns.Msg, bool) {
	srcAddr, err := addrFromNetAddr(from)
	if err != nil {
		return nil, false
	}

	snap := r.Gateways.Read()
	gateways := snap.WithLoopback()

	var best netip.Prefix
	var found bool
	for _, info := range gateways {
		if info.IPInfo == nil {
			continue
		}
		for _, prefix := range info.IPInfo.Subnets {
			if !prefix.Contains(srcAddr) {
				continue
			}
			if !found || prefix.Bits() > best.Bits() {
				best = prefix
				found = true
			}
		}
	}
	if !found {
		return nil, false
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
		if addr := best.Addr(); addr.Is4() {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   addr.AsSlice(),
			})
		}
	}
	return resp, true
}

func addrFromNetAddr(addr net.Addr) (netip.Addr, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.AddrPort().Addr(), nil
	case *net.TCPAddr:
		return a.AddrPort().Addr(), nil
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return netip.Addr{}, err
		}
		return netip.ParseAddr(host)
	}
}

func servfail(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	return resp
}
