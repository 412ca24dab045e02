// SPDX-License-Identifier: GPL-3.0-or-later

package dnsresolver

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/miekg/dns"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/watch"
)

// UpstreamTimeout bounds how long a single upstream is given to answer
// before the race moves on (spec.md §4.F step 3).
const UpstreamTimeout = 5 * time.Second

// UpstreamPool races DNS queries against a set of recursive resolvers,
// refreshed whenever Nameservers changes.
//
// A-record queries are dispatched through the teacher's DNSOverUDPConn
// pipeline (the confirmed, exercised path for
// github.com/bassosimone/dnscodec anywhere in the reference corpus).
// Every other qtype — AAAA, PTR, and verbatim pass-through — is
// exchanged with github.com/miekg/dns's own client: dnscodec's only
// observed call sites construct an A query and read RecordsA(), so
// stretching it to other record types would mean calling methods this
// corpus never exercises.
type UpstreamPool struct {
	Nameservers *watch.Cell[[]netip.AddrPort]
	Config      *netx.Config
	Logger      netx.SLogger
	dnsClient   *dns.Client
}

// NewUpstreamPool returns a [*UpstreamPool] seeded with servers.
func NewUpstreamPool(servers []netip.AddrPort, cfg *netx.Config, logger netx.SLogger) *UpstreamPool {
	if cfg == nil {
		cfg = netx.NewConfig()
	}
	if logger == nil {
		logger = netx.DefaultSLogger()
	}
	return &UpstreamPool{
		Nameservers: watch.NewCell(append([]netip.AddrPort(nil), servers...)),
		Config:      cfg,
		Logger:      logger,
		dnsClient:   &dns.Client{Timeout: UpstreamTimeout},
	}
}

// SetNameservers replaces the upstream set.
func (p *UpstreamPool) SetNameservers(servers []netip.AddrPort) {
	p.Nameservers.Send(append([]netip.AddrPort(nil), servers...))
}

// Exchange resolves query by racing it against every configured
// upstream, returning the first successful response. It returns an
// error (which the caller turns into SERVFAIL) only when every upstream
// fails or none are configured.
func (p *UpstreamPool) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	servers := p.Nameservers.Read()
	if len(servers) == 0 {
		return nil, fmt.Errorf("dnsresolver: no upstream nameservers configured")
	}

	spanID := netx.NewSpanID()
	p.Logger.Info("dnsresolver: race begins", "span", spanID, "upstreams", len(servers))

	type result struct {
		resp *dns.Msg
		err  error
	}
	results := make(chan result, len(servers))
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, server := range servers {
		server := server
		go func() {
			resp, err := p.exchangeOne(raceCtx, server, query)
			select {
			case results <- result{resp, err}:
			case <-raceCtx.Done():
			}
		}()
	}

	var lastErr error
	for range servers {
		select {
		case r := <-results:
			if r.err == nil {
				p.Logger.Info("dnsresolver: race won", "span", spanID)
				return r.resp, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.Logger.Info("dnsresolver: race lost", "span", spanID, "error", lastErr.Error())
	return nil, fmt.Errorf("dnsresolver: every upstream failed: %w", lastErr)
}

func (p *UpstreamPool) exchangeOne(ctx context.Context, server netip.AddrPort, query *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, UpstreamTimeout)
	defer cancel()

	if len(query.Question) == 1 && query.Question[0].Qtype == dns.TypeA {
		return p.exchangeAviaNetx(ctx, server, query)
	}
	return p.exchangeViaMiekg(ctx, server, query)
}

// exchangeAviaNetx performs an A-record exchange over the teacher's
// composed DNS-over-UDP pipeline.
func (p *UpstreamPool) exchangeAviaNetx(ctx context.Context, server netip.AddrPort, query *dns.Msg) (*dns.Msg, error) {
	epntOp := netx.NewEndpointFunc(server)
	connectOp := netx.NewConnectFunc(p.Config, "udp", p.Logger)
	observeOp := netx.NewObserveConnFunc(p.Config, p.Logger)
	autoCancelOp := netx.NewCancelWatchFunc()
	wrapOp := netx.NewDNSOverUDPConnFunc(p.Config, p.Logger)

	dialPipe := netx.Compose5(epntOp, connectOp, observeOp, autoCancelOp, wrapOp)
	conn, err := dialPipe.Call(ctx, netx.Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	q := query.Question[0]
	codecQuery := dnscodec.NewQuery(q.Name, q.Qtype)
	resp, err := conn.Exchange(ctx, codecQuery)
	if err != nil {
		return nil, err
	}
	addrs, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}

	out := new(dns.Msg)
	out.SetReply(query)
	for _, addr := range addrs {
		out.Answer = append(out.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   addr.AsSlice(),
		})
	}
	return out, nil
}

// exchangeViaMiekg performs an arbitrary-qtype exchange over UDP,
// retrying over TCP if the UDP response is truncated.
func (p *UpstreamPool) exchangeViaMiekg(ctx context.Context, server netip.AddrPort, query *dns.Msg) (*dns.Msg, error) {
	resp, _, err := p.dnsClient.ExchangeContext(ctx, query, server.String())
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcp := *p.dnsClient
		tcp.Net = "tcp"
		resp, _, err = tcp.ExchangeContext(ctx, query, server.String())
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
