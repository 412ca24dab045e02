// SPDX-License-Identifier: GPL-3.0-or-later

package portforward

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"time"
	"weak"

	"github.com/start9labs/corenet/controlplane"
	"github.com/start9labs/corenet/gateway"
	"github.com/start9labs/corenet/gwfilter"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/watch"
)

// bridgeIface is the internal-side interface every installed rule forwards
// onto, matching the original implementation's START9_BRIDGE_IFACE.
const bridgeIface = "lxcbr0"

// Handle is a strong reference a caller holds to keep a forward alive. A
// [*Controller] only tracks a weak reference to it (via the standard
// library's weak package), and only to the Handle from the most recent
// request for an external port: once that Handle is garbage collected,
// the next reconciliation tears the forward down.
type Handle = *struct{}

// NewHandle allocates a fresh strong [Handle].
func NewHandle() Handle { return new(struct{}) }

// ForwardRequest asks the controller to (re)install a forward from
// external (on every gateway address passing Filter) to Target, kept
// alive by Handle.
type ForwardRequest struct {
	External uint16
	Target   netip.AddrPort
	Filter   gwfilter.Filter
	Handle   Handle
}

// Installer abstracts the platform-specific rule installation, the same
// seam spec.md §4.E calls out explicitly: the controller only asserts
// call-order invariants, never packet-level semantics.
type Installer interface {
	Install(ctx context.Context, iface string, source, target netip.AddrPort) error
	Uninstall(ctx context.Context, iface string, source, target netip.AddrPort) error
}

// ScriptInstaller implements [Installer] by invoking an external script
// with the environment variables spec.md §4.E specifies.
type ScriptInstaller struct {
	Path     string
	OutIface string
}

// NewScriptInstaller returns a [*ScriptInstaller] invoking the script at
// path, forwarding onto [bridgeIface] by default.
func NewScriptInstaller(path string) *ScriptInstaller {
	return &ScriptInstaller{Path: path, OutIface: bridgeIface}
}

func (s *ScriptInstaller) Install(ctx context.Context, iface string, source, target netip.AddrPort) error {
	return s.run(ctx, iface, source, target, false)
}

func (s *ScriptInstaller) Uninstall(ctx context.Context, iface string, source, target netip.AddrPort) error {
	return s.run(ctx, iface, source, target, true)
}

func (s *ScriptInstaller) run(ctx context.Context, iface string, source, target netip.AddrPort, undo bool) error {
	cmd := exec.CommandContext(ctx, s.Path)
	env := []string{
		"iiface=" + iface,
		"oiface=" + s.OutIface,
		"sip=" + source.Addr().String(),
		"dip=" + target.Addr().String(),
		"sport=" + strconv.Itoa(int(source.Port())),
		"dport=" + strconv.Itoa(int(target.Port())),
	}
	if undo {
		env = append(env, "UNDO=1")
	}
	cmd.Env = append(cmd.Environ(), env...)
	if err := cmd.Run(); err != nil {
		return controlplane.New(controlplane.Network, fmt.Errorf("portforward: %s: %w", s.Path, err))
	}
	return nil
}

// Controller is the supervisor task from spec.md §4.E: it serializes
// ForwardRequest handling and gateway-driven resync through a single
// goroutine (run via [*Controller.Run]) so every external port sees
// at-most-one concurrent reconciliation.
type Controller struct {
	Installer Installer
	Gateways  *watch.Cell[gateway.Snapshot]
	Logger    netx.SLogger

	requests chan controllerRequest
	observer *watch.Observer[gateway.Snapshot]
}

type controllerRequest struct {
	req    *ForwardRequest
	reply  chan error
	status chan map[uint16]int
}

// NewController constructs a [*Controller]. Call [*Controller.Run] in its
// own goroutine before using [*Controller.Add] or [*Controller.GC].
func NewController(gateways *watch.Cell[gateway.Snapshot], installer Installer) *Controller {
	return &Controller{
		Installer: installer,
		Gateways:  gateways,
		Logger:    netx.DefaultSLogger(),
		requests:  make(chan controllerRequest),
		observer:  gateways.Subscribe(),
	}
}

// Run serves requests and gateway-change-driven resyncs until ctx is
// done. It owns all mutable forward state; nothing outside this goroutine
// touches a forwardEntry.
func (c *Controller) Run(ctx context.Context) error {
	state := newForwardState()
	snap := c.Gateways.Read()

	changed := make(chan struct{}, 1)
	go func() {
		for {
			if err := c.observer.Changed(ctx); err != nil {
				return
			}
			select {
			case changed <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cr := <-c.requests:
			if cr.status != nil {
				cr.status <- state.counts()
				continue
			}
			var err error
			if cr.req != nil {
				err = state.handleRequest(ctx, *cr.req, snap, c.Installer, c.Logger)
			} else {
				err = state.sync(ctx, snap, c.Installer, c.Logger)
			}
			if cr.reply != nil {
				cr.reply <- err
			}
		case <-changed:
			snap = c.Gateways.Read()
			if err := state.sync(ctx, snap, c.Installer, c.Logger); err != nil {
				c.Logger.Info("portForwardSyncFailed", slog.Any("err", err))
			}
		}
	}
}

// Add registers a forward from external to target, gated by filter, kept
// alive by the returned Handle, which replaces any Handle an earlier Add
// returned for this external port. Once it is unreachable, the controller
// tears the forward down on its next reconciliation.
func (c *Controller) Add(ctx context.Context, external uint16, target netip.AddrPort, filter gwfilter.Filter) (Handle, error) {
	h := NewHandle()
	reply := make(chan error, 1)
	req := ForwardRequest{External: external, Target: target, Filter: gwfilter.Simplify(filter), Handle: h}
	select {
	case c.requests <- controllerRequest{req: &req, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GC forces an immediate full resync: every entry is re-evaluated against
// the current gateway snapshot, and entries whose handle has become
// unreachable are torn down and dropped.
func (c *Controller) GC(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.requests <- controllerRequest{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports, for each external port currently tracked, the number of
// installed rules — for admin introspection and tests.
func (c *Controller) Status(ctx context.Context) (map[uint16]int, error) {
	reply := make(chan map[uint16]int, 1)
	select {
	case c.requests <- controllerRequest{status: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case counts := <-reply:
		return counts, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forwardState holds every tracked external port's [*forwardEntry].
type forwardState struct {
	entries map[uint16]*forwardEntry
}

func (s *forwardState) counts() map[uint16]int {
	out := make(map[uint16]int, len(s.entries))
	for port, entry := range s.entries {
		out[port] = len(entry.forwards)
	}
	return out
}

func newForwardState() *forwardState {
	return &forwardState{entries: map[uint16]*forwardEntry{}}
}

func (s *forwardState) handleRequest(ctx context.Context, req ForwardRequest, snap gateway.Snapshot, inst Installer, logger netx.SLogger) error {
	entry, ok := s.entries[req.External]
	if !ok {
		entry = newForwardEntry(req.External, req.Target)
		s.entries[req.External] = entry
	}
	return entry.updateRequest(ctx, req, snap, inst, logger)
}

func (s *forwardState) sync(ctx context.Context, snap gateway.Snapshot, inst Installer, logger netx.SLogger) error {
	var firstErr error
	for _, entry := range s.entries {
		if err := entry.update(ctx, snap, nil, inst, logger); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for port, entry := range s.entries {
		if len(entry.forwards) == 0 {
			delete(s.entries, port)
		}
	}
	return firstErr
}

// forwardEntry tracks one external port's installed rules.
type forwardEntry struct {
	external   uint16
	target     netip.AddrPort
	prevFilter gwfilter.Filter
	forwards   map[netip.AddrPort]gateway.Id
	weak       weak.Pointer[struct{}]
}

func newForwardEntry(external uint16, target netip.AddrPort) *forwardEntry {
	return &forwardEntry{
		external:   external,
		target:     target,
		prevFilter: gwfilter.Bool(false),
		forwards:   map[netip.AddrPort]gateway.Id{},
	}
}

func (e *forwardEntry) alive() bool {
	return e.weak.Value() != nil
}

// destroy removes every installed rule, e.g. because the entry's handle
// died or it is being replaced by a request for a different target.
func (e *forwardEntry) destroy(ctx context.Context, inst Installer, logger netx.SLogger) error {
	var firstErr error
	for addr, id := range e.forwards {
		if err := uninstall(ctx, inst, string(id), addr, e.target, logger); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.forwards, addr)
	}
	return firstErr
}

// update reconciles e's installed rules against snap. When filter is nil
// the entry's previously-applied filter is reused (the gateway-driven
// resync path); when non-nil it both applies and remembers the new
// filter (the request-driven path).
func (e *forwardEntry) update(ctx context.Context, snap gateway.Snapshot, filter *gwfilter.Filter, inst Installer, logger netx.SLogger) error {
	if !e.alive() {
		return e.destroy(ctx, inst, logger)
	}

	effective := e.prevFilter
	if filter != nil {
		effective = *filter
	}

	keep := map[netip.AddrPort]struct{}{}
	var firstErr error
	for id, info := range snap.WithLoopback() {
		if info.IPInfo == nil || !effective.Eval(id, info) {
			continue
		}
		for _, subnet := range info.IPInfo.Subnets {
			addr := netip.AddrPortFrom(subnet.Addr(), e.external)
			keep[addr] = struct{}{}
			if _, ok := e.forwards[addr]; ok {
				continue
			}
			if err := install(ctx, inst, string(id), addr, e.target, logger); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.forwards[addr] = id
		}
	}

	for addr, id := range e.forwards {
		if _, ok := keep[addr]; ok {
			continue
		}
		if err := uninstall(ctx, inst, string(id), addr, e.target, logger); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(e.forwards, addr)
	}

	if filter != nil {
		e.prevFilter = *filter
	}
	return firstErr
}

// updateRequest applies a fresh ForwardRequest: a changed external/target
// pair destroys and rebuilds the entry from scratch; an unchanged pair
// just refreshes the handle and, if the filter changed, re-evaluates.
func (e *forwardEntry) updateRequest(ctx context.Context, req ForwardRequest, snap gateway.Snapshot, inst Installer, logger netx.SLogger) error {
	if req.External != e.external || req.Target != e.target {
		if err := e.destroy(ctx, inst, logger); err != nil {
			return err
		}
		e.external = req.External
		e.target = req.Target
		e.prevFilter = gwfilter.Bool(false)
		e.weak = weak.Make(req.Handle)
		return e.update(ctx, snap, &req.Filter, inst, logger)
	}
	e.weak = weak.Make(req.Handle)
	if !gwfilter.Equal(e.prevFilter, req.Filter) {
		return e.update(ctx, snap, &req.Filter, inst, logger)
	}
	return nil
}

func install(ctx context.Context, inst Installer, iface string, source, target netip.AddrPort, logger netx.SLogger) error {
	t0 := time.Now()
	logger.Info("natRuleInstallStart", slog.String("iface", iface), slog.String("source", source.String()), slog.String("target", target.String()), slog.Time("t", t0))
	err := inst.Install(ctx, iface, source, target)
	logger.Info("natRuleInstallDone", slog.String("iface", iface), slog.String("source", source.String()), slog.Any("err", err), slog.Time("t0", t0), slog.Time("t", time.Now()))
	return err
}

func uninstall(ctx context.Context, inst Installer, iface string, source, target netip.AddrPort, logger netx.SLogger) error {
	t0 := time.Now()
	logger.Info("natRuleRemoveStart", slog.String("iface", iface), slog.String("source", source.String()), slog.String("target", target.String()), slog.Time("t", t0))
	err := inst.Uninstall(ctx, iface, source, target)
	logger.Info("natRuleRemoveDone", slog.String("iface", iface), slog.String("source", source.String()), slog.Any("err", err), slog.Time("t0", t0), slog.Time("t", time.Now()))
	return err
}
