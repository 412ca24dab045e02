// SPDX-License-Identifier: GPL-3.0-or-later

package onion

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/cretz/bine/tor"
	bineed25519 "github.com/cretz/bine/torutil/ed25519"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/watch"
)

// Supervisor runs one onion key's rendezvous services, reconciling the
// set of virtual ports it listens on against the live targets
// registered for it, and rebuilding everything whenever the shared
// [*Client] is recycled (spec.md §4.G).
type Supervisor struct {
	Client  *Client
	Key     bineed25519.PrivateKey
	Targets *watch.Cell[*Targets]
	Logger  netx.SLogger

	mu       sync.Mutex
	services map[int]*portService
}

type portService struct {
	svc    *tor.OnionService
	cancel context.CancelFunc
}

// NewSupervisor returns a [*Supervisor] for key, rendezvousing against
// targets.
func NewSupervisor(client *Client, key bineed25519.PrivateKey, targets *watch.Cell[*Targets]) *Supervisor {
	return &Supervisor{
		Client:   client,
		Key:      key,
		Targets:  targets,
		Logger:   netx.DefaultSLogger(),
		services: map[int]*portService{},
	}
}

// Run reconciles s's rendezvous services until ctx is cancelled,
// restarting them whenever the shared client's epoch bumps or the
// target set changes.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.teardown()

	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	epochObs := s.Client.Epoch().Subscribe()
	targetsObs := s.Targets.Subscribe()
	go watchLoop(ctx, epochObs.Changed, func() {
		// A new epoch means the previous Tor process, and every service
		// published on it, is gone; drop them so reconcile rebuilds each one.
		s.teardown()
		signal()
	})
	go watchLoop(ctx, targetsObs.Changed, signal)

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			s.reconcile(ctx)
		}
	}
}

// watchLoop repeatedly calls changed(ctx); each time it returns nil it
// invokes fire, until ctx is done.
func watchLoop(ctx context.Context, changed func(context.Context) error, fire func()) {
	for {
		if err := changed(ctx); err != nil {
			return
		}
		fire()
	}
}

// reconcile starts a rendezvous service for every port with at least
// one live target and stops every service whose port no longer has one.
func (s *Supervisor) reconcile(ctx context.Context) {
	targets := s.Targets.Read()
	live := map[int]bool{}
	for _, port := range targets.LivePorts() {
		live[port] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for port := range live {
		if _, ok := s.services[port]; ok {
			continue
		}
		t := s.Client.Tor()
		if t == nil {
			continue
		}
		svcCtx, cancel := context.WithCancel(ctx)
		svc, err := t.Listen(svcCtx, &tor.ListenConf{Version3: true, Key: s.Key, RemotePorts: []int{port}})
		if err != nil {
			s.Logger.Info("onion listen failed", "port", port, "error", err.Error())
			cancel()
			continue
		}
		s.services[port] = &portService{svc: svc, cancel: cancel}
		go s.acceptLoop(svcCtx, port, svc, targets)
	}

	for port, ps := range s.services {
		if !live[port] {
			ps.cancel()
			ps.svc.Close()
			delete(s.services, port)
		}
	}
}

// acceptLoop accepts inbound streams on svc (all addressed to port) and
// pipes each to a currently live target, rejecting by closing the
// connection when none remains (spec.md §4.G step 3's "reject with
// DONE" — closing the stream without data has the same effect from the
// client's perspective).
func (s *Supervisor) acceptLoop(ctx context.Context, port int, svc *tor.OnionService, targets *Targets) {
	for {
		conn, err := svc.Accept()
		if err != nil {
			return
		}
		go s.serveStream(ctx, port, conn, targets)
	}
}

func (s *Supervisor) serveStream(ctx context.Context, port int, conn net.Conn, targets *Targets) {
	defer conn.Close()
	target, ok := targets.PickLiveTarget(port)
	if !ok {
		return
	}
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		s.Logger.Info("onion proxy dial failed", "target", target.String(), "error", err.Error())
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstream, conn) }()
	go func() { defer wg.Done(); io.Copy(conn, upstream) }()
	wg.Wait()
}

func (s *Supervisor) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for port, ps := range s.services {
		ps.cancel()
		ps.svc.Close()
		delete(s.services, port)
	}
}
