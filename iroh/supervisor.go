// SPDX-License-Identifier: GPL-3.0-or-later

package iroh

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/onion"
	"github.com/start9labs/corenet/watch"
)

// Supervisor mirrors [onion.Supervisor]'s reconciliation against the
// same [*onion.Targets] shape, over an [Endpoint] instead of Tor.
type Supervisor struct {
	Endpoint Endpoint
	Key      NodeKey
	Targets  *watch.Cell[*onion.Targets]
	Logger   netx.SLogger

	mu       sync.Mutex
	services map[int]nodeService
}

type nodeService struct {
	listener Listener
	cancel   context.CancelFunc
}

// NewSupervisor returns a [*Supervisor] for key, rendezvousing against
// targets over endpoint.
func NewSupervisor(endpoint Endpoint, key NodeKey, targets *watch.Cell[*onion.Targets]) *Supervisor {
	return &Supervisor{
		Endpoint: endpoint,
		Key:      key,
		Targets:  targets,
		Logger:   netx.DefaultSLogger(),
		services: map[int]nodeService{},
	}
}

// Run reconciles s's listeners until ctx is cancelled, rebuilding
// whenever the target set changes.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.teardown()

	changed := make(chan struct{}, 1)
	signal := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	obs := s.Targets.Subscribe()
	go func() {
		for {
			if err := obs.Changed(ctx); err != nil {
				return
			}
			signal()
		}
	}()

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
		svcCtx, cancel := context.WithCancel(ctx)
		listener, err := s.Endpoint.Listen(svcCtx, s.Key, port)
		if err != nil {
			s.Logger.Info("iroh listen failed", "port", port, "error", err.Error())
			cancel()
			continue
		}
		s.services[port] = nodeService{listener: listener, cancel: cancel}
		go s.acceptLoop(svcCtx, port, listener, targets)
	}

	for port, svc := range s.services {
		if !live[port] {
			svc.cancel()
			svc.listener.Close()
			delete(s.services, port)
		}
	}
}

func (s *Supervisor) acceptLoop(ctx context.Context, port int, listener Listener, targets *onion.Targets) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go s.serveStream(ctx, port, conn, targets)
	}
}

func (s *Supervisor) serveStream(ctx context.Context, port int, conn net.Conn, targets *onion.Targets) {
	defer conn.Close()
	target, ok := targets.PickLiveTarget(port)
	if !ok {
		return
	}
	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		s.Logger.Info("iroh proxy dial failed", "target", target.String(), "error", err.Error())
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
	for port, svc := range s.services {
		svc.cancel()
		svc.listener.Close()
		delete(s.services, port)
	}
}
