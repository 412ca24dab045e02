// SPDX-License-Identifier: GPL-3.0-or-later

package onion

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cretz/bine/tor"
	bineed25519 "github.com/cretz/bine/torutil/ed25519"
	"github.com/start9labs/corenet/netx"
	"github.com/start9labs/corenet/watch"
)

// BootstrapDeadline bounds how long the client has to report bootstrap
// progress before it is considered stalled (spec.md §4.G: "Bootstrap
// must report progress within a fixed deadline (e.g., 5 min); stalled
// progress restarts the client.").
const BootstrapDeadline = 5 * time.Minute

// HealthCheckCooldown is the fixed pause between successful self-tests.
const HealthCheckCooldown = 2 * time.Minute

// MaxConsecutiveFailures is how many self-test failures in a row force
// a client recycle.
const MaxConsecutiveFailures = 5

// selfTestPort is the virtual port the self-test echo service listens
// on; it never collides with operator-exposed services since it only
// ever exists for the lifetime of one probe.
const selfTestPort = 1

// Client supervises one shared Tor process: bootstrapping it,
// self-testing it periodically, and recycling it (bumping Epoch) on
// repeated failure so every dependent [*Supervisor] knows to rebuild.
type Client struct {
	DataDir string
	Logger  netx.SLogger

	epoch *watch.Cell[uint64]
	state *watch.Cell[State]

	mu  sync.Mutex
	tor *tor.Tor
}

// NewClient returns a [*Client] rooted at dataDir (Tor's working
// directory for its state files).
func NewClient(dataDir string) *Client {
	return &Client{
		DataDir: dataDir,
		Logger:  netx.DefaultSLogger(),
		epoch:   watch.NewCell(uint64(0)),
		state:   watch.NewCell(StateBootstrapping),
	}
}

// Epoch is bumped every time the underlying Tor process is replaced;
// supervisors subscribe to it to know when to rebuild their rendezvous
// services.
func (c *Client) Epoch() *watch.Cell[uint64] { return c.epoch }

// State reports the client's current lifecycle state.
func (c *Client) State() *watch.Cell[State] { return c.state }

// Tor returns the currently live Tor instance, or nil while
// bootstrapping/recovering.
func (c *Client) Tor() *tor.Tor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tor
}

// Run bootstraps the client and then loops self-test/recycle until ctx
// is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.bootstrapOnce(ctx); err != nil {
			c.Logger.Info("onion client bootstrap failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Second):
			}
			continue
		}
		c.healthLoop(ctx)
	}
}

func (c *Client) bootstrapOnce(ctx context.Context) error {
	c.state.Send(StateBootstrapping)
	bctx, cancel := context.WithTimeout(ctx, BootstrapDeadline)
	defer cancel()

	t, err := tor.Start(bctx, &tor.StartConf{DataDir: c.DataDir, NoAutoSocksPort: false})
	if err != nil {
		c.state.Send(StateBroken)
		return fmt.Errorf("onion: start tor: %w", err)
	}
	if err := t.EnableNetwork(bctx, true); err != nil {
		t.Close()
		c.state.Send(StateBroken)
		return fmt.Errorf("onion: bootstrap: %w", err)
	}

	c.mu.Lock()
	prev := c.tor
	c.tor = t
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	c.epoch.SendModify(func(e *uint64) { *e++ })
	c.state.Send(StateRunning)
	return nil
}

// healthLoop runs the self-test probe until it fails five times in a
// row, then returns so Run bootstraps a fresh client.
func (c *Client) healthLoop(ctx context.Context) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.selfTest(ctx); err != nil {
			failures++
			c.Logger.Info("onion self-test failed", "error", err.Error(), "consecutiveFailures", failures)
			if failures == 1 {
				c.state.Send(StateDegradedReachable)
			}
			if failures >= MaxConsecutiveFailures {
				c.state.Send(StateRecovering)
				return
			}
			continue
		}

		failures = 0
		c.state.Send(StateRunning)
		select {
		case <-ctx.Done():
			return
		case <-time.After(HealthCheckCooldown):
		}
	}
}

// selfTest creates an ephemeral onion key, publishes a trivial echo
// handler, waits for it to become reachable, connects to itself, and
// verifies a round trip of random bytes (spec.md §4.G's "hardest part").
func (c *Client) selfTest(ctx context.Context) error {
	t := c.Tor()
	if t == nil {
		return fmt.Errorf("onion: no live tor client")
	}

	_, priv, err := bineed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("onion: generate ephemeral key: %w", err)
	}

	listenCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	svc, err := t.Listen(listenCtx, &tor.ListenConf{Version3: true, Key: priv, RemotePorts: []int{selfTestPort}})
	if err != nil {
		return fmt.Errorf("onion: self-test listen: %w", err)
	}
	defer svc.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := svc.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(conn, conn)
		errCh <- err
	}()

	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return err
	}

	dialCtx, cancel2 := context.WithTimeout(ctx, 60*time.Second)
	defer cancel2()
	dialer, err := t.Dialer(dialCtx, nil)
	if err != nil {
		return fmt.Errorf("onion: self-test dialer: %w", err)
	}
	conn, err := dialer.DialContext(dialCtx, "tcp", fmt.Sprintf("%s.onion:%d", svc.ID, selfTestPort))
	if err != nil {
		return fmt.Errorf("onion: self-test dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(probe); err != nil {
		return fmt.Errorf("onion: self-test write: %w", err)
	}
	echoed := make([]byte, len(probe))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		return fmt.Errorf("onion: self-test read: %w", err)
	}
	if !bytes.Equal(probe, echoed) {
		return fmt.Errorf("onion: self-test echo mismatch")
	}
	return nil
}
