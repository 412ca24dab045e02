// SPDX-License-Identifier: GPL-3.0-or-later

package wireguard

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/start9labs/corenet/controlplane"
)

// ConfigPath is the canonical location wg-quick reads the server
// configuration from.
const ConfigPath = "/etc/wireguard/wg0.conf"

// InterfaceName is the kernel WireGuard interface this server manages.
const InterfaceName = "wg0"

// Sync applies srv's current configuration to the kernel: bring the
// interface down (tolerating "it doesn't exist yet"), atomically
// rewrite its config file, then bring it back up (spec.md §4.H).
func (srv *Server) Sync(ctx context.Context) error {
	if err := wgQuickDown(ctx); err != nil {
		return err
	}
	if err := atomicWriteFile(ConfigPath, []byte(srv.Render()), 0600); err != nil {
		return controlplane.New(controlplane.Fatal, fmt.Errorf("wireguard: write config: %w", err))
	}
	if out, err := exec.CommandContext(ctx, "wg-quick", "up", InterfaceName).CombinedOutput(); err != nil {
		return controlplane.New(controlplane.Network, fmt.Errorf("wireguard: wg-quick up: %w: %s", err, out))
	}
	return nil
}

// wgQuickDown brings the interface down, tolerating the two error
// shapes wg-quick reports when there is nothing to tear down.
func wgQuickDown(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "wg-quick", "down", InterfaceName).CombinedOutput()
	if err == nil {
		return nil
	}
	msg := string(out)
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "is not a WireGuard interface") {
		return nil
	}
	return controlplane.New(controlplane.Network, fmt.Errorf("wireguard: wg-quick down: %w: %s", err, msg))
}

// atomicWriteFile writes data to a temp file in the same directory as
// path, then renames it into place, following the corpus's
// write-to-temp-then-rename convention for configuration files that
// must never be observed half-written.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".wg0-*.conf.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
