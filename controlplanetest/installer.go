// SPDX-License-Identifier: GPL-3.0-or-later

package controlplanetest

import (
	"context"
	"net/netip"
	"sync"
)

// FakeInstaller is a [portforward.Installer] fake that counts calls instead
// of shelling out to a real script, following the teacher's small
// hand-written fakes convention rather than a mocking framework.
type FakeInstaller struct {
	mu         sync.Mutex
	installs   int
	uninstalls int
}

func (f *FakeInstaller) Install(ctx context.Context, iface string, source, target netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	return nil
}

func (f *FakeInstaller) Uninstall(ctx context.Context, iface string, source, target netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
	return nil
}

// Counts returns the number of Install and Uninstall calls observed so far.
func (f *FakeInstaller) Counts() (installs, uninstalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.uninstalls
}
