// SPDX-License-Identifier: GPL-3.0-or-later

package dnsresolver

import (
	"bufio"
	"net/netip"
	"os"
	"strings"
)

// SystemdResolvConf is the path systemd-resolved publishes its own
// resolver stub chain to. Its first two nameserver lines are always
// the stub resolver and the host itself (spec.md §4.F step 3: "skip
// the first two entries — they are ourselves").
const SystemdResolvConf = "/run/systemd/resolve/resolv.conf"

// ParseResolvConf reads the nameserver lines of a resolv.conf-formatted
// file at path, skipping the first skip of them, and returns the rest as
// addr:53 upstreams.
func ParseResolvConf(path string, skip int) ([]netip.AddrPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []netip.AddrPort
	skipped := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		if skipped < skip {
			skipped++
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			continue
		}
		out = append(out, netip.AddrPortFrom(addr, 53))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
