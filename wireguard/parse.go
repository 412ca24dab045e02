// SPDX-License-Identifier: GPL-3.0-or-later

package wireguard

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/start9labs/corenet/controlplane"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ParsedPeer is one peer entry recovered from a rendered wg0.conf. A
// peer's private key never appears in a server-side config, so only
// the public half survives a parse.
type ParsedPeer struct {
	PublicKey    Key
	PresharedKey Key
	AllowedIP    netip.Addr
}

// ParsedServerConfig is what [Parse] recovers from text produced by
// [*Server.Render]: enough to re-render byte-identical text, not enough
// to reconstruct the original *Server (spec.md §8's serialise/parse/
// serialise round-trip property covers the wire text, not the struct).
type ParsedServerConfig struct {
	Port  uint16
	Key   Key
	Peers []ParsedPeer
}

// Parse parses wg0.conf text of the form [*Server.Render] produces.
func Parse(text string) (ParsedServerConfig, error) {
	var cfg ParsedServerConfig
	var peer *ParsedPeer

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || line == "[Interface]":
			continue
		case line == "[Peer]":
			cfg.Peers = append(cfg.Peers, ParsedPeer{})
			peer = &cfg.Peers[len(cfg.Peers)-1]
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return ParsedServerConfig{}, controlplane.New(controlplane.InvalidConfig, fmt.Errorf("wireguard: malformed line %q", line))
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		var err error
		switch {
		case peer == nil && key == "PrivateKey":
			cfg.Key, err = wgtypes.ParseKey(value)
		case peer == nil && key == "ListenPort":
			var port uint64
			port, err = strconv.ParseUint(value, 10, 16)
			cfg.Port = uint16(port)
		case peer != nil && key == "PublicKey":
			peer.PublicKey, err = wgtypes.ParseKey(value)
		case peer != nil && key == "PresharedKey":
			peer.PresharedKey, err = wgtypes.ParseKey(value)
		case peer != nil && key == "AllowedIPs":
			var prefix netip.Prefix
			prefix, err = netip.ParsePrefix(value)
			if err == nil {
				peer.AllowedIP = prefix.Addr()
			}
		default:
			return ParsedServerConfig{}, controlplane.New(controlplane.InvalidConfig, fmt.Errorf("wireguard: unrecognised directive %q", key))
		}
		if err != nil {
			return ParsedServerConfig{}, controlplane.New(controlplane.InvalidConfig, fmt.Errorf("wireguard: parsing %q: %w", line, err))
		}
	}
	return cfg, nil
}

// Render re-emits text in the exact form [*Server.Render] produces.
// Peers are already in the order Parse encountered them, so re-parsing
// and re-rendering an already-parsed config is idempotent.
func (p ParsedServerConfig) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nListenPort = %d\n", p.Key.String(), p.Port)
	for _, peer := range p.Peers {
		fmt.Fprintf(&b, "\n[Peer]\nPublicKey = %s\nPresharedKey = %s\nAllowedIPs = %s/32\n",
			peer.PublicKey.String(), peer.PresharedKey.String(), peer.AllowedIP)
	}
	return b.String()
}
