// SPDX-License-Identifier: GPL-3.0-or-later

// Package wireguard renders and synchronises the server's WireGuard
// configuration (spec.md §4.H): a pure rendering function plus a sync
// routine that brings the kernel interface down, atomically replaces its
// config file, and brings it back up.
package wireguard

import "golang.zx2c4.com/wireguard/wgctrl/wgtypes"

// Key is a WireGuard Curve25519 key (private, public, or pre-shared),
// base64-encoded at rest just like wg(8) expects.
type Key = wgtypes.Key

// GenerateKey returns a fresh random [Key].
func GenerateKey() (Key, error) {
	return wgtypes.GeneratePrivateKey()
}

// GeneratePresharedKey returns a fresh random pre-shared [Key].
func GeneratePresharedKey() (Key, error) {
	return wgtypes.GenerateKey()
}
