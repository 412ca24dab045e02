// SPDX-License-Identifier: GPL-3.0-or-later

package onion

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// onionVersion is the only Tor onion-service version this module speaks.
const onionVersion = 0x03

// OnionAddress is a parsed Tor v3 .onion address, held as the ed25519
// public key it encodes (spec.md §3's OnionAddress): `base32(pubkey ||
// checksum || version)` where `checksum =
// SHA3-256(".onion checksum" || pubkey || version)[:2]`. bine generates
// and owns the private key for services this module hosts, but the
// database and DNS hairpinning layers still need to parse and display
// addresses other hosts declare, so this module implements the encoding
// directly rather than only consuming bine's.
type OnionAddress struct {
	PublicKey ed25519.PublicKey
}

// NewOnionAddress wraps pub as an [OnionAddress].
func NewOnionAddress(pub ed25519.PublicKey) OnionAddress {
	return OnionAddress{PublicKey: pub}
}

// String renders the lowercase base32 address, without the ".onion"
// suffix.
func (a OnionAddress) String() string {
	checksum := onionChecksum(a.PublicKey)
	buf := make([]byte, 0, len(a.PublicKey)+len(checksum)+1)
	buf = append(buf, a.PublicKey...)
	buf = append(buf, checksum...)
	buf = append(buf, onionVersion)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
}

// ParseOnionAddress parses s (without the ".onion" suffix), rejecting
// addresses with the wrong length, an unsupported version, or a checksum
// that doesn't match the embedded public key.
func ParseOnionAddress(s string) (OnionAddress, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
	if err != nil {
		return OnionAddress{}, fmt.Errorf("onion: invalid base32 address %q: %w", s, err)
	}
	if len(raw) != ed25519.PublicKeySize+2+1 {
		return OnionAddress{}, fmt.Errorf("onion: wrong length for %q", s)
	}
	pub := ed25519.PublicKey(append([]byte(nil), raw[:ed25519.PublicKeySize]...))
	checksum := raw[ed25519.PublicKeySize : ed25519.PublicKeySize+2]
	version := raw[len(raw)-1]
	if version != onionVersion {
		return OnionAddress{}, fmt.Errorf("onion: unsupported version %d for %q", version, s)
	}
	if !bytes.Equal(checksum, onionChecksum(pub)) {
		return OnionAddress{}, fmt.Errorf("onion: checksum mismatch for %q", s)
	}
	return OnionAddress{PublicKey: pub}, nil
}

func onionChecksum(pub ed25519.PublicKey) []byte {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pub)
	h.Write([]byte{onionVersion})
	sum := h.Sum(nil)
	return sum[:2]
}
