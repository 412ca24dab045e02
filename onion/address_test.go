// SPDX-License-Identifier: GPL-3.0-or-later

package onion

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnionAddressRoundTrips(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	addr := NewOnionAddress(pub)
	s := addr.String()
	assert.Len(t, s, 56)

	parsed, err := ParseOnionAddress(s)
	require.NoError(t, err)
	assert.True(t, pub.Equal(parsed.PublicKey))
}

func TestParseOnionAddressRejectsBadChecksum(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s := NewOnionAddress(pub).String()

	tampered := []byte(s)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	_, err = ParseOnionAddress(string(tampered))
	assert.Error(t, err)
}

func TestParseOnionAddressRejectsWrongLength(t *testing.T) {
	_, err := ParseOnionAddress("short")
	assert.Error(t, err)
}
