// SPDX-License-Identifier: GPL-3.0-or-later

// Package sigauth implements the RPC signature authentication scheme from
// spec.md §4.I: an ed25519 signature over a request-body commitment,
// carried query-encoded in the X-StartOS-Auth-Sig header, with a
// domain-separation context equal to the target hostname and a replay
// cache keyed on commitment nonce.
package sigauth

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"

	"lukechampine.com/blake3"
)

// AuthSigHeader is the HTTP header name carrying the signed commitment.
const AuthSigHeader = "X-StartOS-Auth-Sig"

// RequestCommitment binds a signature to one specific request body,
// timestamp, and nonce, matching spec.md §4.I / §3.
type RequestCommitment struct {
	Timestamp int64
	Nonce     uint64
	Size      uint64
	BodyHash  [32]byte
}

// NewCommitment computes the commitment for body at the given timestamp
// and nonce.
func NewCommitment(timestamp int64, nonce uint64, body []byte) RequestCommitment {
	return RequestCommitment{
		Timestamp: timestamp,
		Nonce:     nonce,
		Size:      uint64(len(body)),
		BodyHash:  blake3.Sum256(body),
	}
}

// CanonicalBytes is the exact byte sequence the ed25519 signature covers,
// with the domain-separation context appended last so that a signature
// produced for one hostname context cannot be replayed against another.
func (c RequestCommitment) CanonicalBytes(context string) []byte {
	buf := fmt.Sprintf("%d:%d:%d:%x:%s", c.Timestamp, c.Nonce, c.Size, c.BodyHash, context)
	return []byte(buf)
}

// Header is the full signed-request envelope: the commitment, the
// claimed signer, and the signature over CanonicalBytes.
type Header struct {
	Commitment RequestCommitment
	Signer     ed25519.PublicKey
	Signature  []byte
}

// Sign produces a [Header] for body, signed by key under context.
func Sign(key ed25519.PrivateKey, body []byte, context string, timestamp int64, nonce uint64) Header {
	commitment := NewCommitment(timestamp, nonce, body)
	sig := ed25519.Sign(key, commitment.CanonicalBytes(context))
	return Header{
		Commitment: commitment,
		Signer:     key.Public().(ed25519.PublicKey),
		Signature:  sig,
	}
}

// Encode renders h as the query-encoded header value spec.md §6
// specifies: timestamp, nonce, size, blake3, signer, signature.
func (h Header) Encode() string {
	v := url.Values{}
	v.Set("timestamp", strconv.FormatInt(h.Commitment.Timestamp, 10))
	v.Set("nonce", strconv.FormatUint(h.Commitment.Nonce, 10))
	v.Set("size", strconv.FormatUint(h.Commitment.Size, 10))
	v.Set("blake3", hex.EncodeToString(h.Commitment.BodyHash[:]))
	v.Set("signer", hex.EncodeToString(h.Signer))
	v.Set("signature", hex.EncodeToString(h.Signature))
	return v.Encode()
}

// DecodeHeader parses the query-encoded header value back into a [Header].
func DecodeHeader(value string) (Header, error) {
	v, err := url.ParseQuery(value)
	if err != nil {
		return Header{}, fmt.Errorf("sigauth: malformed header: %w", err)
	}
	ts, err := strconv.ParseInt(v.Get("timestamp"), 10, 64)
	if err != nil {
		return Header{}, fmt.Errorf("sigauth: bad timestamp: %w", err)
	}
	nonce, err := strconv.ParseUint(v.Get("nonce"), 10, 64)
	if err != nil {
		return Header{}, fmt.Errorf("sigauth: bad nonce: %w", err)
	}
	size, err := strconv.ParseUint(v.Get("size"), 10, 64)
	if err != nil {
		return Header{}, fmt.Errorf("sigauth: bad size: %w", err)
	}
	hashBytes, err := hex.DecodeString(v.Get("blake3"))
	if err != nil || len(hashBytes) != 32 {
		return Header{}, fmt.Errorf("sigauth: bad blake3 hash")
	}
	var hash [32]byte
	copy(hash[:], hashBytes)
	signer, err := hex.DecodeString(v.Get("signer"))
	if err != nil || len(signer) != ed25519.PublicKeySize {
		return Header{}, fmt.Errorf("sigauth: bad signer key")
	}
	sig, err := hex.DecodeString(v.Get("signature"))
	if err != nil {
		return Header{}, fmt.Errorf("sigauth: bad signature: %w", err)
	}
	return Header{
		Commitment: RequestCommitment{Timestamp: ts, Nonce: nonce, Size: size, BodyHash: hash},
		Signer:     ed25519.PublicKey(signer),
		Signature:  sig,
	}, nil
}
