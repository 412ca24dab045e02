// SPDX-License-Identifier: GPL-3.0-or-later

package sigauth

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/start9labs/corenet/controlplane"
)

// MaxTimestampSkew bounds how far a commitment's timestamp may drift from
// the verifier's clock (spec.md §4.I step 3).
const MaxTimestampSkew = 30 * time.Second

// ReplayWindow is how long a seen nonce is remembered (spec.md §4.I step
// 4).
const ReplayWindow = 60 * time.Second

// ReplayCache rejects a commitment whose nonce was already seen within
// [ReplayWindow]. It is a small mutex-guarded map rather than an external TTL-cache dependency: the access pattern here
// is insert-then-age-sweep with no eviction policy beyond age, which a
// general-purpose cache library doesn't meaningfully simplify.
type ReplayCache struct {
	mu   sync.Mutex
	seen map[uint64]time.Time
	now  func() time.Time
}

// NewReplayCache returns an empty [*ReplayCache].
func NewReplayCache() *ReplayCache {
	return &ReplayCache{seen: map[uint64]time.Time{}, now: time.Now}
}

// CheckAndInsert reports an error if nonce was already seen within the
// window; otherwise records it and sweeps entries older than
// [ReplayWindow].
func (c *ReplayCache) CheckAndInsert(nonce uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if seenAt, ok := c.seen[nonce]; ok && now.Sub(seenAt) <= ReplayWindow {
		return controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: replay attack detected"))
	}
	c.seen[nonce] = now
	for n, t := range c.seen {
		if now.Sub(t) > ReplayWindow {
			delete(c.seen, n)
		}
	}
	return nil
}

// KeySet answers whether a public key is authorised, distinguishing
// admin-scoped keys per spec.md §4.I step 6.
type KeySet interface {
	IsAuthorized(key ed25519.PublicKey) bool
	IsAdmin(key ed25519.PublicKey) bool
}

// Verifier checks signed requests per spec.md §4.I.
type Verifier struct {
	Keys  KeySet
	Nonce *ReplayCache
	Now   func() time.Time
}

// NewVerifier returns a [*Verifier] backed by keys, with its own replay
// cache.
func NewVerifier(keys KeySet) *Verifier {
	return &Verifier{Keys: keys, Nonce: NewReplayCache(), Now: time.Now}
}

// Verify checks header against body, trying each candidate
// domain-separation context in turn (spec.md §4.I step 2: "a request may
// arrive via multiple valid hostnames; the first that verifies wins").
// adminRequired marks the invoked verb as admin-level: per spec.md §4.I
// step 6, such a verb demands an admin-scoped key rather than merely an
// authorized one. It returns the verified signer's public key.
func (v *Verifier) Verify(header Header, body []byte, contexts []string, adminRequired bool) (ed25519.PublicKey, error) {
	if len(header.Signer) != ed25519.PublicKeySize {
		return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: malformed signer key"))
	}

	var verified bool
	for _, ctx := range contexts {
		if ed25519.Verify(header.Signer, header.Commitment.CanonicalBytes(ctx), header.Signature) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: signature verification failed for every candidate context"))
	}

	now := v.Now()
	skew := now.Unix() - header.Commitment.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxTimestampSkew {
		return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: timestamp not within %s of now", MaxTimestampSkew))
	}

	if err := v.Nonce.CheckAndInsert(header.Commitment.Nonce); err != nil {
		return nil, err
	}

	if uint64(len(body)) != header.Commitment.Size {
		return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: body size mismatch"))
	}
	if NewCommitment(header.Commitment.Timestamp, header.Commitment.Nonce, body).BodyHash != header.Commitment.BodyHash {
		return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: body hash mismatch"))
	}

	if v.Keys != nil {
		if adminRequired {
			if !v.Keys.IsAdmin(header.Signer) {
				return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: admin-scoped key required for this verb"))
			}
		} else if !v.Keys.IsAuthorized(header.Signer) {
			return nil, controlplane.New(controlplane.Auth, fmt.Errorf("sigauth: signer not in authorized-keys set"))
		}
	}

	return header.Signer, nil
}

// VerifyHTTPRequest extracts and verifies the X-StartOS-Auth-Sig header
// from req, re-buffering the request body so downstream handlers can
// still read it (spec.md §4.I step 5). It returns a nil signer and nil
// error when no signature header is present: signature auth is optional
// per-request, not mandatory at the transport layer. adminRequired is
// forwarded to [*Verifier.Verify]; the caller's router decides whether
// the requested verb is admin-level.
func (v *Verifier) VerifyHTTPRequest(req *http.Request, contexts []string, adminRequired bool) (ed25519.PublicKey, error) {
	raw := req.Header.Get(AuthSigHeader)
	if raw == "" {
		return nil, nil
	}
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, controlplane.New(controlplane.Auth, err)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, controlplane.New(controlplane.Network, err)
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))

	return v.Verify(header, body, contexts, adminRequired)
}
