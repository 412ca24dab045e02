// SPDX-License-Identifier: GPL-3.0-or-later

// Package controlplane holds the error taxonomy and small ambient
// interfaces (logging, error classification, clock) shared by every
// network control-plane component: gateway, gwfilter, binding,
// portforward, dnsresolver, onion, iroh, wireguard, sigauth, hostsync.
package controlplane

import (
	"errors"
	"fmt"

	"github.com/start9labs/corenet/netx/errclass"
)

// Kind is the domain-level error taxonomy. It is orthogonal to Go's error
// wrapping chain: a Kind says what a caller should do, not what failed.
type Kind string

const (
	// Transient is a temporary platform error (bind race, DNS timeout).
	// Policy: retry on next wake.
	Transient Kind = "transient"

	// Network is an I/O failure on an accepted or outbound socket.
	// Policy: propagate to the connection; the reconciler is unaffected.
	Network Kind = "network"

	// Auth is a signature, replay, or principal-lookup failure.
	// Policy: reject the request, rate-limit repeated failures.
	Auth Kind = "auth"

	// InvalidConfig is declared state that is impossible to realize
	// (port in use, duplicate address, empty listener set).
	// Policy: surface to the operator; leave prior state untouched.
	InvalidConfig Kind = "invalid_config"

	// Fatal is a missing keystore or unreachable database.
	// Policy: the process exits; it needs operator intervention.
	Fatal Kind = "fatal"
)

// Error wraps a cause with a domain Kind and an optional retry hint.
//
// Reconcilers never abort on a single-entity failure: they inspect Kind,
// log, and converge on the next wake. Operator-facing RPCs surface Kind
// so that clients can differentiate "retry" from "fix config".
type Error struct {
	Kind  Kind
	Err   error
	Retry bool

	// ErrClass is a short platform-independent label (e.g. "ECONNRESET"),
	// filled in by Classify when Err wraps a recognized syscall errno.
	ErrClass string
}

func (e *Error) Error() string {
	if e.ErrClass != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Err, e.ErrClass)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of the given Kind wrapping err, classifying err's
// syscall errno via errclass when present.
func New(kind Kind, err error) *Error {
	return &Error{
		Kind:     kind,
		Err:      err,
		ErrClass: errclass.New(err),
	}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// Retryable marks an *Error as retry-eligible and returns it for chaining.
func (e *Error) Retryable() *Error {
	e.Retry = true
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; it returns ok=false for plain errors, which callers should treat
// conservatively (as Fatal) since they carry no domain classification.
func KindOf(err error) (kind Kind, ok bool) {
	var cpErr *Error
	if errors.As(err, &cpErr) {
		return cpErr.Kind, true
	}
	return "", false
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
