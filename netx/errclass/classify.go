// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/errclass.go

// Package errclass classifies network errors into short, platform-independent
// labels by unwrapping to the underlying syscall errno.
package errclass

import (
	"context"
	"errors"
	"syscall"
)

// Generic labels returned when a more specific classification does not apply.
const (
	EGENERIC  = "EGENERIC"
	ECANCELED = "ECANCELED"
	ETIMEDOUT = "ETIMEDOUT"
)

// New classifies err into a short label such as "ETIMEDOUT" or "ECONNRESET".
//
// Returns [EGENERIC] when err does not wrap a recognized syscall errno.
func New(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return EGENERIC
	}
	switch errno {
	case errEADDRNOTAVAIL:
		return "EADDRNOTAVAIL"
	case errEADDRINUSE:
		return "EADDRINUSE"
	case errECONNABORTED:
		return "ECONNABORTED"
	case errECONNREFUSED:
		return "ECONNREFUSED"
	case errECONNRESET:
		return "ECONNRESET"
	case errEHOSTUNREACH:
		return "EHOSTUNREACH"
	case errEINVAL:
		return "EINVAL"
	case errEINTR:
		return "EINTR"
	case errENETDOWN:
		return "ENETDOWN"
	case errENETUNREACH:
		return "ENETUNREACH"
	case errENOBUFS:
		return "ENOBUFS"
	case errENOTCONN:
		return "ENOTCONN"
	case errEPROTONOSUPPORT:
		return "EPROTONOSUPPORT"
	case errETIMEDOUT:
		return ETIMEDOUT
	default:
		return EGENERIC
	}
}
