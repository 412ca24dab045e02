// SPDX-License-Identifier: GPL-3.0-or-later

// Package controlplanetest collects small, dependency-free test fakes
// for this module's component tests — fake gateway snapshots, a fake NAT
// rule installer, a capturing logger, and a minimal net.Conn stub. The
// binding, portforward and hostsync tests do not import it; they define
// their own local fakes. The fakes here are adapted from the teacher's
// netstub/slogstub/tlsstub convention of function-field fakes in place of
// a mocking framework.
package controlplanetest

import "sync"

// LogRecord is one captured log call.
type LogRecord struct {
	Level string
	Msg   string
	Args  []any
}

// CapturingLogger is a [netx.SLogger] that records every call instead of
// discarding or emitting it, so a test can assert on what a component
// logged (adapted from the teacher's slogstub.FuncHandler, which does the
// same for *slog.Logger).
type CapturingLogger struct {
	mu      sync.Mutex
	Records []LogRecord
}

// NewCapturingLogger returns an empty [*CapturingLogger].
func NewCapturingLogger() *CapturingLogger {
	return &CapturingLogger{}
}

func (c *CapturingLogger) Debug(msg string, args ...any) { c.record("debug", msg, args) }
func (c *CapturingLogger) Info(msg string, args ...any)  { c.record("info", msg, args) }

func (c *CapturingLogger) record(level, msg string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Records = append(c.Records, LogRecord{Level: level, Msg: msg, Args: args})
}

// Snapshot returns a copy of the records captured so far.
func (c *CapturingLogger) Snapshot() []LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogRecord, len(c.Records))
	copy(out, c.Records)
	return out
}
