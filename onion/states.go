// SPDX-License-Identifier: GPL-3.0-or-later

package onion

// State is the observable lifecycle of the shared Tor client (spec.md
// §4.G: "States surfaced for observability").
type State string

const (
	StateBootstrapping       State = "bootstrapping"
	StateDegradedReachable   State = "degraded-reachable"
	StateDegradedUnreachable State = "degraded-unreachable"
	StateRunning             State = "running"
	StateRecovering          State = "recovering"
	StateBroken              State = "broken"
	StateShutdown            State = "shutdown"
)
