// SPDX-License-Identifier: GPL-3.0-or-later

// Package gwfilter implements the interface-filter algebra: a small,
// structurally-comparable set of predicates over (gateway.Id, gateway.Info)
// pairs. Structural equality and a total order are first-class so that
// listeners and forwarders can cache a filter and skip recomputation when
// a syntactically different but semantically identical filter is supplied
// — the invariant that makes reconciliation idempotent.
//
// The combinator shape (leaves plus And/Or/All/Any) is grounded on the
// teacher's compose.go: small, closed, generic building blocks composed by
// the caller, just predicate composition instead of Func[A,B] composition.
package gwfilter

import (
	"sort"
	"strings"

	"github.com/start9labs/corenet/gateway"
)

// Filter is a structurally comparable predicate over a gateway.
//
// The set of implementations is closed: isFilter is unexported so that
// gwfilter is the sole author of concrete Filter kinds, which is what lets
// [Equal] and [Compare] be a straightforward type switch rather than an
// open-world interface comparison.
type Filter interface {
	// Eval reports whether (id, info) passes the filter.
	Eval(id gateway.Id, info *gateway.Info) bool
	isFilter()
}

// Bool is a constant leaf: always true or always false.
type Bool bool

func (b Bool) Eval(gateway.Id, *gateway.Info) bool { return bool(b) }
func (Bool) isFilter()                             {}

// Loopback matches only the synthetic loopback gateway.
type Loopback struct{}

func (Loopback) Eval(id gateway.Id, _ *gateway.Info) bool { return id == gateway.LoopbackID }
func (Loopback) isFilter()                                {}

// Public matches gateways whose effective public classification equals
// bool(Public).
type Public bool

func (p Public) Eval(_ gateway.Id, info *gateway.Info) bool {
	return info.EffectivePublic() == bool(p)
}
func (Public) isFilter() {}

// Secure matches gateways whose effective secure classification equals
// bool(Secure).
type Secure bool

func (s Secure) Eval(_ gateway.Id, info *gateway.Info) bool {
	return info.EffectiveSecure() == bool(s)
}
func (Secure) isFilter() {}

// GatewayIn matches gateways whose Id is a member of the set. It is the
// leaf a per-binding enable/disable roster (spec.md §4.J's NetInfo)
// compiles down to: `public_enabled` renders as GatewayIn, and
// `private_disabled` renders as Not(GatewayIn) via Or/And composition.
type GatewayIn map[gateway.Id]bool

func (g GatewayIn) Eval(id gateway.Id, _ *gateway.Info) bool { return g[id] }
func (GatewayIn) isFilter()                                  {}

// Not inverts its operand.
type Not struct{ F Filter }

func (n Not) Eval(id gateway.Id, info *gateway.Info) bool { return !n.F.Eval(id, info) }
func (Not) isFilter()                                     {}

// And is true iff both operands are true.
type And struct{ A, B Filter }

func (f And) Eval(id gateway.Id, info *gateway.Info) bool {
	return f.A.Eval(id, info) && f.B.Eval(id, info)
}
func (And) isFilter() {}

// Or is true iff either operand is true.
type Or struct{ A, B Filter }

func (f Or) Eval(id gateway.Id, info *gateway.Info) bool {
	return f.A.Eval(id, info) || f.B.Eval(id, info)
}
func (Or) isFilter() {}

// All is true iff every operand is true. An empty All is true (the
// identity element of conjunction).
type All []Filter

func (f All) Eval(id gateway.Id, info *gateway.Info) bool {
	for _, sub := range f {
		if !sub.Eval(id, info) {
			return false
		}
	}
	return true
}
func (All) isFilter() {}

// Any is true iff at least one operand is true. An empty Any is false (the
// identity element of disjunction).
type Any []Filter

func (f Any) Eval(id gateway.Id, info *gateway.Info) bool {
	for _, sub := range f {
		if sub.Eval(id, info) {
			return true
		}
	}
	return false
}
func (Any) isFilter() {}

// Simplify collapses degenerate shapes: And(x,x) -> x, an empty All -> true,
// an empty Any -> false, and recursively simplifies operands first so that
// simplification bottoms out regardless of nesting depth.
func Simplify(f Filter) Filter {
	switch v := f.(type) {
	case Not:
		return Not{F: Simplify(v.F)}
	case And:
		a, b := Simplify(v.A), Simplify(v.B)
		if Equal(a, b) {
			return a
		}
		return And{A: a, B: b}
	case Or:
		a, b := Simplify(v.A), Simplify(v.B)
		if Equal(a, b) {
			return a
		}
		return Or{A: a, B: b}
	case All:
		if len(v) == 0 {
			return Bool(true)
		}
		simplified := make(All, len(v))
		for i, sub := range v {
			simplified[i] = Simplify(sub)
		}
		return simplified
	case Any:
		if len(v) == 0 {
			return Bool(false)
		}
		simplified := make(Any, len(v))
		for i, sub := range v {
			simplified[i] = Simplify(sub)
		}
		return simplified
	default:
		return f
	}
}

// typeTag orders Filter kinds for [Compare]'s first comparison key. The
// exact numbering is arbitrary but must be stable within a process.
func typeTag(f Filter) int {
	switch f.(type) {
	case Bool:
		return 0
	case Loopback:
		return 1
	case Public:
		return 2
	case Secure:
		return 3
	case GatewayIn:
		return 4
	case Not:
		return 5
	case And:
		return 6
	case Or:
		return 7
	case All:
		return 8
	case Any:
		return 9
	default:
		return 99
	}
}

// Equal reports structural equality: And/Or are commutative (Equal(And(a,b),
// And(b,a)) is true), All/Any are set-equal (order and duplicates don't
// matter), and all other kinds compare by value.
func Equal(a, b Filter) bool {
	return Compare(a, b) == 0
}

// Compare imposes a total order over Filter values: first by type tag, then
// by a type-specific comparison of operands (sorted, for And/Or/All/Any,
// so that commutative/set-like equivalence holds). It returns <0, 0, >0
// like [strings.Compare].
func Compare(a, b Filter) int {
	ta, tb := typeTag(a), typeTag(b)
	if ta != tb {
		return ta - tb
	}
	switch va := a.(type) {
	case Bool:
		vb := b.(Bool)
		return boolCompare(bool(va), bool(vb))
	case Loopback:
		return 0
	case Public:
		vb := b.(Public)
		return boolCompare(bool(va), bool(vb))
	case Secure:
		vb := b.(Secure)
		return boolCompare(bool(va), bool(vb))
	case GatewayIn:
		vb := b.(GatewayIn)
		return compareGatewaySets(va, vb)
	case Not:
		vb := b.(Not)
		return Compare(va.F, vb.F)
	case And:
		vb := b.(And)
		return compareCommutativePair(va.A, va.B, vb.A, vb.B)
	case Or:
		vb := b.(Or)
		return compareCommutativePair(va.A, va.B, vb.A, vb.B)
	case All:
		vb := b.(All)
		return compareSets([]Filter(va), []Filter(vb))
	case Any:
		vb := b.(Any)
		return compareSets([]Filter(va), []Filter(vb))
	default:
		return 0
	}
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// compareCommutativePair compares {a1,a2} against {b1,b2} as unordered
// pairs: sort each side, then compare lexicographically.
func compareCommutativePair(a1, a2, b1, b2 Filter) int {
	return compareSets([]Filter{a1, a2}, []Filter{b1, b2})
}

// compareSets compares two operand lists as sets: sort both by [Compare],
// drop duplicates, then compare lexicographically by length then by element.
func compareSets(a, b []Filter) int {
	dedup := func(fs []Filter) []Filter {
		out := fs[:0]
		for _, f := range fs {
			if len(out) == 0 || Compare(out[len(out)-1], f) != 0 {
				out = append(out, f)
			}
		}
		return out
	}
	sa := dedup(sortedCopy(a))
	sb := dedup(sortedCopy(b))
	if len(sa) != len(sb) {
		return len(sa) - len(sb)
	}
	for i := range sa {
		if c := Compare(sa[i], sb[i]); c != 0 {
			return c
		}
	}
	return 0
}

// compareGatewaySets compares two GatewayIn sets by their sorted member
// lists: first by length, then lexicographically.
func compareGatewaySets(a, b GatewayIn) int {
	sa, sb := sortedGatewayIds(a), sortedGatewayIds(b)
	if len(sa) != len(sb) {
		return len(sa) - len(sb)
	}
	for i := range sa {
		if c := strings.Compare(string(sa[i]), string(sb[i])); c != 0 {
			return c
		}
	}
	return 0
}

func sortedGatewayIds(g GatewayIn) []gateway.Id {
	out := make([]gateway.Id, 0, len(g))
	for id, in := range g {
		if in {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedCopy(fs []Filter) []Filter {
	out := make([]Filter, len(fs))
	copy(out, fs)
	sort.Slice(out, func(i, j int) bool { return Compare(out[i], out[j]) < 0 })
	return out
}

// String renders a debug representation of f, useful for log lines and
// test failure messages; it is not a parseable serialization format.
func String(f Filter) string {
	switch v := f.(type) {
	case Bool:
		if v {
			return "true"
		}
		return "false"
	case Loopback:
		return "loopback"
	case Public:
		return "public(" + boolStr(bool(v)) + ")"
	case Secure:
		return "secure(" + boolStr(bool(v)) + ")"
	case GatewayIn:
		return "gatewayIn(" + strings.Join(gatewayIdStrings(sortedGatewayIds(v)), ", ") + ")"
	case Not:
		return "not(" + String(v.F) + ")"
	case And:
		return "and(" + String(v.A) + ", " + String(v.B) + ")"
	case Or:
		return "or(" + String(v.A) + ", " + String(v.B) + ")"
	case All:
		parts := make([]string, len(v))
		for i, sub := range v {
			parts[i] = String(sub)
		}
		return "all(" + strings.Join(parts, ", ") + ")"
	case Any:
		parts := make([]string, len(v))
		for i, sub := range v {
			parts[i] = String(sub)
		}
		return "any(" + strings.Join(parts, ", ") + ")"
	default:
		return "?"
	}
}

func gatewayIdStrings(ids []gateway.Id) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
