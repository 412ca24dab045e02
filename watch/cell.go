// SPDX-License-Identifier: GPL-3.0-or-later

// Package watch implements a reactive cell: a value with a monotonically
// increasing version counter and a waiter list, the substrate every other
// control-plane component uses to publish state and observe changes.
//
// The design mirrors the teacher's context-transparent suspension
// philosophy (see netx's doc comment on timeout/context philosophy): a
// [Cell] never polls and never imposes its own timeout. Observers suspend
// on [*Observer.Changed] / [*Observer.WaitFor], and the caller's context
// governs how long that suspension may last.
package watch

import (
	"context"
	"sync"
)

// Cell holds a value of type T plus a version counter bumped on every
// accepted mutation. Zero value is not usable; use [NewCell].
type Cell[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	version uint64
	data    T
}

// NewCell creates a [*Cell] holding initial.
func NewCell[T any](initial T) *Cell[T] {
	c := &Cell[T]{version: 1, data: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Peek applies f to the current value under the cell's lock.
func (c *Cell[T]) Peek(f func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c.data)
}

// PeekMut applies f to a pointer to the current value without bumping the
// version or waking observers. Use [Cell.SendModify] when the mutation
// should be visible to observers.
func (c *Cell[T]) PeekMut(f func(*T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.data)
}

// Read returns a copy of the current value.
func (c *Cell[T]) Read() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// SendIfModified runs f against the value under lock; if f reports true,
// the version is bumped and all waiters are woken. Returns what f returned.
func (c *Cell[T]) SendIfModified(f func(*T) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := f(&c.data)
	if changed {
		c.version++
		c.cond.Broadcast()
	}
	return changed
}

// SendModify runs f against the value under lock, unconditionally bumps the
// version, and wakes all waiters.
func (c *Cell[T]) SendModify(f func(*T)) {
	c.SendIfModified(func(t *T) bool {
		f(t)
		return true
	})
}

// Send replaces the value unconditionally and wakes observers.
func (c *Cell[T]) Send(value T) {
	c.SendModify(func(t *T) { *t = value })
}

// MarkChanged bumps the version and wakes observers without altering data,
// for components whose desired-state is derived from more than the cell's
// own contents (e.g. a gateway snapshot whose meaning depends on a filter
// that lives elsewhere).
func (c *Cell[T]) MarkChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.cond.Broadcast()
}

// Subscribe returns an [*Observer] whose remembered version is the cell's
// current version, i.e. it will not see the present value as "changed"
// until the next mutation.
func (c *Cell[T]) Subscribe() *Observer[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Observer[T]{cell: c, version: c.version}
}

// Observer tracks a single consumer's last-seen version of a [Cell].
type Observer[T any] struct {
	cell    *Cell[T]
	version uint64
}

// CloneUnseen returns an observer over the same cell whose remembered
// version is reset, so the next [Observer.Changed] returns immediately
// with the cell's current value treated as new.
func (o *Observer[T]) CloneUnseen() *Observer[T] {
	return &Observer[T]{cell: o.cell, version: 0}
}

// MarkSeen resets the observer's remembered version to the cell's current
// version without invoking Changed, so future changes are observed but the
// present value is not replayed.
func (o *Observer[T]) MarkSeen() {
	o.cell.mu.Lock()
	defer o.cell.mu.Unlock()
	o.version = o.cell.version
}

// Peek reads the underlying cell's current value without consulting or
// updating the observer's remembered version.
func (o *Observer[T]) Peek(f func(T)) {
	o.cell.Peek(f)
}

// Read returns a copy of the underlying cell's current value.
func (o *Observer[T]) Read() T {
	return o.cell.Read()
}

// Changed blocks until the cell's version differs from the observer's
// remembered version, then catches the observer up and returns nil. It
// returns ctx.Err() if ctx is done first.
//
// Changed spawns one goroutine per call to translate the condition
// variable's blocking Wait into something ctx-cancellable; the goroutine
// exits as soon as either the predicate is satisfied or ctx is done.
func (o *Observer[T]) Changed(ctx context.Context) error {
	cell := o.cell
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		cell.mu.Lock()
		defer cell.mu.Unlock()
		cell.cond.Broadcast()
		close(done)
	})
	defer stop()

	cell.mu.Lock()
	defer cell.mu.Unlock()
	for cell.version == o.version {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cell.cond.Wait()
		select {
		case <-done:
			if ctx.Err() != nil {
				return ctx.Err()
			}
		default:
		}
	}
	o.version = cell.version
	return nil
}

// WaitFor blocks, re-evaluating pred against the cell's current value,
// until pred returns true, returning nil once it does. It returns
// ctx.Err() if ctx is done first. On return the observer has seen the
// satisfying value (its remembered version is caught up to it).
func (o *Observer[T]) WaitFor(ctx context.Context, pred func(T) bool) error {
	for {
		var ok bool
		o.cell.Peek(func(v T) { ok = pred(v) })
		if ok {
			o.MarkSeen()
			return nil
		}
		if err := o.Changed(ctx); err != nil {
			return err
		}
	}
}
