// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package irqhooks

import (
	"fmt"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Dispatcher is a table of IRQ lines with their registered hooks. Use [New] to
// create a Dispatcher.
type Dispatcher struct {
	lines []line
	ctrl  Controller
	log   logr.Logger
	fatal func(*Violation)
}

// line is the per-IRQ state. The hook list is copy-on-write: it is replaced as
// a whole under mu, so that a dispatch can walk the list it picked up without
// holding mu.
type line struct {
	mu     sync.Mutex
	hooks  []entry // most recently registered first
	actids atomic.Uint64

	dispatched atomic.Uint64
	spurious   uint64 // guarded by mu
	interval   uint64 // spurious report interval, guarded by mu
}

// entry is an immutable snapshot of a registered hook, so that dispatching
// only reads hook fields under the line's lock.
type entry struct {
	hook    *Hook
	id      ID
	handler Handler
}

// registered returns true if the entry's hook is still registered on the line
// with the same ID. Must be called with l.mu held.
func (e entry) registered(l *line) bool {
	return e.hook.line == l && e.hook.id == e.id
}

// New returns a new Dispatcher, configured using the specified options. By
// default, the dispatcher has [DefaultLines] lines, drives a [NopController],
// and discards log output.
func New(opts ...Option) *Dispatcher {
	o := options{
		lines: DefaultLines,
		ctrl:  NopController{},
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	d := &Dispatcher{
		ctrl:  o.ctrl,
		log:   o.log,
		fatal: o.fatal,
	}
	if o.lines < 1 {
		d.violation("new", o.lines, "number of IRQ lines must be positive")
	}
	d.lines = make([]line, o.lines)
	for idx := range d.lines {
		d.lines[idx].interval = initialReportInterval
	}
	return d
}

// NumLines returns the number of IRQ lines of this dispatcher.
func (d *Dispatcher) NumLines() int { return len(d.lines) }

// Register registers the hook on the specified IRQ line, with the handler to
// be called when the line fires. Registering a hook again on the same line is
// a no-op. Registering the first hook on a line notifies the controller that
// the line is now used and unmasks it.
//
// Register panics with a [*Violation] if irq is out of range, if the handler
// is nil, if the hook is registered on a different line, or if the line
// already has [IDBits] hooks.
func (d *Dispatcher) Register(hook *Hook, irq int, handler Handler) {
	d.checkIRQ("register", irq)
	if handler == nil {
		d.violation("register", irq, "nil handler")
	}
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()

	var inuse uint64
	for _, e := range l.hooks {
		if e.hook == hook {
			return
		}
		inuse |= uint64(e.id)
	}
	if hook.line != nil {
		d.violation("register", irq,
			fmt.Sprintf("hook %q already registered on IRQ %d", hook.Name, hook.irq))
	}
	if inuse == ^uint64(0) {
		d.violation("register", irq, fmt.Sprintf("too many handlers, maximum is %d", IDBits))
	}
	id := ID(1) << bits.TrailingZeros64(^inuse)

	hook.irq = irq
	hook.id = id
	hook.handler = handler
	hook.line = l
	hooks := make([]entry, 0, len(l.hooks)+1)
	hooks = append(hooks, entry{hook: hook, id: id, handler: handler})
	l.hooks = append(hooks, l.hooks...)

	active := l.actids.And(^uint64(id)) &^ uint64(id)
	if len(l.hooks) == 1 {
		d.ctrl.Used(irq)
		if active == 0 {
			d.ctrl.Unmask(irq)
		}
	}
	d.log.V(1).Info("registered hook", "irq", irq, "id", id, "name", hook.Name)
}

// Unregister removes the hook from its IRQ line. If the line is left without
// any hooks it is masked and the controller notified that the line isn't used
// anymore; otherwise, the line is unmasked if no other hook is busy. Removing a
// hook that isn't registered is a no-op.
//
// Unregister panics with a [*Violation] if the hook's IRQ line is out of range.
func (d *Dispatcher) Unregister(hook *Hook) {
	irq := hook.irq
	d.checkIRQ("unregister", irq)
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.hooks, func(e entry) bool { return e.hook == hook })
	if idx < 0 {
		return
	}
	id := l.hooks[idx].id
	hooks := make([]entry, 0, len(l.hooks)-1)
	hooks = append(hooks, l.hooks[:idx]...)
	l.hooks = append(hooks, l.hooks[idx+1:]...)
	hook.id = 0
	hook.line = nil

	active := l.actids.And(^uint64(id)) &^ uint64(id)
	switch {
	case len(l.hooks) == 0:
		d.ctrl.Mask(irq)
		d.ctrl.NotUsed(irq)
	case active == 0:
		d.ctrl.Unmask(irq)
	}
	d.log.V(1).Info("unregistered hook", "irq", irq, "id", id, "name", hook.Name)
}

// Dispatch handles an interrupt on the specified IRQ line: it masks the line
// and then calls the handlers of all hooks registered on the line, skipping
// hooks that got unregistered in the meantime. Afterwards, it unmasks the line
// only if none of the hooks is busy anymore, and finally acknowledges the
// interrupt.
//
// An interrupt on a line without any hooks is spurious: it is counted and
// reported, and the line is left masked and unacknowledged.
//
// Dispatch panics with a [*Violation] if irq is out of range.
func (d *Dispatcher) Dispatch(irq int) {
	d.checkIRQ("dispatch", irq)
	l := &d.lines[irq]
	l.mu.Lock()
	d.ctrl.Mask(irq)
	hooks := l.hooks
	if len(hooks) == 0 {
		d.spurious(l, irq)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.dispatched.Add(1)
	for _, e := range hooks {
		// Earlier handlers might have unregistered this hook; then its ID
		// might already belong to a newly registered hook.
		bit := uint64(e.id)
		l.mu.Lock()
		if !e.registered(l) {
			l.mu.Unlock()
			continue
		}
		l.actids.Or(bit)
		l.mu.Unlock()
		if !e.handler(e.hook) {
			continue
		}
		l.mu.Lock()
		if e.registered(l) {
			l.actids.And(^bit)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.actids.Load() == 0 && len(l.hooks) != 0 {
		d.ctrl.Unmask(irq)
	}
	d.ctrl.Ack(irq)
}

// Enable marks the hook as no longer busy, unmasking its line if no other hook
// on the line is busy. Enabling a hook that isn't registered with this
// dispatcher is a no-op.
func (d *Dispatcher) Enable(hook *Hook) {
	irq := hook.irq
	d.checkIRQ("enable", irq)
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()
	if hook.line != l {
		return
	}
	id := uint64(hook.id)
	if l.actids.And(^id)&^id == 0 {
		d.ctrl.Unmask(irq)
	}
}

// Disable marks the hook as busy and masks its line. It returns true if the
// hook wasn't busy before, otherwise false; in the latter case nothing gets
// changed. Disabling a hook that isn't registered with this dispatcher returns
// false.
func (d *Dispatcher) Disable(hook *Hook) bool {
	irq := hook.irq
	d.checkIRQ("disable", irq)
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()
	if hook.line != l {
		return false
	}
	id := uint64(hook.id)
	if l.actids.Or(id)&id != 0 {
		return false
	}
	d.ctrl.Mask(irq)
	return true
}
