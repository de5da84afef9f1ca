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

package replay

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/thediveo/irqhooks"
	"github.com/thediveo/irqhooks/hostirq"
	"github.com/thediveo/irqhooks/irqctl"
	"github.com/thediveo/irqhooks/pic"
)

// ErrClosed is returned when using a Machine after it has been closed.
var ErrClosed = errors.New("replay: machine closed")

// settlePoll bounds how long Settle waits for a driver to report back before
// checking again.
const settlePoll = 10 * time.Millisecond

// raiseChunk is the number of edges Replay raises before checking its context.
const raiseChunk = 1024

// Machine wires a simulated PIC, a Dispatcher driving it, and an IRQ control
// table on top, with a driver goroutine per attached action.
type Machine struct {
	log    logr.Logger
	pic    *pic.PIC
	d      *irqhooks.Dispatcher
	table  *irqctl.Table
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex // serializes delivering interrupts and attaching
	drivers  []*driver
	nextEP   irqctl.Endpoint
	closed   bool
	serviced chan struct{}
}

// driver services the notifications of a single owner.
type driver struct {
	m      *Machine
	owner  *irqctl.Owner
	slot   int
	irq    int
	policy irqctl.Policy

	busy     atomic.Bool
	serviced atomic.Uint64
}

type options struct {
	log   logr.Logger
	hooks int
}

// Option configures a Machine when creating it with [New].
type Option func(*options)

// WithLogger sets the logger passed on to all parts of the machine.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHooks sets the number of hooks, and thus the maximum number of actions,
// the machine can attach.
func WithHooks(n int) Option {
	return func(o *options) { o.hooks = n }
}

// New returns a new Machine with the specified number of IRQ lines.
func New(lines int, opts ...Option) (*Machine, error) {
	o := options{
		log:   logr.Discard(),
		hooks: irqctl.DefaultHooks,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if lines < 1 {
		return nil, fmt.Errorf("replay: number of IRQ lines must be positive, got %d", lines)
	}
	if o.hooks < 0 {
		return nil, fmt.Errorf("replay: number of hooks must not be negative, got %d", o.hooks)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		log:      o.log,
		pic:      pic.New(lines),
		ctx:      ctx,
		cancel:   cancel,
		nextEP:   1,
		serviced: make(chan struct{}, 1),
	}
	m.pic.SetRecording(false)
	m.d = irqhooks.New(
		irqhooks.WithLines(lines),
		irqhooks.WithController(m.pic),
		irqhooks.WithLogger(o.log))
	m.table = irqctl.New(m.d,
		irqctl.WithHooks(o.hooks),
		irqctl.WithMaxOwnerIRQs(1),
		irqctl.WithLogger(o.log))
	return m, nil
}

// Table returns the dispatch table of the machine.
func (m *Machine) Table() *irqhooks.Dispatcher { return m.d }

// PIC returns the simulated interrupt controller of the machine. As
// [Machine.Raise] hands edges on unused lines directly to the dispatch table,
// the PIC's statistics only cover lines in use.
func (m *Machine) PIC() *pic.PIC { return m.pic }

// Attach attaches a driver for each action to the IRQ line, setting the
// specified policy. Attaching no actions leaves the line without hooks, so all
// interrupts raised on it will be spurious.
func (m *Machine) Attach(irq int, actions []string, policy irqctl.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, action := range actions {
		ep := m.nextEP
		owner, err := m.table.AddOwner(ep, action, irq)
		if err != nil {
			return err
		}
		slot, err := m.table.SetPolicy(ep, irq, policy, 0)
		if err != nil {
			_ = m.table.RemoveOwner(ep)
			return err
		}
		m.nextEP++
		drv := &driver{
			m:      m,
			owner:  owner,
			slot:   slot,
			irq:    irq,
			policy: policy,
		}
		m.drivers = append(m.drivers, drv)
		m.wg.Add(1)
		go drv.run(m.ctx)
		m.log.V(1).Info("attached driver", "irq", irq, "action", action, "slot", slot)
	}
	return nil
}

// Raise raises n interrupt edges on the IRQ line, delivering whatever becomes
// deliverable after each edge. Edges raised while the line is masked or still
// in service coalesce, as they do with real controllers. A line nobody uses
// receives its edges as stray interrupts, bypassing the controller, so they
// don't count in the PIC's statistics.
func (m *Machine) Raise(irq int, n uint64) error {
	if irq < 0 || irq >= m.pic.NumLines() {
		return fmt.Errorf("replay: invalid IRQ line %d, valid range is [0, %d)",
			irq, m.pic.NumLines())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for range n {
		if !m.pic.InUse(irq) {
			m.d.Dispatch(irq)
			continue
		}
		m.pic.Raise(irq)
		m.pump()
	}
	return nil
}

// Replay raises the interrupts of the deltas, in order. It stops early when
// the context is done.
func (m *Machine) Replay(ctx context.Context, deltas []hostirq.Delta) error {
	for _, delta := range deltas {
		for count := delta.Count; count > 0; {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(count, raiseChunk)
			if err := m.Raise(int(delta.Num), n); err != nil {
				return err
			}
			count -= n
		}
	}
	return nil
}

// Settle waits until the drivers have serviced all notifications and no more
// interrupts are deliverable.
func (m *Machine) Settle(ctx context.Context) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		// Drivers only re-enable lines while busy, so after seeing them idle
		// there is no more unmasking before the next delivery.
		idle := m.idle()
		delivered := m.pump()
		m.mu.Unlock()
		if idle && delivered == 0 {
			return nil
		}
		if delivered != 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.serviced:
		case <-ticker.C:
		}
	}
}

// Serviced returns the number of notifications serviced by all drivers so
// far.
func (m *Machine) Serviced() (total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, drv := range m.drivers {
		total += drv.serviced.Load()
	}
	return total
}

// Close stops all drivers and removes their hooks. Closing an already closed
// Machine is a no-op.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	for _, drv := range m.drivers {
		_ = m.table.RemoveOwner(drv.owner.Endpoint())
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// pump dispatches deliverable lines until there are none left, returning the
// number of interrupts dispatched. Must be called with m.mu held.
func (m *Machine) pump() (delivered int) {
	for {
		irqs := m.pic.Deliverable()
		if len(irqs) == 0 {
			return delivered
		}
		for _, irq := range irqs {
			m.d.Dispatch(irq)
		}
		delivered += len(irqs)
	}
}

// idle returns true if no driver has pending notifications or is servicing
// them. Must be called with m.mu held.
func (m *Machine) idle() bool {
	for _, drv := range m.drivers {
		// pending first: a driver marks itself busy before taking its
		// pending notifications.
		if drv.owner.Pending() != 0 || drv.busy.Load() {
			return false
		}
	}
	return true
}

func (drv *driver) run(ctx context.Context) {
	defer drv.m.wg.Done()
	for {
		drv.busy.Store(true)
		if pending := drv.owner.Take(); pending != 0 {
			drv.service(pending)
			drv.busy.Store(false)
			select {
			case drv.m.serviced <- struct{}{}:
			default:
			}
			continue
		}
		drv.busy.Store(false)
		select {
		case <-ctx.Done():
			return
		case <-drv.owner.Done():
			return
		case <-drv.owner.Notified():
		}
	}
}

// service services the device for the pending notifications and re-arms the
// hook unless its policy already did.
func (drv *driver) service(pending uint64) {
	drv.serviced.Add(uint64(bits.OnesCount64(pending)))
	if drv.policy&irqctl.Reenable != 0 {
		return
	}
	if err := drv.m.table.Enable(drv.owner.Endpoint(), drv.slot); err != nil {
		// the owner is being removed while closing the machine.
		drv.m.log.V(1).Info("cannot re-enable", "irq", drv.irq, "error", err.Error())
	}
}
