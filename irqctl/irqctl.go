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

/*
Package irqctl implements IRQ control on behalf of interrupt “owners”, such as
device drivers, on top of an irqhooks.Dispatcher. Where the dispatcher treats
bad arguments as fatal programming errors, irqctl is the boundary where
requests from less trusted owners get checked and refused with errors.

The hooks live in a fixed pool of slots. Owners get permission for a set of IRQ
lines and then set a policy on one of them, receiving the slot number of the
hook in return. When the line fires, the owner gets notified: the notify ID it
passed when setting the policy gets set in its pending bitmap, and [Owner.Wait]
returns. Unless the policy says [Reenable], the hook then stays busy, keeping
its line masked, until the owner has serviced its device and calls
[Table.Enable].
*/
package irqctl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/thediveo/irqhooks"
)

// Errors returned by Table operations, wrapped with further details.
var (
	ErrInvalid    = errors.New("invalid argument")
	ErrPermission = errors.New("operation not permitted")
	ErrNoSpace    = errors.New("no space left")
	ErrOwnerGone  = errors.New("owner gone")
)

const (
	// DefaultHooks is the default number of hook slots.
	DefaultHooks = 16
	// DefaultMaxOwnerIRQs is the default maximum number of IRQ lines an owner
	// can get permission for.
	DefaultMaxOwnerIRQs = 16
	// MaxNotifyID is the largest notify ID an owner can ask for.
	MaxNotifyID = 63
)

// Endpoint identifies an owner.
type Endpoint int

// Policy controls how a hook behaves when its line fires.
type Policy uint8

// Reenable re-arms the hook as soon as its owner has been notified, instead of
// waiting for the owner to explicitly enable it.
const Reenable Policy = 1 << 0

// Table manages the hook slots and owners for a Dispatcher. Use [New] to
// create a Table.
type Table struct {
	d       *irqhooks.Dispatcher
	log     logr.Logger
	maxIRQs int

	mu     sync.Mutex
	slots  []slot
	owners map[Endpoint]*Owner
}

// slot is a pool hook together with its owner's claim, if any.
type slot struct {
	hook     irqhooks.Hook
	owner    *Owner // nil if free
	notifyID uint
	policy   Policy
}

// Option configures a Table when creating it with [New].
type Option func(*Table)

// WithHooks sets the number of hook slots.
func WithHooks(n int) Option {
	return func(t *Table) { t.slots = make([]slot, n) }
}

// WithMaxOwnerIRQs sets the maximum number of IRQ lines per owner.
func WithMaxOwnerIRQs(n int) Option {
	return func(t *Table) { t.maxIRQs = n }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(t *Table) { t.log = l }
}

// New returns a new Table registering its hooks with the specified
// dispatcher.
func New(d *irqhooks.Dispatcher, opts ...Option) *Table {
	t := &Table{
		d:       d,
		log:     logr.Discard(),
		maxIRQs: DefaultMaxOwnerIRQs,
		slots:   make([]slot, DefaultHooks),
		owners:  map[Endpoint]*Owner{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddOwner adds a new owner with permission for the specified IRQ lines. The
// name is used as the name of the owner's hooks.
func (t *Table) AddOwner(ep Endpoint, name string, irqs ...int) (*Owner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.owners[ep]; ok {
		return nil, fmt.Errorf("irqctl: owner %d already exists: %w", ep, ErrInvalid)
	}
	o := &Owner{
		ep:     ep,
		name:   name,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, irq := range irqs {
		if err := t.permit(o, irq); err != nil {
			return nil, err
		}
	}
	t.owners[ep] = o
	t.log.V(1).Info("added owner", "endpoint", ep, "name", name, "irqs", o.irqs)
	return o, nil
}

// PermitIRQ gives an existing owner permission for another IRQ line.
func (t *Table) PermitIRQ(ep Endpoint, irq int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.owners[ep]
	if !ok {
		return fmt.Errorf("irqctl: no owner %d: %w", ep, ErrInvalid)
	}
	return t.permit(o, irq)
}

// permit adds the IRQ to the owner's permitted lines. Must be called with t.mu
// held.
func (t *Table) permit(o *Owner, irq int) error {
	if irq < 0 || irq >= t.d.NumLines() {
		return fmt.Errorf("irqctl: IRQ %d: %w", irq, ErrInvalid)
	}
	if slices.Contains(o.irqs, irq) {
		return nil
	}
	if len(o.irqs) >= t.maxIRQs {
		return fmt.Errorf("irqctl: owner %d already has %d IRQs: %w",
			o.ep, len(o.irqs), ErrNoSpace)
	}
	o.irqs = append(o.irqs, irq)
	return nil
}

// Owner returns the owner with the specified endpoint, if any.
func (t *Table) Owner(ep Endpoint) (*Owner, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.owners[ep]
	return o, ok
}

// RemoveOwner removes all policies of the owner and then the owner itself.
// Waiting on the owner afterwards fails with [ErrOwnerGone].
func (t *Table) RemoveOwner(ep Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.owners[ep]
	if !ok {
		return fmt.Errorf("irqctl: no owner %d: %w", ep, ErrInvalid)
	}
	o.gone.Store(true)
	for idx := range t.slots {
		if t.slots[idx].owner == o {
			t.release(idx)
		}
	}
	delete(t.owners, ep)
	close(o.done)
	t.log.V(1).Info("removed owner", "endpoint", ep)
	return nil
}

// SetPolicy registers a hook for the owner on the IRQ line, returning the hook
// slot. When the line fires, notifyID gets set in the owner's pending bitmap.
// If the owner already holds a slot with the same notify ID, that slot gets
// reused, dropping its previous policy.
func (t *Table) SetPolicy(ep Endpoint, irq int, policy Policy, notifyID uint) (int, error) {
	if irq < 0 || irq >= t.d.NumLines() {
		return -1, fmt.Errorf("irqctl: IRQ %d: %w", irq, ErrInvalid)
	}
	if notifyID > MaxNotifyID {
		return -1, fmt.Errorf("irqctl: notify ID %d: %w", notifyID, ErrInvalid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.owners[ep]
	if !ok {
		return -1, fmt.Errorf("irqctl: no owner %d: %w", ep, ErrPermission)
	}
	if !slices.Contains(o.irqs, irq) {
		return -1, fmt.Errorf("irqctl: owner %d, IRQ %d: %w", ep, irq, ErrPermission)
	}

	free := -1
	reuse := false
	for idx := range t.slots {
		s := &t.slots[idx]
		if s.owner == o && s.notifyID == notifyID {
			free = idx
			reuse = true
			break
		}
		if s.owner == nil && free < 0 {
			free = idx
		}
	}
	if free < 0 {
		return -1, fmt.Errorf("irqctl: owner %d, IRQ %d: %w", ep, irq, ErrNoSpace)
	}
	s := &t.slots[free]
	hooks := t.d.HookCount(irq)
	if reuse && s.hook.IRQ() == irq {
		hooks--
	}
	if hooks >= irqhooks.IDBits {
		return -1, fmt.Errorf("irqctl: IRQ %d already has %d hooks: %w", irq, hooks, ErrNoSpace)
	}
	if reuse {
		t.d.Unregister(&s.hook)
	}

	s.owner = o
	s.notifyID = notifyID
	s.policy = policy
	s.hook.Name = o.name
	t.d.Register(&s.hook, irq, notifier(o, notifyID, policy))
	t.log.V(1).Info("set policy",
		"endpoint", ep, "irq", irq, "slot", free, "notifyid", notifyID, "policy", policy)
	return free, nil
}

// RmPolicy removes the policy in the slot.
func (t *Table) RmPolicy(ep Endpoint, slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.owned(ep, slot); err != nil {
		return err
	}
	t.release(slot)
	t.log.V(1).Info("removed policy", "endpoint", ep, "slot", slot)
	return nil
}

// Enable re-arms the hook in the slot.
func (t *Table) Enable(ep Endpoint, slot int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.owned(ep, slot)
	if err != nil {
		return err
	}
	t.d.Enable(&s.hook)
	return nil
}

// Disable marks the hook in the slot as busy, masking its line. It returns
// true if the hook wasn't busy before.
func (t *Table) Disable(ep Endpoint, slot int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.owned(ep, slot)
	if err != nil {
		return false, err
	}
	return t.d.Disable(&s.hook), nil
}

// Hook returns the hook in the slot, or nil if the slot is invalid or free.
func (t *Table) Hook(slot int) *irqhooks.Hook {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.slots) || t.slots[slot].owner == nil {
		return nil
	}
	return &t.slots[slot].hook
}

// owned returns the slot if it is in use by the specified owner. Must be
// called with t.mu held.
func (t *Table) owned(ep Endpoint, slot int) (*slot, error) {
	if slot < 0 || slot >= len(t.slots) || t.slots[slot].owner == nil {
		return nil, fmt.Errorf("irqctl: slot %d: %w", slot, ErrInvalid)
	}
	s := &t.slots[slot]
	if s.owner.ep != ep {
		return nil, fmt.Errorf("irqctl: slot %d not owned by %d: %w", slot, ep, ErrPermission)
	}
	return s, nil
}

// release unregisters the slot's hook and frees the slot. Must be called with
// t.mu held.
func (t *Table) release(idx int) {
	s := &t.slots[idx]
	t.d.Unregister(&s.hook)
	s.owner = nil
	s.notifyID = 0
	s.policy = 0
}

// notifier returns the handler for a slot's hook. The handler captures the
// owner's claim, so it never needs to consult the table while dispatching.
func notifier(o *Owner, notifyID uint, policy Policy) irqhooks.Handler {
	bit := uint64(1) << notifyID
	return func(*irqhooks.Hook) bool {
		if o.gone.Load() {
			return false
		}
		o.pending.Or(bit)
		select {
		case o.signal <- struct{}{}:
		default:
		}
		return policy&Reenable != 0
	}
}

// Owner is an interrupt owner, such as a device driver.
type Owner struct {
	ep   Endpoint
	name string
	irqs []int // guarded by Table.mu

	pending atomic.Uint64
	signal  chan struct{}
	done    chan struct{}
	gone    atomic.Bool
}

// Endpoint returns the owner's endpoint.
func (o *Owner) Endpoint() Endpoint { return o.ep }

// Name returns the owner's name.
func (o *Owner) Name() string { return o.name }

// Pending returns the bitmap of notify IDs with pending notifications, without
// clearing it.
func (o *Owner) Pending() uint64 { return o.pending.Load() }

// Take returns and clears the bitmap of pending notify IDs, without waiting.
func (o *Owner) Take() uint64 { return o.pending.Swap(0) }

// Notified returns a channel that receives after new notifications have become
// pending. A single receive might stand for several notifications, and
// notifications might have already been taken in the meantime.
func (o *Owner) Notified() <-chan struct{} { return o.signal }

// Done returns a channel that is closed when the owner gets removed.
func (o *Owner) Done() <-chan struct{} { return o.done }

// Wait waits for notifications to become pending, then returns and clears the
// bitmap of pending notify IDs. Wait fails with the context's error when the
// context is done, and with [ErrOwnerGone] when the owner gets removed while
// no notifications are pending.
func (o *Owner) Wait(ctx context.Context) (uint64, error) {
	for {
		if pending := o.Take(); pending != 0 {
			return pending, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-o.done:
			if pending := o.Take(); pending != 0 {
				return pending, nil
			}
			return 0, ErrOwnerGone
		case <-o.signal:
		}
	}
}
