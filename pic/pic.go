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
Package pic simulates a programmable interrupt controller that an
irqhooks.Dispatcher can drive. Per line, the PIC keeps the usual registers:

  - IMR, the interrupt mask register: a masked line doesn't get delivered.
    All lines start out masked.
  - IRR, the interrupt request register: a raised line stays requested until
    it gets delivered. Raising an already requested line coalesces, as edges
    do.
  - ISR, the in-service register: a delivered line stays in service until
    acknowledged, and isn't delivered again until then.

In addition, the PIC records all calls made to it by its user, so that tests
can check exactly which controller operations happened in which order.
*/
package pic

import (
	"fmt"
	"slices"
	"sync"
)

// Op is a controller operation, as recorded by a PIC.
type Op uint8

// The controller operations.
const (
	OpMask Op = iota
	OpUnmask
	OpUsed
	OpNotUsed
	OpAck
)

var opNames = [...]string{
	OpMask:    "mask",
	OpUnmask:  "unmask",
	OpUsed:    "used",
	OpNotUsed: "notused",
	OpAck:     "ack",
}

// String returns the name of the operation.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", o)
}

// Call is a single recorded controller operation on a line.
type Call struct {
	Op  Op
	IRQ int
}

// PIC is a simulated interrupt controller. Use [New] to create one.
type PIC struct {
	mu       sync.Mutex
	regs     []lineRegs
	calls    []Call
	norecord bool
}

type lineRegs struct {
	masked bool // IMR
	used   bool
	irr    bool
	isr    bool

	raised    uint64
	coalesced uint64
	delivered uint64
}

// New returns a PIC with the specified number of lines, all masked.
func New(lines int) *PIC {
	p := &PIC{regs: make([]lineRegs, lines)}
	for idx := range p.regs {
		p.regs[idx].masked = true
	}
	return p
}

// NumLines returns the number of lines of this PIC.
func (p *PIC) NumLines() int { return len(p.regs) }

// line returns the registers of the specified line, panicking if the line
// number is out of range. Must be called with p.mu held.
func (p *PIC) line(irq int) *lineRegs {
	if irq < 0 || irq >= len(p.regs) {
		panic(fmt.Sprintf("pic: invalid IRQ line %d, valid range is [0, %d)", irq, len(p.regs)))
	}
	return &p.regs[irq]
}

// record records a controller operation and returns the affected line's
// registers. Must be called with p.mu held.
func (p *PIC) record(op Op, irq int) *lineRegs {
	regs := p.line(irq)
	if !p.norecord {
		p.calls = append(p.calls, Call{Op: op, IRQ: irq})
	}
	return regs
}

// Mask masks the line.
func (p *PIC) Mask(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(OpMask, irq).masked = true
}

// Unmask unmasks the line.
func (p *PIC) Unmask(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(OpUnmask, irq).masked = false
}

// Used marks the line as used. This (re)programs the line, dropping any stale
// in-service state left behind by unacknowledged interrupts.
func (p *PIC) Used(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	regs := p.record(OpUsed, irq)
	regs.used = true
	regs.isr = false
}

// NotUsed marks the line as unused.
func (p *PIC) NotUsed(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(OpNotUsed, irq).used = false
}

// Ack signals end of interrupt, taking the line out of service.
func (p *PIC) Ack(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(OpAck, irq).isr = false
}

// Raise requests an interrupt on the line. It returns false if the line was
// already requested and the request thus coalesced with the pending one.
func (p *PIC) Raise(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	regs := p.line(irq)
	regs.raised++
	if regs.irr {
		regs.coalesced++
		return false
	}
	regs.irr = true
	return true
}

// Deliverable returns the lines that are requested, unmasked and not in
// service, in ascending order, moving them from requested to in service.
func (p *PIC) Deliverable() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var irqs []int
	for irq := range p.regs {
		regs := &p.regs[irq]
		if !regs.irr || regs.masked || regs.isr {
			continue
		}
		regs.irr = false
		regs.isr = true
		regs.delivered++
		irqs = append(irqs, irq)
	}
	return irqs
}

// Masked returns true if the line is masked.
func (p *PIC) Masked(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.line(irq).masked
}

// InUse returns true if the line is marked as used.
func (p *PIC) InUse(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.line(irq).used
}

// Requested returns true if an interrupt request is pending on the line.
func (p *PIC) Requested(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.line(irq).irr
}

// InService returns true if the line has been delivered but not yet
// acknowledged.
func (p *PIC) InService(irq int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.line(irq).isr
}

// Stats returns how many interrupts were raised on the line, how many of them
// coalesced with an already pending request, and how many got delivered. Only
// interrupts raised through [PIC.Raise] are counted; interrupts that a user
// dispatches directly, bypassing the PIC, don't show up here.
func (p *PIC) Stats(irq int) (raised, coalesced, delivered uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	regs := p.line(irq)
	return regs.raised, regs.coalesced, regs.delivered
}

// Calls returns a copy of the recorded controller operations, oldest first.
func (p *PIC) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// Count returns how often the specified operation was recorded for the line.
func (p *PIC) Count(op Op, irq int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.calls {
		if call.Op == op && call.IRQ == irq {
			n++
		}
	}
	return n
}

// SetRecording switches recording controller operations on or off; it is on
// for a new PIC.
func (p *PIC) SetRecording(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.norecord = !on
}

// Reset forgets the recorded controller operations, leaving the line
// registers untouched.
func (p *PIC) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
