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
	"bufio"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
)

// chipName is the “IRQ chip” shown in the output of WriteInterrupts.
const chipName = "irqhooks"

// LineStat describes the state of a single IRQ line at the time it was taken.
type LineStat struct {
	IRQ        int      // IRQ line number
	Dispatched uint64   // number of non-spurious interrupts dispatched
	Spurious   uint64   // number of spurious interrupts
	Active     ID       // bitmap of busy hooks
	Hooks      []string // names of the registered hooks, oldest first
}

// Total returns the number of all interrupts seen on this line, spurious or
// not.
func (s LineStat) Total() uint64 { return s.Dispatched + s.Spurious }

// Lines returns an iterator over the statistics of all lines that either have
// hooks registered or have seen interrupts, in ascending line number order.
func (d *Dispatcher) Lines() iter.Seq[LineStat] {
	return func(yield func(LineStat) bool) {
		for irq := range d.lines {
			stat, ok := d.lineStat(irq)
			if !ok {
				continue
			}
			if !yield(stat) {
				return
			}
		}
	}
}

// lineStat returns the statistics for the specified line, and false if the
// line has neither hooks nor seen any interrupts.
func (d *Dispatcher) lineStat(irq int) (LineStat, bool) {
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()
	stat := LineStat{
		IRQ:        irq,
		Dispatched: l.dispatched.Load(),
		Spurious:   l.spurious,
		Active:     ID(l.actids.Load()),
	}
	if len(l.hooks) == 0 && stat.Total() == 0 {
		return stat, false
	}
	stat.Hooks = make([]string, len(l.hooks))
	for idx, e := range l.hooks {
		stat.Hooks[len(l.hooks)-1-idx] = e.hook.Name
	}
	return stat, true
}

// ActiveIDs returns the bitmap of busy hooks on the specified line.
func (d *Dispatcher) ActiveIDs(irq int) ID {
	d.checkIRQ("active", irq)
	return ID(d.lines[irq].actids.Load())
}

// Spurious returns the number of spurious interrupts seen on the specified
// line.
func (d *Dispatcher) Spurious(irq int) uint64 {
	d.checkIRQ("spurious", irq)
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spurious
}

// HookCount returns the number of hooks registered on the specified line.
func (d *Dispatcher) HookCount(irq int) int {
	d.checkIRQ("hookcount", irq)
	l := &d.lines[irq]
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hooks)
}

// WriteInterrupts writes the line statistics to w in “/proc/interrupts”
// format, with a single CPU column “CPU0”. Only lines with hooks or interrupts
// are written.
func (d *Dispatcher) WriteInterrupts(w io.Writer) error {
	prec := len(strconv.Itoa(len(d.lines) - 1))
	if prec < 3 {
		prec = 3
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%*s%-8s\n", prec+2, "", "CPU0")
	for stat := range d.Lines() {
		fmt.Fprintf(bw, "%*d: %10d %8s", prec, stat.IRQ, stat.Total(), chipName)
		if len(stat.Hooks) != 0 {
			bw.WriteString("  ")
			bw.WriteString(strings.Join(stat.Hooks, ", "))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
