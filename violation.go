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

import "fmt"

// Violation describes a fatal invariant violation, such as an out-of-range IRQ
// line or an exhausted ID bitmap. A Dispatcher panics with a *Violation.
type Violation struct {
	Op      string // operation that detected the violation
	IRQ     int    // offending IRQ line number
	Message string
}

// Error returns a textual description of the violation.
func (v *Violation) Error() string {
	return fmt.Sprintf("irqhooks: %s: IRQ %d: %s", v.Op, v.IRQ, v.Message)
}

// violation reports the violation to the fatal reporter, if any, and then
// panics. It never returns.
func (d *Dispatcher) violation(op string, irq int, msg string) {
	v := &Violation{Op: op, IRQ: irq, Message: msg}
	if d.fatal != nil {
		d.fatal(v)
	}
	panic(v)
}

// checkIRQ panics with a violation if irq is not a valid line number.
func (d *Dispatcher) checkIRQ(op string, irq int) {
	if irq < 0 || irq >= len(d.lines) {
		d.violation(op, irq, fmt.Sprintf("invalid IRQ line, valid range is [0, %d)", len(d.lines)))
	}
}
