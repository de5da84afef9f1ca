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

// Controller is the interrupt controller a Dispatcher drives. Its methods must
// not block and must not call back into the Dispatcher, as they are called
// with the line's lock held.
type Controller interface {
	// Mask disables delivery of the line until unmasked; idempotent.
	Mask(irq int)
	// Unmask (re)enables delivery of the line; idempotent.
	Unmask(irq int)
	// Used informs the controller that the line now has a consumer.
	Used(irq int)
	// NotUsed informs the controller that the line has no consumers anymore.
	NotUsed(irq int)
	// Ack acknowledges the pending interrupt so that future edges on this
	// line get through.
	Ack(irq int)
}

// NopController is a Controller doing nothing.
type NopController struct{}

var _ Controller = (*NopController)(nil)

func (NopController) Mask(int)    {}
func (NopController) Unmask(int)  {}
func (NopController) Used(int)    {}
func (NopController) NotUsed(int) {}
func (NopController) Ack(int)     {}

// ControllerFuncs adapts a set of functions to the Controller interface; nil
// functions are skipped.
type ControllerFuncs struct {
	MaskFn    func(irq int)
	UnmaskFn  func(irq int)
	UsedFn    func(irq int)
	NotUsedFn func(irq int)
	AckFn     func(irq int)
}

var _ Controller = (*ControllerFuncs)(nil)

func (c ControllerFuncs) Mask(irq int)    { call(c.MaskFn, irq) }
func (c ControllerFuncs) Unmask(irq int)  { call(c.UnmaskFn, irq) }
func (c ControllerFuncs) Used(irq int)    { call(c.UsedFn, irq) }
func (c ControllerFuncs) NotUsed(irq int) { call(c.NotUsedFn, irq) }
func (c ControllerFuncs) Ack(irq int)     { call(c.AckFn, irq) }

func call(fn func(int), irq int) {
	if fn != nil {
		fn(irq)
	}
}
