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
	"sync"

	"github.com/go-logr/logr/funcr"
	"github.com/thediveo/irqhooks/pic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func returns(b bool) Handler { return func(*Hook) bool { return b } }

func picCall(op pic.Op, irq int) pic.Call { return pic.Call{Op: op, IRQ: irq} }

var _ = Describe("IRQ dispatcher", func() {

	var ctrl *pic.PIC
	var d *Dispatcher

	BeforeEach(func() {
		ctrl = pic.New(DefaultLines)
		d = New(WithController(ctrl), WithLogger(GinkgoLogr))
	})

	When("registering hooks", func() {

		It("unmasks a line on its first hook only", func() {
			var hookA, hookB Hook
			d.Register(&hookA, 5, returns(true))
			Expect(hookA.ID()).To(Equal(ID(1)))
			Expect(hookA.IRQ()).To(Equal(5))
			Expect(hookA.Registered()).To(BeTrue())
			Expect(ctrl.Calls()).To(HaveExactElements(
				picCall(pic.OpUsed, 5), picCall(pic.OpUnmask, 5)))
			Expect(ctrl.Masked(5)).To(BeFalse())

			ctrl.Reset()
			d.Register(&hookB, 5, returns(true))
			Expect(hookB.ID()).To(Equal(ID(2)))
			Expect(ctrl.Calls()).To(BeEmpty())
			Expect(d.HookCount(5)).To(Equal(2))
		})

		It("ignores registering the same hook again", func() {
			var hook Hook
			d.Register(&hook, 3, returns(true))
			ctrl.Reset()
			d.Register(&hook, 3, returns(false))
			Expect(hook.ID()).To(Equal(ID(1)))
			Expect(d.HookCount(3)).To(Equal(1))
			Expect(ctrl.Calls()).To(BeEmpty())
		})

		It("assigns distinct single-bit IDs", func() {
			hooks := make([]Hook, IDBits)
			var seen ID
			for idx := range hooks {
				d.Register(&hooks[idx], 7, returns(true))
				id := hooks[idx].ID()
				Expect(bits.OnesCount64(uint64(id))).To(Equal(1))
				Expect(seen & id).To(BeZero())
				seen |= id
			}
			Expect(seen).To(Equal(ID(^uint64(0))))

			var onetoomany Hook
			Expect(func() { d.Register(&onetoomany, 7, returns(true)) }).To(PanicWith(
				And(BeAssignableToTypeOf(&Violation{}),
					HaveField("Op", "register"),
					HaveField("IRQ", 7))))
			Expect(onetoomany.Registered()).To(BeFalse())
		})

		It("reuses IDs of unregistered hooks", func() {
			var hookA, hookB, hookC Hook
			d.Register(&hookA, 2, returns(true))
			d.Register(&hookB, 2, returns(true))
			d.Unregister(&hookA)
			Expect(hookA.ID()).To(BeZero())
			d.Register(&hookC, 2, returns(true))
			Expect(hookC.ID()).To(Equal(ID(1)))
		})

		It("refuses hooks registered elsewhere", func() {
			var hook Hook
			d.Register(&hook, 1, returns(true))
			Expect(func() { d.Register(&hook, 2, returns(true)) }).To(PanicWith(
				MatchError(ContainSubstring("already registered on IRQ 1"))))

			other := New()
			Expect(func() { other.Register(&hook, 1, returns(true)) }).To(Panic())
		})

		It("refuses nil handlers", func() {
			Expect(func() { d.Register(&Hook{}, 1, nil) }).To(PanicWith(
				MatchError(ContainSubstring("nil handler"))))
		})

	})

	When("unregistering hooks", func() {

		It("masks and releases a line left without hooks", func() {
			var hook Hook
			d.Register(&hook, 4, returns(true))
			ctrl.Reset()
			d.Unregister(&hook)
			Expect(hook.Registered()).To(BeFalse())
			Expect(ctrl.Calls()).To(HaveExactElements(
				picCall(pic.OpMask, 4), picCall(pic.OpNotUsed, 4)))
			Expect(ctrl.Masked(4)).To(BeTrue())
			Expect(ctrl.InUse(4)).To(BeFalse())
		})

		It("unmasks a shared line when the remaining hooks are idle", func() {
			var hookA, hookB Hook
			d.Register(&hookA, 9, returns(true))
			d.Register(&hookB, 9, returns(true))
			Expect(d.Disable(&hookA)).To(BeTrue())
			Expect(ctrl.Masked(9)).To(BeTrue())
			ctrl.Reset()
			d.Unregister(&hookA)
			Expect(ctrl.Calls()).To(HaveExactElements(picCall(pic.OpUnmask, 9)))
			Expect(d.ActiveIDs(9)).To(BeZero())
		})

		It("keeps a shared line masked while another hook is busy", func() {
			var hookA, hookB Hook
			d.Register(&hookA, 9, returns(true))
			d.Register(&hookB, 9, returns(true))
			Expect(d.Disable(&hookB)).To(BeTrue())
			ctrl.Reset()
			d.Unregister(&hookA)
			Expect(ctrl.Calls()).To(BeEmpty())
			Expect(ctrl.Masked(9)).To(BeTrue())
		})

		It("ignores hooks not registered", func() {
			var hook Hook
			d.Unregister(&hook)
			d.Register(&hook, 0, returns(true))
			d.Unregister(&hook)
			ctrl.Reset()
			d.Unregister(&hook)
			Expect(ctrl.Calls()).To(BeEmpty())
		})

	})

	When("dispatching", func() {

		DescribeTable("a single hook decides the line's mask state",
			func(serviced bool, masked bool) {
				var hook Hook
				called := 0
				d.Register(&hook, 6, func(h *Hook) bool {
					Expect(h).To(BeIdenticalTo(&hook))
					Expect(d.ActiveIDs(6)).To(Equal(h.ID()))
					called++
					return serviced
				})
				d.Dispatch(6)
				Expect(called).To(Equal(1))
				Expect(ctrl.Masked(6)).To(Equal(masked))
				Expect(ctrl.Count(pic.OpAck, 6)).To(Equal(1))
			},
			Entry("serviced", true, false),
			Entry("not yet serviced", false, true),
		)

		It("walks all hooks of a shared line and keeps it masked until enabled", func() {
			var hookA, hookB Hook
			calledA, calledB := 0, 0
			d.Register(&hookA, 5, func(*Hook) bool { calledA++; return false })
			d.Register(&hookB, 5, func(*Hook) bool { calledB++; return true })
			ctrl.Reset()

			d.Dispatch(5)
			Expect(calledA).To(Equal(1))
			Expect(calledB).To(Equal(1))
			Expect(d.ActiveIDs(5)).To(Equal(ID(0b01)))
			Expect(ctrl.Masked(5)).To(BeTrue())
			Expect(ctrl.Calls()).To(HaveExactElements(
				picCall(pic.OpMask, 5), picCall(pic.OpAck, 5)))

			ctrl.Reset()
			Expect(d.Disable(&hookA)).To(BeFalse())
			Expect(ctrl.Calls()).To(BeEmpty())

			d.Enable(&hookA)
			Expect(d.ActiveIDs(5)).To(BeZero())
			Expect(ctrl.Calls()).To(HaveExactElements(picCall(pic.OpUnmask, 5)))
			Expect(ctrl.Masked(5)).To(BeFalse())
		})

		It("lets handlers enable other hooks on the same line", func() {
			var hookA, hookB Hook
			d.Register(&hookA, 8, returns(false))
			d.Register(&hookB, 8, func(*Hook) bool {
				d.Enable(&hookA)
				return true
			})
			// hookB was registered last, so it runs first; hookA then leaves
			// its bit set.
			d.Dispatch(8)
			Expect(d.ActiveIDs(8)).To(Equal(hookA.ID()))
			d.Dispatch(8)
			Expect(d.ActiveIDs(8)).To(Equal(hookA.ID()))
			d.Enable(&hookA)
			Expect(ctrl.Masked(8)).To(BeFalse())
		})

		It("skips hooks unregistered by an earlier handler", func() {
			var hookA, hookB Hook
			calledB := 0
			d.Register(&hookB, 5, func(*Hook) bool {
				calledB++
				return false
			})
			d.Register(&hookA, 5, func(*Hook) bool {
				d.Unregister(&hookB)
				return true
			})
			// hookA was registered last, so it runs first.
			d.Dispatch(5)
			Expect(calledB).To(BeZero())
			Expect(d.HookCount(5)).To(Equal(1))
			Expect(d.ActiveIDs(5)).To(BeZero())
			Expect(ctrl.Masked(5)).To(BeFalse())

			d.Dispatch(5)
			Expect(calledB).To(BeZero())
			Expect(d.ActiveIDs(5)).To(BeZero())
			Expect(ctrl.Masked(5)).To(BeFalse())
		})

		It("leaves the ID of a re-registered hook alone", func() {
			var hookA, hookB, hookC Hook
			d.Register(&hookB, 6, returns(true))
			d.Register(&hookA, 6, func(*Hook) bool {
				d.Unregister(&hookB)
				d.Register(&hookC, 6, returns(true))
				Expect(d.Disable(&hookC)).To(BeTrue())
				return true
			})
			Expect(hookB.ID()).To(Equal(ID(1)))
			d.Dispatch(6)
			// hookC took over hookB's ID and stays busy.
			Expect(hookC.ID()).To(Equal(ID(1)))
			Expect(d.ActiveIDs(6)).To(Equal(hookC.ID()))
			Expect(ctrl.Masked(6)).To(BeTrue())
			d.Enable(&hookC)
			Expect(ctrl.Masked(6)).To(BeFalse())
		})

		It("doesn't unmask a line whose last hook got removed by a handler", func() {
			var hook Hook
			d.Register(&hook, 10, func(h *Hook) bool {
				d.Unregister(h)
				return true
			})
			d.Dispatch(10)
			Expect(d.HookCount(10)).To(BeZero())
			Expect(ctrl.Masked(10)).To(BeTrue())
			Expect(ctrl.Count(pic.OpAck, 10)).To(Equal(1))
		})

		It("treats interrupts on lines without hooks as spurious", func() {
			d.Dispatch(7)
			Expect(d.Spurious(7)).To(Equal(uint64(1)))
			Expect(ctrl.Masked(7)).To(BeTrue())
			Expect(ctrl.Calls()).To(HaveExactElements(picCall(pic.OpMask, 7)))
			d.Dispatch(7)
			Expect(d.Spurious(7)).To(Equal(uint64(2)))
			Expect(ctrl.Count(pic.OpUnmask, 7)).To(BeZero())
			Expect(ctrl.Count(pic.OpAck, 7)).To(BeZero())
		})

		It("reports spurious interrupts with backoff", func() {
			var mu sync.Mutex
			reports := []string{}
			log := funcr.New(func(prefix, args string) {
				mu.Lock()
				defer mu.Unlock()
				reports = append(reports, args)
			}, funcr.Options{})
			d := New(WithLogger(log))
			for range 1600 {
				d.Dispatch(3)
			}
			for range 1600 {
				d.Dispatch(4)
			}
			mu.Lock()
			defer mu.Unlock()
			Expect(reports).To(HaveLen(2 * 6))
			Expect(reports[0]).To(And(
				ContainSubstring(`"irq"=3`), ContainSubstring(`"count"=1`)))
			for idx, count := range []int{1, 100, 200, 400, 800, 1600} {
				Expect(reports[idx]).To(ContainSubstring(fmt.Sprintf(`"count"=%d`, count)))
				Expect(reports[6+idx]).To(And(
					ContainSubstring(`"irq"=4`),
					ContainSubstring(fmt.Sprintf(`"count"=%d`, count))))
			}
		})

		It("caps the report interval", func() {
			l := &line{spurious: 1<<62 - 1, interval: maxReportInterval}
			d.spurious(l, 0)
			Expect(l.interval).To(Equal(uint64(maxReportInterval)))
		})

		It("dispatches different lines concurrently", func() {
			d := New(WithLines(64))
			hooks := make([]Hook, 64)
			var wg sync.WaitGroup
			counts := make([]int, 64)
			for irq := range hooks {
				d.Register(&hooks[irq], irq, func(h *Hook) bool {
					counts[h.IRQ()]++
					return true
				})
			}
			wg.Add(len(hooks))
			for irq := range hooks {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for range 100 {
						d.Dispatch(irq)
					}
				}()
			}
			wg.Wait()
			Expect(counts).To(HaveEach(100))
		})

	})

	When("enabling and disabling", func() {

		It("round-trips", func() {
			var hook Hook
			d.Register(&hook, 11, returns(true))
			ctrl.Reset()
			Expect(d.Disable(&hook)).To(BeTrue())
			Expect(d.Disable(&hook)).To(BeFalse())
			Expect(ctrl.Calls()).To(HaveExactElements(picCall(pic.OpMask, 11)))
			Expect(ctrl.Masked(11)).To(BeTrue())
			d.Enable(&hook)
			Expect(ctrl.Masked(11)).To(BeFalse())
			Expect(d.ActiveIDs(11)).To(BeZero())
		})

		It("ignores hooks not registered", func() {
			var hook Hook
			Expect(d.Disable(&hook)).To(BeFalse())
			d.Enable(&hook)
			Expect(ctrl.Calls()).To(BeEmpty())
		})

	})

	When("hitting invariant violations", func() {

		var reported []*Violation

		BeforeEach(func() {
			reported = nil
			d = New(WithFatal(func(v *Violation) { reported = append(reported, v) }))
		})

		DescribeTable("out-of-range IRQs never return normally",
			func(irq int) {
				hook := &Hook{irq: irq}
				for _, fn := range []func(){
					func() { d.Register(&Hook{}, irq, returns(true)) },
					func() { d.Unregister(hook) },
					func() { d.Dispatch(irq) },
					func() { d.Enable(hook) },
					func() { d.Disable(hook) },
				} {
					Expect(fn).To(PanicWith(And(
						BeAssignableToTypeOf(&Violation{}),
						HaveField("IRQ", irq))))
				}
				Expect(reported).To(HaveLen(5))
				Expect(reported).To(HaveEach(HaveField("Message",
					ContainSubstring("invalid IRQ line"))))
			},
			Entry(nil, -1),
			Entry(nil, DefaultLines),
			Entry(nil, 1<<20),
		)

		It("refuses creating a dispatcher without lines", func() {
			Expect(func() { New(WithLines(0)) }).To(PanicWith(
				MatchError("irqhooks: new: IRQ 0: number of IRQ lines must be positive")))
		})

	})

})
