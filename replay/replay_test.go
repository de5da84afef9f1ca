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
	"slices"
	"time"

	"github.com/thediveo/irqhooks/hostirq"
	"github.com/thediveo/irqhooks/irqctl"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"
)

var _ = Describe("replaying interrupts", func() {

	var m *Machine

	BeforeEach(func() {
		m = Successful(New(16, WithLogger(GinkgoLogr)))
		DeferCleanup(func() { m.Close() })
	})

	It("refuses invalid machines", func() {
		Expect(New(0)).Error().To(MatchError(ContainSubstring("must be positive")))
		Expect(New(1, WithHooks(-1))).Error().To(MatchError(ContainSubstring("must not be negative")))
	})

	It("refuses invalid lines", func() {
		Expect(m.Raise(-1, 1)).To(MatchError(ContainSubstring("invalid IRQ line")))
		Expect(m.Raise(16, 1)).To(MatchError(ContainSubstring("invalid IRQ line")))
		Expect(m.Attach(16, []string{"foo"}, 0)).To(MatchError(irqctl.ErrInvalid))
	})

	It("runs out of hooks", func() {
		m := Successful(New(4, WithHooks(1)))
		defer m.Close()
		Expect(m.Attach(1, []string{"foo", "bar"}, 0)).To(MatchError(irqctl.ErrNoSpace))
		Expect(m.Table().HookCount(1)).To(Equal(1))
	})

	It("attaches one hook per action", func() {
		Expect(m.Attach(5, []string{"eth0", "eth1"}, irqctl.Reenable)).To(Succeed())
		Expect(m.Table().HookCount(5)).To(Equal(2))
		Expect(m.PIC().Masked(5)).To(BeFalse())
		Expect(m.PIC().InUse(5)).To(BeTrue())
	})

	It("services every interrupt with re-enabling hooks", func(ctx context.Context) {
		Expect(m.Attach(3, []string{"kbd"}, irqctl.Reenable)).To(Succeed())
		Expect(m.Raise(3, 10)).To(Succeed())
		Expect(m.Settle(ctx)).To(Succeed())

		stats := slices.Collect(m.Table().Lines())
		Expect(stats).To(HaveExactElements(
			And(HaveField("IRQ", 3),
				HaveField("Dispatched", uint64(10)),
				HaveField("Spurious", uint64(0)),
				HaveField("Hooks", HaveExactElements("kbd")))))
		Expect(m.Serviced()).To(And(BeNumerically(">=", 1), BeNumerically("<=", 10)))
		Expect(m.PIC().Masked(3)).To(BeFalse())
	}, SpecTimeout(5*time.Second))

	It("coalesces interrupts while drivers service them", func(ctx context.Context) {
		Expect(m.Attach(7, []string{"ata"}, 0)).To(Succeed())
		Expect(m.Raise(7, 100)).To(Succeed())
		Expect(m.Settle(ctx)).To(Succeed())

		Expect(m.Table().ActiveIDs(7)).To(BeZero())
		Expect(m.PIC().Masked(7)).To(BeFalse())
		Expect(m.PIC().Requested(7)).To(BeFalse())
		raised, coalesced, delivered := m.PIC().Stats(7)
		Expect(raised).To(Equal(uint64(100)))
		Expect(coalesced + delivered).To(Equal(raised))

		stats := slices.Collect(m.Table().Lines())
		Expect(stats).To(HaveLen(1))
		Expect(stats[0].Dispatched).To(Equal(delivered))
		Expect(m.Serviced()).To(Equal(delivered))
	}, SpecTimeout(5*time.Second))

	It("treats interrupts on lines without hooks as spurious", func() {
		Expect(m.Attach(9, nil, 0)).To(Succeed())
		Expect(m.Raise(9, 3)).To(Succeed())
		Expect(m.Table().Spurious(9)).To(Equal(uint64(3)))
		Expect(m.PIC().Masked(9)).To(BeTrue())
		raised, _, delivered := m.PIC().Stats(9)
		Expect(raised).To(BeZero())
		Expect(delivered).To(BeZero())
	})

	It("replays deltas", func(ctx context.Context) {
		Expect(m.Attach(1, []string{"timer"}, irqctl.Reenable)).To(Succeed())
		Expect(m.Attach(4, []string{"serial"}, 0)).To(Succeed())
		Expect(m.Replay(ctx, []hostirq.Delta{
			{Num: 1, Count: 2000},
			{Num: 4, Count: 5},
			{Num: 12, Count: 2},
		})).To(Succeed())
		Expect(m.Settle(ctx)).To(Succeed())

		Expect(m.Table().Spurious(12)).To(Equal(uint64(2)))
		stats := slices.Collect(m.Table().Lines())
		Expect(stats).To(HaveExactElements(
			HaveField("Dispatched", uint64(2000)),
			HaveField("IRQ", 4),
			HaveField("Spurious", uint64(2))))
	}, SpecTimeout(5*time.Second))

	It("stops replaying when told", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(m.Replay(ctx, []hostirq.Delta{{Num: 1, Count: 1}})).To(MatchError(context.Canceled))
		Expect(m.Replay(context.Background(), []hostirq.Delta{{Num: 42, Count: 1}})).To(
			MatchError(ContainSubstring("invalid IRQ line")))
	})

	It("closes", func(ctx context.Context) {
		Expect(m.Attach(2, []string{"foo"}, 0)).To(Succeed())
		Expect(m.Raise(2, 1)).To(Succeed())
		m.Close()
		m.Close()
		Expect(m.Table().HookCount(2)).To(BeZero())
		Expect(m.PIC().Masked(2)).To(BeTrue())
		Expect(m.Raise(2, 1)).To(MatchError(ErrClosed))
		Expect(m.Attach(2, []string{"bar"}, 0)).To(MatchError(ErrClosed))
		Expect(m.Settle(ctx)).To(MatchError(ErrClosed))
	}, SpecTimeout(5*time.Second))

})
