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

package hostirq

import (
	"bufio"
	"cmp"
	"io"
	"iter"
	"os"
	"slices"
)

const procInterruptsPath = "/proc/interrupts"

// IRQ holds the per-CPU interrupt counters of a particular IRQ. The counters
// are only valid for the duration of the yield call producing this IRQ and
// get overwritten afterwards; copy them to retain them.
type IRQ struct {
	Num      uint     // IRQ number
	Counters []uint64 // per-CPU counters, only valid during callback.
	CPUs     CPUList  // numbers of the CPUs currently online.
}

// Total returns the sum of the per-CPU counters.
func (irq IRQ) Total() (total uint64) {
	for _, count := range irq.Counters {
		total += count
	}
	return total
}

// CPUList lists the numbers of the CPUs currently online.
type CPUList []uint

// AllCounters returns a single-use iterator over “/proc/interrupts”, producing
// all numbered IRQs with the counters of the CPUs currently online.
func AllCounters() iter.Seq[IRQ] {
	return countersFrom(procInterruptsPath, nil)
}

// CountersFor returns a single-use iterator over “/proc/interrupts”, producing
// only the requested IRQs and skipping those that don't exist. The requested
// IRQ numbers must be sorted in ascending order.
func CountersFor(sortedirqnums []uint) iter.Seq[IRQ] {
	return countersFrom(procInterruptsPath, sortedirqnums)
}

// countersFrom returns an iterator over the IRQs in the file, which needs to be
// in “/proc/interrupts” format. The file is opened only when iterating.
func countersFrom(path string, irqnums []uint) iter.Seq[IRQ] {
	return func(yield func(IRQ) bool) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		ReadCounters(f, irqnums)(yield)
	}
}

// ReadCounters returns an iterator over the IRQs with their per-CPU counters
// read from r in “/proc/interrupts” format. If irqnums is non-nil, only the
// IRQs listed are produced; irqnums must be sorted in ascending order.
//
// The iteration ends at the first architecture-specific interrupt, or at the
// first malformed line.
func ReadCounters(r io.Reader, irqnums []uint) iter.Seq[IRQ] {
	return func(yield func(IRQ) bool) {
		// sc.Bytes() references the scanner's internal buffer, which becomes
		// invalid when advancing to the next line.
		sc := bufio.NewScanner(r)
		if !sc.Scan() {
			return
		}
		cpus := cpuList(sc.Bytes())
		if len(cpus) == 0 {
			return
		}
		irq := IRQ{
			CPUs:     cpus,
			Counters: make([]uint64, len(cpus)),
		}
		for sc.Scan() {
			s := newScanner(sc.Bytes())
			if s.blanks() {
				return
			}
			num, ok := s.number()
			if !ok || !s.expect(":") {
				return
			}
			if irqnums != nil {
				if _, ok := slices.BinarySearch(irqnums, uint(num)); !ok {
					continue
				}
			}
			irq.Num = uint(num)
			for idx := range irq.Counters {
				if s.blanks() {
					return
				}
				count, ok := s.number()
				if !ok {
					return
				}
				irq.Counters[idx] = count
			}
			if !yield(irq) {
				return
			}
		}
	}
}

// cpuList returns the numbers of the CPUs online according to the header line
// of “/proc/interrupts”, or nil if the header line is malformed.
func cpuList(header []byte) CPUList {
	s := newScanner(header)
	numCPUs := s.fields()
	if numCPUs == 0 {
		return nil
	}
	cpus := make(CPUList, 0, numCPUs)
	for !s.blanks() {
		if !s.expect("CPU") {
			return nil
		}
		num, ok := s.number()
		if !ok {
			return nil
		}
		cpus = append(cpus, uint(num))
	}
	if len(cpus) != numCPUs {
		return nil
	}
	return cpus
}

// Snapshot consumes the IRQ iterator, returning the total interrupt count per
// IRQ number.
func Snapshot(irqs iter.Seq[IRQ]) map[uint]uint64 {
	totals := map[uint]uint64{}
	for irq := range irqs {
		totals[irq.Num] = irq.Total()
	}
	return totals
}

// Delta is the number of interrupts an IRQ saw between two snapshots.
type Delta struct {
	Num   uint
	Count uint64
}

// Deltas returns the IRQs that saw interrupts between the before and after
// snapshots, sorted by IRQ number. IRQs only present in the after snapshot
// count fully, IRQs whose counts went down are skipped.
func Deltas(before, after map[uint]uint64) []Delta {
	deltas := []Delta{}
	for num, count := range after {
		prev := before[num]
		if count <= prev {
			continue
		}
		deltas = append(deltas, Delta{Num: num, Count: count - prev})
	}
	slices.SortFunc(deltas, func(a, b Delta) int { return cmp.Compare(a.Num, b.Num) })
	return deltas
}
