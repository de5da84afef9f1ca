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
	"iter"
	"strconv"
	"strings"
	"sync"

	"github.com/thediveo/faf"
)

// IRQDetails describes an IRQ's actions and the CPUs it gets delivered to.
type IRQDetails struct {
	Num        uint          // IRQ number
	Actions    []string      // actions registered on this IRQ, might be empty
	Affinities CPUAffinities // effective CPU affinities
}

// CPUAffinities lists CPU number ranges, each with the first and last CPU
// number (inclusive); a single CPU has equal first and last numbers.
type CPUAffinities [][2]uint

// String returns the affinities in the kernel's CPU list format, such as
// “0-3,8”.
func (a CPUAffinities) String() string {
	var sb strings.Builder
	for idx, cpus := range a {
		if idx > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(cpus[0]), 10))
		if cpus[1] != cpus[0] {
			sb.WriteByte('-')
			sb.WriteString(strconv.FormatUint(uint64(cpus[1]), 10))
		}
	}
	return sb.String()
}

const (
	syskernelirqPath = "/sys/kernel/irq/"
	procirqPath      = "/proc/irq/"

	actionsNode           = "/actions"
	effectiveAffinityNode = "/effective_affinity_list"
)

// workers is the number of goroutines concurrently reading IRQ details, and
// also the size of the job and result queues.
const workers = 16

// AllIRQDetails returns an iterator over the details of all numbered IRQs,
// in no particular order.
func AllIRQDetails() iter.Seq[IRQDetails] {
	return allIRQDetails("")
}

// allIRQDetails returns an iterator over the details of all IRQs, with the
// pseudo file system paths rooted at root.
func allIRQDetails(root string) iter.Seq[IRQDetails] {
	return func(yield func(IRQDetails) bool) {
		// Closing done tells the feeder and the workers to wind down, either
		// because all details have been yielded or because the yield function
		// told us to stop. Details still queued at that point are left to the
		// garbage collector.
		done := make(chan struct{})
		defer close(done)
		// The job queue of IRQ names (numbers, that is) to look up; closed by
		// the feeder after the last IRQ.
		names := make(chan string, workers)
		// The multi-producer single-consumer result queue; it can only be
		// closed after all workers have terminated.
		details := make(chan IRQDetails, workers)

		var wg sync.WaitGroup
		wg.Add(workers)
		for range workers {
			go func() {
				defer wg.Done()
				// Each worker recycles its read buffer, as we never keep
				// references into it.
				var buff []byte
				for {
					var name string
					select {
					case <-done:
						return
					case n, ok := <-names:
						if !ok {
							return
						}
						name = n
					}
					var irqdetails IRQDetails
					var ok bool
					irqdetails, buff, ok = readIRQDetails(root, name, buff)
					if !ok {
						continue
					}
					select {
					case details <- irqdetails:
					case <-done:
						return
					}
				}
			}()
		}
		go func() {
			defer close(names)
			for entry := range faf.ReadDir(root + syskernelirqPath) {
				if !entry.IsDir() {
					continue
				}
				select {
				case names <- string(entry.Name):
				case <-done:
					return
				}
			}
		}()
		go func() {
			wg.Wait()
			close(details)
		}()

		for irqdetails := range details {
			if !yield(irqdetails) {
				return
			}
		}
	}
}

// readIRQDetails reads the details of the named IRQ, using and returning buff
// for reading the pseudo files. It returns false if the IRQ name isn't a
// number or any of the details cannot be read.
func readIRQDetails(root string, name string, buff []byte) (IRQDetails, []byte, bool) {
	var details IRQDetails
	num, ok := faf.ParseUint([]byte(name))
	if !ok {
		return details, buff, false
	}
	details.Num = uint(num)

	buff, ok = faf.ReadFile(root+syskernelirqPath+name+actionsNode, buff)
	if !ok || len(buff) < 1 || buff[len(buff)-1] != '\n' {
		return details, buff, false
	}
	details.Actions = splitActions(string(buff[:len(buff)-1]))

	buff, ok = faf.ReadFile(root+procirqPath+name+effectiveAffinityNode, buff)
	if !ok || len(buff) < 1 || buff[len(buff)-1] != '\n' {
		return details, buff, false
	}
	details.Affinities = affinityList(buff[:len(buff)-1])
	if len(details.Affinities) == 0 {
		return details, buff, false
	}
	return details, buff, true
}

// splitActions splits a comma-separated list of actions, dropping empty
// elements.
func splitActions(s string) []string {
	actions := []string{}
	for _, action := range strings.Split(s, ",") {
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

// affinityList parses a CPU list, such as “0-3,8,10-11”. It stops at the first
// malformed element, returning the ranges parsed so far.
func affinityList(b []byte) CPUAffinities {
	bstr := faf.NewBytestring(b)
	// nota bene: a literal instead of make(...) saves allocations here.
	cpus := CPUAffinities{}
	for !bstr.EOL() {
		from, ok := bstr.Uint64()
		if !ok {
			break
		}
		if bstr.EOL() {
			cpus = append(cpus, [2]uint{uint(from), uint(from)})
			break
		}
		ch, _ := bstr.Next()
		if ch == ',' {
			cpus = append(cpus, [2]uint{uint(from), uint(from)})
			continue
		}
		if ch != '-' {
			break
		}
		to, ok := bstr.Uint64()
		if !ok {
			break
		}
		cpus = append(cpus, [2]uint{uint(from), uint(to)})
		if bstr.EOL() {
			break
		}
		if ch, _ := bstr.Next(); ch != ',' {
			break
		}
	}
	return cpus
}
