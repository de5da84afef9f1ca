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

const (
	// initialReportInterval is the number of spurious interrupts on a line
	// between reports, after the very first report.
	initialReportInterval = 100
	// maxReportInterval caps doubling the report interval, so the interval
	// stays well within uint64.
	maxReportInterval = 1 << 62
)

// spurious counts a spurious interrupt on the line and reports it if it's
// either the first one or the count hits the line's report interval; the
// latter then doubles the interval. Must be called with l.mu held.
func (d *Dispatcher) spurious(l *line, irq int) {
	l.spurious++
	switch {
	case l.spurious == 1:
	case l.spurious%l.interval == 0:
		if l.interval < maxReportInterval {
			l.interval <<= 1
		}
	default:
		return
	}
	d.log.Info("spurious interrupt, keeping line masked",
		"irq", irq, "count", l.spurious)
}
