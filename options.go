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

import "github.com/go-logr/logr"

// DefaultLines is the number of IRQ lines of a Dispatcher unless told
// otherwise, matching a pair of cascaded 8259 PICs.
const DefaultLines = 16

// Option configures a Dispatcher when creating it with [New].
type Option func(*options)

type options struct {
	lines int
	ctrl  Controller
	log   logr.Logger
	fatal func(*Violation)
}

// WithLines sets the number of IRQ lines; valid line numbers then are [0, n).
func WithLines(n int) Option {
	return func(o *options) { o.lines = n }
}

// WithController sets the interrupt controller to drive; defaults to
// [NopController].
func WithController(c Controller) Option {
	return func(o *options) { o.ctrl = c }
}

// WithLogger sets the logger for spurious interrupt reports and debug output.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithFatal sets a reporter that gets called with each invariant violation
// before the Dispatcher panics.
func WithFatal(fn func(*Violation)) Option {
	return func(o *options) { o.fatal = fn }
}
