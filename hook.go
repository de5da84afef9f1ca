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

import "strconv"

// IDBits is the number of distinct hook IDs available per IRQ line.
const IDBits = 64

// ID identifies a hook on its IRQ line; it always has exactly one bit set while
// the hook is registered, and is zero otherwise. IDs of hooks on different lines
// are unrelated, even if they happen to be equal.
type ID uint64

// String returns the ID in hex notation.
func (id ID) String() string { return "0x" + strconv.FormatUint(uint64(id), 16) }

// Handler gets called with its hook when the hook's IRQ line fires. It returns
// true when the interrupt has been fully serviced and the hook can be re-armed,
// or false to keep the hook busy (and thus its line masked) until the hook is
// explicitly enabled again.
type Handler func(hook *Hook) bool

// Hook is an interrupt consumer's claim on an IRQ line. Hooks are owned by
// their users: a Dispatcher only links and unlinks them.
//
// The zero value is an unregistered hook, ready for use.
type Hook struct {
	Name string // action name, as shown in line statistics.

	irq     int
	id      ID
	handler Handler
	line    *line // non-nil while registered.
}

// IRQ returns the line number this hook is or was last registered on.
func (h *Hook) IRQ() int { return h.irq }

// ID returns this hook's ID bit on its line, or zero when not registered.
func (h *Hook) ID() ID { return h.id }

// Registered returns true if this hook is currently registered.
func (h *Hook) Registered() bool { return h.line != nil }
