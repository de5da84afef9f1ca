/*
Package irqhooks provides a dispatch table for shared hardware interrupt lines:
interrupt consumers register “hooks” on an IRQ line, and when the line fires,
all hooks on it get their handlers called, one after another. The table
coordinates masking and unmasking the line at the interrupt controller so that
a line never gets re-entered while its hooks are busy, and so that a line
without any consumers stays quiet.

# Hooks and IDs

A [Hook] belongs to whoever registers it; the [Dispatcher] only links and
unlinks it, but never copies or frees it. When registering, a hook gets an [ID]
assigned: a single bit that is unique among all hooks currently registered on
the same line. So that's 64 hooks per line, max. Try a 65th and you'll get a
fatal invariant violation instead of a 65th ID. No, there is no dynamic-width
ID scheme. Yes, this is deliberate.

# The Active Bitmap

Each line has an “active” bitmap where a set ID bit means that the hook is busy
(or disabled, depending on whom you ask). The line is unmasked at the
controller if and only if it has at least one hook and its active bitmap is
zero. Dispatching a line first masks it, then for each hook sets the hook's bit,
calls the handler, and clears the bit again only if the handler reports the
interrupt as fully serviced. Only after all hooks have been run the line gets
unmasked, if nobody is holding it down anymore, and finally acknowledged.

A handler that returns false thus keeps its line masked until its owner calls
[Dispatcher.Enable] on the hook; this is how deferred interrupt servicing
outside the dispatch path works. [Dispatcher.Disable] is the opposite
direction, quiescing a line on behalf of one of its hooks.

# Spurious Interrupts

An interrupt on a line without any hooks is “spurious”. It gets counted and
reported through the dispatcher's [logr.Logger], but with a backoff: the first
one always, then the 100th, 200th, 400th, 800th, and so on. The line is left
masked and not acknowledged: a source without owners isn't to be trusted until
someone registers a hook on it.

# Fatal Violations

Passing an out-of-range IRQ number to any entry point, registering too many
hooks on a line, or registering a hook that is already registered elsewhere are
programming errors, not runtime conditions. They end in a panic with a
[*Violation]. [WithFatal] installs a reporter that sees the violation before
the panic ensues, but the panic ensues nevertheless.

# Concurrency

Different lines can be dispatched concurrently. Each line has its own lock
guarding its hook list and the controller calls made on its behalf, while the
active bitmap is updated atomically. Handlers run without the line lock held,
so a handler may enable or disable other hooks on its own line (but not
itself).

# The Format of WriteInterrupts

[Dispatcher.WriteInterrupts] renders the table in the “/proc/interrupts” format
with a single “CPU0” column, so that the hostirq package can parse it just as
well as the real thing.
*/
package irqhooks
