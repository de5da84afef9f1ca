/*
Package hostirq reads interrupt information of the Linux host: interrupt counts
per IRQ and CPU, as well as the “actions” registered on each IRQ and the IRQ's
effective CPU affinities. Only IRQs with an IRQ number are considered, not the
architecture-specific interrupts with alphanumeric names.

As usual with the Linux kernel ABI, a “CPU” is a logical CPU with its own CPU
number, not a core, not a socket, not a die.

# /proc/interrupts

The format is defined by the kernel's [show_interrupts] rather than any proper
documentation:

  - a header line consisting of space padding and then the online CPUs, each as
    “CPU” followed by the CPU number, padded into columns.
  - one line per IRQ: right-aligned IRQ number, a colon, and then for each
    online CPU the right-aligned count in a width-10 column. After the counts
    come the IRQ chip, optional domain information and trigger type, the
    optional IRQ name and, separated by two spaces, the comma-separated
    actions, if any. We only care about the number and the counts.
  - the architecture-specific interrupts come last; their “numbers” are names.

[ReadCounters] parses this format from any reader, so it also accepts the
output of irqhooks' Dispatcher.WriteInterrupts.

# /sys/kernel/irq/#/ and /proc/irq/#/

The per-IRQ directories in /sys/kernel/irq contain, among others, the “actions”
pseudo file listing the comma-separated actions of the IRQ, see also the
[kernel ABI testing documentation on /sys/kernel/irq]. /proc/irq/#/ in turn
has “effective_affinity_list” listing the CPUs the IRQ actually gets delivered
to, as a list of CPU numbers and ranges.

Getting the details means lots of open-read-close cycles, so [AllIRQDetails]
spreads them over a pool of workers.

[show_interrupts]: https://elixir.bootlin.com/linux/v6.12/source/kernel/irq/proc.c#L463
[kernel ABI testing documentation on /sys/kernel/irq]: https://www.kernel.org/doc/Documentation/ABI/testing/sysfs-kernel-irq
*/
package hostirq
