/*
Package replay replays interrupt activity into a complete simulated machine: a
pic.PIC as the interrupt controller, an irqhooks.Dispatcher driving it, and an
irqctl.Table on top, with a driver goroutine per attached action. The drivers
wait for notifications and, unless their hooks re-enable themselves, re-enable
their hooks after servicing. As with real controllers, edges on a line that is
masked or still in service coalesce.

The interrupt activity to replay usually comes from hostirq.Deltas.
*/
package replay
