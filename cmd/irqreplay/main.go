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

// irqreplay samples the interrupt activity of the Linux host for a while and
// then replays it into a simulated machine, printing the resulting dispatch
// table. Lines that saw interrupts without any action registered end up with
// spurious interrupts only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/thediveo/irqhooks"
	"github.com/thediveo/irqhooks/hostirq"
	"github.com/thediveo/irqhooks/irqctl"
	"github.com/thediveo/irqhooks/replay"
)

type config struct {
	interval time.Duration
	reenable bool
	verbose  bool
	proc     bool
}

func parseFlags(args []string, output io.Writer) (config, error) {
	var cfg config
	fs := flag.NewFlagSet("irqreplay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.DurationVar(&cfg.interval, "interval", time.Second, "sampling interval")
	fs.BoolVar(&cfg.reenable, "reenable", false, "re-enable hooks immediately instead of by their drivers")
	fs.BoolVar(&cfg.verbose, "v", false, "verbose logging")
	fs.BoolVar(&cfg.proc, "proc", false, "print the table in /proc/interrupts format")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() != 0 {
		return cfg, fmt.Errorf("unexpected arguments %q", fs.Args())
	}
	if cfg.interval <= 0 {
		return cfg, fmt.Errorf("sampling interval must be positive, got %s", cfg.interval)
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose bool) logr.Logger {
	verbosity := 0
	if verbose {
		verbosity = 1
	}
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(w, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(w, args)
	}, funcr.Options{Verbosity: verbosity})
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "irqreplay: %s\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), cfg, os.Stdout, newLogger(os.Stderr, cfg.verbose)); err != nil {
		fmt.Fprintf(os.Stderr, "irqreplay: %s\n", err)
		os.Exit(1)
	}
}

// run samples the host's interrupt counters over the configured interval and
// replays the difference. Interrupting the sampling cuts it short, while
// interrupting the replay aborts it.
func run(ctx context.Context, cfg config, w io.Writer, log logr.Logger) error {
	before := hostirq.Snapshot(hostirq.AllCounters())
	if len(before) == 0 {
		return errors.New("no interrupt counters available")
	}
	sampleCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	log.Info("sampling interrupts", "interval", cfg.interval.String())
	select {
	case <-sampleCtx.Done():
		log.Info("sampling cut short")
	case <-time.After(cfg.interval):
	}
	stop()
	after := hostirq.Snapshot(hostirq.AllCounters())
	deltas := hostirq.Deltas(before, after)

	actions := map[uint][]string{}
	for details := range hostirq.AllIRQDetails() {
		actions[details.Num] = details.Actions
		log.V(1).Info("IRQ details",
			"irq", details.Num,
			"actions", details.Actions,
			"cpus", details.Affinities.String())
	}
	m, err := newMachine(lineCount(after, actions), actions, cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	replayCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("replaying interrupts", "irqs", len(deltas))
	if err := m.Replay(replayCtx, deltas); err != nil {
		return err
	}
	if err := m.Settle(replayCtx); err != nil {
		return err
	}
	if cfg.proc {
		return m.Table().WriteInterrupts(w)
	}
	return render(w, m.Table())
}

// lineCount returns the number of IRQ lines needed to cover all IRQs seen.
func lineCount(counters map[uint]uint64, actions map[uint][]string) int {
	lines := 1
	for num := range counters {
		lines = max(lines, int(num)+1)
	}
	for num := range actions {
		lines = max(lines, int(num)+1)
	}
	return lines
}

// newMachine returns a machine with a driver attached for each action.
func newMachine(lines int, actions map[uint][]string, cfg config, log logr.Logger) (*replay.Machine, error) {
	hooks := 0
	for _, acts := range actions {
		hooks += len(acts)
	}
	m, err := replay.New(lines, replay.WithHooks(hooks), replay.WithLogger(log))
	if err != nil {
		return nil, err
	}
	var policy irqctl.Policy
	if cfg.reenable {
		policy = irqctl.Reenable
	}
	nums := make([]uint, 0, len(actions))
	for num := range actions {
		nums = append(nums, num)
	}
	slices.Sort(nums)
	for _, num := range nums {
		if err := m.Attach(int(num), actions[num], policy); err != nil {
			m.Close()
			return nil, fmt.Errorf("attaching IRQ %d: %w", num, err)
		}
	}
	return m, nil
}

// render writes the lines of the dispatch table, highlighting lines with
// spurious interrupts.
func render(w io.Writer, d *irqhooks.Dispatcher) error {
	spurious := color.New(color.FgYellow)
	if _, err := fmt.Fprintf(w, "%5s %12s %10s  %s\n", "IRQ", "DISPATCHED", "SPURIOUS", "ACTIONS"); err != nil {
		return err
	}
	for stat := range d.Lines() {
		line := strings.TrimRight(fmt.Sprintf("%5d %12d %10d  %s",
			stat.IRQ, stat.Dispatched, stat.Spurious, strings.Join(stat.Hooks, ", ")), " ")
		var err error
		if stat.Spurious != 0 {
			_, err = spurious.Fprintln(w, line)
		} else {
			_, err = fmt.Fprintln(w, line)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
