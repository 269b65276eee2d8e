// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"qkernel.dev/qkernel/pkg/boot"
	"qkernel.dev/qkernel/pkg/config"
	"qkernel.dev/qkernel/pkg/faultlog"
	"qkernel.dev/qkernel/pkg/loader"
	"qkernel.dev/qkernel/pkg/machine"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// env is the environment of every task.
	env stringFlags

	// quiet suppresses the per-tick schedule.
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a simulated machine and run ELF executables as tasks"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] <file>... - boot a simulated machine, load each file as a task and deliver timer interrupts

The schedule after each timer interrupt, the fault records and the final task
states are printed to stdout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.Var(&b.env, "env", "environment variable KEY=VALUE for every task. Can be repeated.")
	f.BoolVar(&b.quiet, "quiet", false, "do not print the per-tick schedule.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	halted, err := b.run(ctx, conf, f.Args(), newFaultLogger(conf, os.Stderr), os.Stdout)
	if err != nil {
		Fatalf("%v", err)
	}
	if halted {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// newFaultLogger returns the structured logger for fault records.
func newFaultLogger(conf *config.Config, w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	if conf.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	}
	logger.SetLevel(logrus.InfoLevel)
	if conf.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// bootInfo returns the memory map selected by conf.
func bootInfo(conf *config.Config) (boot.Info, error) {
	if conf.BootInfo != "" {
		return boot.LoadFile(conf.BootInfo)
	}
	return boot.Default(conf.MemorySize), nil
}

// run boots a machine, runs the programs at paths and writes a report to
// w. It reports whether the machine halted.
func (b *Boot) run(ctx context.Context, conf *config.Config, paths []string, logger logrus.FieldLogger, w io.Writer) (bool, error) {
	images, err := parseFiles(ctx, paths)
	if err != nil {
		return false, err
	}
	info, err := bootInfo(conf)
	if err != nil {
		return false, err
	}

	limited := faultlog.NewRateLimited(faultlog.NewLogrus(logger), conf.FaultLogInterval, conf.FaultLogBurst)
	m, err := machine.New(machine.Options{Boot: info, Sink: limited, FaultRing: conf.FaultRing})
	if err != nil {
		return false, fmt.Errorf("booting: %w", err)
	}
	defer m.Destroy()

	for i, img := range images {
		t, err := m.Load(img, loader.Options{
			Filename:  paths[i],
			Envv:      b.env,
			Lazy:      conf.LazyLoad,
			StackSize: conf.StackSize,
		})
		if err != nil {
			return false, fmt.Errorf("loading %q: %w", paths[i], err)
		}
		fmt.Fprintf(w, "loaded %v from %s: entry %v\n", t, paths[i], img.Entry)
	}

	fmt.Fprintf(w, "start: %v\n", m.Start())
	for _, s := range m.Run(conf.Ticks) {
		if !b.quiet {
			fmt.Fprintf(w, "%v (%v)\n", s, s.Outcome)
		}
	}
	halted, reason := m.Halted()
	if halted {
		fmt.Fprintf(w, "halted: %v\n", reason)
	}
	b.report(w, m, limited)
	return halted, nil
}

// report writes the task states and fault records of m.
func (b *Boot) report(w io.Writer, m *machine.Machine, limited *faultlog.RateLimited) {
	sched := m.Kernel().Scheduler()
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "TASK\tSTATE\tIP\tBRK\tREASON\n")
	for _, t := range m.Tasks() {
		regs := t.Registers()
		_, reason := t.ExitStatus()
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\t%s\n", t, t.State(), regs.IP(), t.Brk(), reason)
	}
	tw.Flush()

	faults := m.Faults()
	fmt.Fprintf(w, "faults: %d handled, %d not logged\n", faults.Total(), limited.Dropped())
	for _, r := range faults.Records() {
		fmt.Fprintf(w, "  %v\n", r)
	}
	fmt.Fprintf(w, "ticks %d, switches %d, preemptions %d, address space loads %d\n",
		m.Kernel().Ticks(), sched.Switches(), sched.Preemptions(), m.CPU().AddressSpaceSwitches())
	fmt.Fprintf(w, "frames: %d free of %d\n", m.Frames().FreeFrameCount(), m.Frames().TotalFrames())
}
