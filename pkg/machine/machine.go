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

// Package machine assembles a simulated single-CPU machine: physical memory,
// the frame allocator, the kernel address space, the kernel and its trap
// dispatcher. It drives tasks with simulated memory accesses and timer
// interrupts.
package machine

import (
	"fmt"

	"qkernel.dev/qkernel/pkg/atomicbitops"
	"qkernel.dev/qkernel/pkg/boot"
	"qkernel.dev/qkernel/pkg/cleanup"
	"qkernel.dev/qkernel/pkg/faultlog"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/kernel"
	"qkernel.dev/qkernel/pkg/loader"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/mm"
	"qkernel.dev/qkernel/pkg/physmem"
	"qkernel.dev/qkernel/pkg/pmm"
	"qkernel.dev/qkernel/pkg/ring0"
	"qkernel.dev/qkernel/pkg/sync"
)

const (
	// DefaultFaultRing is the default number of fault records kept.
	DefaultFaultRing = 64

	// instructionBytes is how far a task advances between timer ticks.
	instructionBytes = 4

	// stackDepth is the number of stack pages a task touches in turn.
	stackDepth = 4
)

// Options configure New.
type Options struct {
	// Boot is the memory map.
	Boot boot.Info

	// Sink receives fault records in addition to the in-memory ring. May
	// be nil.
	Sink faultlog.Sink

	// FaultRing is the size of the in-memory fault ring. Defaults to
	// DefaultFaultRing.
	FaultRing int
}

// timer is the interval timer. It only counts acknowledgements.
type timer struct {
	acks atomicbitops.Uint64
}

// Ack implements ring0.Timer.Ack.
func (t *timer) Ack() {
	t.acks.Add(1)
}

// Step is the state after one timer interrupt.
type Step struct {
	// Tick is the kernel tick count.
	Tick uint64

	// Outcome is the outcome of the timer dispatch.
	Outcome ring0.Outcome

	// Task is the running task, or nil when idle.
	Task *kernel.Task
}

// String implements fmt.Stringer.
func (s Step) String() string {
	if s.Task == nil {
		return fmt.Sprintf("tick %d: idle", s.Tick)
	}
	return fmt.Sprintf("tick %d: %v", s.Tick, s.Task)
}

// Machine is a simulated machine running the kernel.
type Machine struct {
	info   boot.Info
	mem    *physmem.Memory
	cpu    *ring0.CPU
	frames *pmm.Allocator
	mm     *mm.Manager
	k      *kernel.Kernel
	table  *ring0.VectorTable
	disp   *ring0.Dispatcher
	faults *faultlog.Ring
	timer  timer

	// tasks holds every loaded task, for teardown.
	tasks []*kernel.Task
}

// New boots a machine with the given memory map.
func New(opts Options) (*Machine, error) {
	if err := opts.Boot.Validate(); err != nil {
		return nil, err
	}
	if opts.FaultRing == 0 {
		opts.FaultRing = DefaultFaultRing
	}
	opts.Boot.Log()

	mem, err := physmem.New(opts.Boot.Limit())
	if err != nil {
		return nil, fmt.Errorf("error creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	cpu := ring0.NewCPU()
	d := sync.NewDomain(cpu)
	frames := pmm.New(d)
	if err := frames.Init(opts.Boot.Usable()); err != nil {
		return nil, fmt.Errorf("error initializing frame allocator: %w", err)
	}
	mgr, err := mm.New(frames, mem, cpu, d)
	if err != nil {
		return nil, fmt.Errorf("error creating kernel address space: %w", err)
	}

	m := &Machine{
		info:   opts.Boot,
		mem:    mem,
		cpu:    cpu,
		frames: frames,
		mm:     mgr,
		faults: faultlog.NewRing(opts.FaultRing),
	}
	var sink faultlog.Sink = m.faults
	if opts.Sink != nil {
		sink = faultlog.Multi{m.faults, opts.Sink}
	}
	m.k = kernel.New(mgr, d, sink)

	m.table = ring0.NewVectorTable()
	for v := ring0.FirstDeviceVector; v <= ring0.LastDeviceVector; v++ {
		if err := m.table.Route(v, ring0.KindDevice); err != nil {
			return nil, err
		}
	}
	if err := m.table.Install(); err != nil {
		return nil, err
	}
	if m.disp, err = ring0.NewDispatcher(cpu, m.table, m.k, &m.timer); err != nil {
		return nil, err
	}
	cu.Release()
	log.Infof("Machine up: %d of %d frames free after the kernel address space", frames.FreeFrameCount(), frames.TotalFrames())
	return m, nil
}

// Kernel returns the kernel.
func (m *Machine) Kernel() *kernel.Kernel {
	return m.k
}

// CPU returns the CPU.
func (m *Machine) CPU() *ring0.CPU {
	return m.cpu
}

// Frames returns the frame allocator.
func (m *Machine) Frames() *pmm.Allocator {
	return m.frames
}

// Faults returns the in-memory fault records.
func (m *Machine) Faults() *faultlog.Ring {
	return m.faults
}

// TimerAcks returns the number of acknowledged timer interrupts.
func (m *Machine) TimerAcks() uint64 {
	return m.timer.acks.Load()
}

// Tasks returns every task loaded, including terminated ones.
func (m *Machine) Tasks() []*kernel.Task {
	return append([]*kernel.Task(nil), m.tasks...)
}

// Load loads img as a new task and queues it.
func (m *Machine) Load(img *loader.Image, opts loader.Options) (*kernel.Task, error) {
	t, err := loader.LoadImageTask(m.k, img, opts)
	if err != nil {
		return nil, err
	}
	if err := m.k.Scheduler().Enqueue(t); err != nil {
		panic(fmt.Sprintf("queueing new task %v: %v", t, err))
	}
	m.tasks = append(m.tasks, t)
	return t, nil
}

// Start selects the first task and switches to it.
func (m *Machine) Start() kernel.Decision {
	d := m.k.Start()
	d.Restore(m.cpu)
	return d
}

// Halted reports whether the CPU has halted, and why.
func (m *Machine) Halted() (bool, error) {
	return m.cpu.Halted()
}

// dispatch delivers tf and performs any context switch it decides.
func (m *Machine) dispatch(tf *ring0.TrapFrame) ring0.Outcome {
	out := m.disp.Dispatch(tf)
	if out == ring0.Switch {
		m.k.LastDecision().Restore(m.cpu)
	}
	return out
}

// Access simulates a user access by the running task. It returns Resume
// without trapping when the page is mapped with sufficient permissions,
// and otherwise the outcome of the page fault.
func (m *Machine) Access(addr hostarch.Addr, at hostarch.AccessType) ring0.Outcome {
	t := m.k.Scheduler().Current()
	if t == nil {
		return ring0.Resume
	}
	code := uint64(ring0.PageFaultUserRead)
	switch {
	case at.Execute:
		code = ring0.PageFaultUserExecute
	case at.Write:
		code = ring0.PageFaultUserWrite
	}
	tr, err := t.AddressSpace().Translate(addr)
	if err == nil {
		if tr.Effective.SupersetOf(at) {
			return ring0.Resume
		}
		code |= ring0.PageFaultProtection
	}
	return m.dispatch(&ring0.TrapFrame{
		Vector:    ring0.PageFault,
		ErrorCode: code,
		FaultAddr: addr,
		Regs:      t.Registers(),
	})
}

// Interrupt delivers vector v on behalf of the running task, if any.
func (m *Machine) Interrupt(v ring0.Vector) ring0.Outcome {
	tf := &ring0.TrapFrame{Vector: v}
	if t := m.k.Scheduler().Current(); t != nil {
		tf.Regs = t.Registers()
	}
	return m.dispatch(tf)
}

// Tick delivers a timer interrupt. The running task has advanced by a few
// instructions since it was last scheduled.
func (m *Machine) Tick() Step {
	tf := &ring0.TrapFrame{Vector: ring0.TimerVector}
	if t := m.k.Scheduler().Current(); t != nil {
		tf.Regs = t.Registers()
		tf.Regs.Rip += instructionBytes
	}
	out := m.dispatch(tf)
	return Step{Tick: m.k.Ticks(), Outcome: out, Task: m.k.Scheduler().Current()}
}

// Run runs n timer intervals. In each, the running task fetches the
// instruction at its IP and writes one of the pages below its stack
// pointer, then the timer fires. Run stops early if the CPU halts.
func (m *Machine) Run(n int) []Step {
	steps := make([]Step, 0, n)
	for i := 0; i < n; i++ {
		if halted, _ := m.cpu.Halted(); halted {
			break
		}
		if t := m.k.Scheduler().Current(); t != nil {
			regs := t.Registers()
			m.Access(regs.IP(), hostarch.Execute)
			if m.k.Scheduler().Current() == t {
				page := hostarch.Addr(i%stackDepth) * hostarch.PageSize
				m.Access(regs.Stack()-page-8, hostarch.Write)
			}
		}
		steps = append(steps, m.Tick())
	}
	return steps
}

// Destroy terminates every live task, releases the kernel page tables and
// frees the machine's memory. Every frame is free once Destroy returns.
func (m *Machine) Destroy() {
	for _, t := range m.tasks {
		if t.State() != kernel.Terminated {
			if err := m.k.Scheduler().Kill(t, "machine shutdown"); err != nil {
				log.Warningf("Killing %v: %v", t, err)
			}
		}
	}
	m.k.Scheduler().Yield(nil)
	m.mm.Release()
	log.Infof("Machine down: %d of %d frames free", m.frames.FreeFrameCount(), m.frames.TotalFrames())
	if err := m.mem.Close(); err != nil {
		log.Warningf("Releasing physical memory: %v", err)
	}
}
