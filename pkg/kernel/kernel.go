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

// Package kernel ties address spaces, tasks and the scheduler to the trap
// path.
//
// Kernel implements ring0.Handlers: page faults are resolved in the current
// task's address space or terminate the task, exceptions terminate the
// current task, and every timer tick preempts it. Each fault is reported to
// a faultlog.Sink.
package kernel

import (
	"fmt"
	"time"

	"qkernel.dev/qkernel/pkg/arch"
	"qkernel.dev/qkernel/pkg/atomicbitops"
	"qkernel.dev/qkernel/pkg/faultlog"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/mm"
	"qkernel.dev/qkernel/pkg/ring0"
	"qkernel.dev/qkernel/pkg/sync"
)

const (
	// KernelStackOrder is the allocation order of a task's kernel stack.
	KernelStackOrder = 1

	// KernelStackSize is the size of a task's kernel stack.
	KernelStackSize = hostarch.PageSize << KernelStackOrder
)

// Kernel owns the tasks of a system.
type Kernel struct {
	mm    *mm.Manager
	sched *Scheduler
	sink  faultlog.Sink

	nextID atomicbitops.Uint64
	ticks  atomicbitops.Uint64

	// decision is the last scheduling decision made on the trap path. It
	// is only accessed with interrupts masked.
	decision Decision

	// haltReason explains the last Halt a handler returned. It is only
	// accessed with interrupts masked.
	haltReason string

	// now returns the time of fault records.
	now func() time.Time
}

// New returns a Kernel scheduling tasks of mgr. sink may be nil.
func New(mgr *mm.Manager, d *sync.Domain, sink faultlog.Sink) *Kernel {
	if sink == nil {
		sink = faultlog.Discard{}
	}
	return &Kernel{
		mm:    mgr,
		sched: NewScheduler(mgr, d),
		sink:  sink,
		now:   time.Now,
	}
}

// MemoryManager returns the memory manager.
func (k *Kernel) MemoryManager() *mm.Manager {
	return k.mm
}

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *Scheduler {
	return k.sched
}

// Ticks returns the number of timer interrupts handled.
func (k *Kernel) Ticks() uint64 {
	return k.ticks.Load()
}

// LastDecision returns the decision of the last trap that returned
// ring0.Switch.
func (k *Kernel) LastDecision() Decision {
	return k.decision
}

// NewTask returns a Ready task running in as, which it takes ownership of,
// starting with regs. The task is not queued.
func (k *Kernel) NewTask(name string, as *mm.AddressSpace, regs arch.Registers) (*Task, error) {
	stack, err := k.mm.Frames().Allocate(KernelStackOrder)
	if err != nil {
		return nil, fmt.Errorf("allocating kernel stack for %q: %w", name, err)
	}
	t := &Task{
		sched:       k.sched,
		id:          k.nextID.Add(1),
		name:        name,
		as:          as,
		cr3:         as.CR3(),
		kernelStack: stack,
		state:       Ready,
		regs:        regs,
	}
	log.Infof("Created %v, kernel stack %v", t, t.KernelStack())
	return t, nil
}

// Start selects the first task to run.
func (k *Kernel) Start() Decision {
	k.decision = k.sched.Yield(nil)
	return k.decision
}

// record emits a fault record for tf.
func (k *Kernel) record(tf *ring0.TrapFrame, t *Task, v faultlog.Verdict, reason string) {
	r := faultlog.Record{
		Time:      k.now(),
		Vector:    tf.Vector,
		ErrorCode: tf.ErrorCode,
		IP:        tf.Regs.Rip,
		Verdict:   v,
		Reason:    reason,
	}
	if tf.Vector == ring0.PageFault {
		r.Addr = tf.FaultAddr
	}
	if t != nil {
		r.TaskID = t.ID()
		r.Task = t.Name()
	}
	k.sink.Emit(r)
}

// terminate kills the current task t after a fatal trap and selects the
// next task. A task killed since it was scheduled only loses the CPU.
func (k *Kernel) terminate(tf *ring0.TrapFrame, t *Task, reason string) ring0.Outcome {
	k.record(tf, t, faultlog.TaskFatal, reason)
	if t.State() != Terminated {
		if err := k.sched.Kill(t, reason); err != nil {
			panic(fmt.Sprintf("terminating %v: %v", t, err))
		}
	}
	k.decision = k.sched.Yield(tf)
	return ring0.Switch
}

// halt records why the system cannot continue after tf.
func (k *Kernel) halt(tf *ring0.TrapFrame, reason string) ring0.Outcome {
	k.haltReason = reason
	log.Warningf("%s: %v", reason, tf)
	return ring0.Halt
}

// HandlePageFault implements ring0.Handlers.HandlePageFault.
func (k *Kernel) HandlePageFault(tf *ring0.TrapFrame) ring0.Outcome {
	t := k.sched.Current()
	switch {
	case t == nil:
		return k.halt(tf, fmt.Sprintf("page fault at %v with no current task", tf.FaultAddr))
	case !tf.User():
		// The kernel touched a bad address on behalf of t; its own state
		// can no longer be trusted.
		return k.halt(tf, fmt.Sprintf("kernel-mode page fault at %v while %v was current", tf.FaultAddr, t))
	case t.State() == Terminated:
		return k.terminate(tf, t, "page fault after termination")
	}
	if err := t.as.HandleFault(tf.FaultAddr, tf.Access()); err != nil {
		return k.terminate(tf, t, err.Error())
	}
	k.record(tf, t, faultlog.Recoverable, "mapped on demand")
	return ring0.Resume
}

// HandleException implements ring0.Handlers.HandleException.
func (k *Kernel) HandleException(tf *ring0.TrapFrame) ring0.Outcome {
	t := k.sched.Current()
	if t == nil {
		return k.halt(tf, fmt.Sprintf("%v with no current task", tf.Vector))
	}
	return k.terminate(tf, t, tf.Vector.String())
}

// HandleTimer implements ring0.Handlers.HandleTimer.
func (k *Kernel) HandleTimer(tf *ring0.TrapFrame) ring0.Outcome {
	k.ticks.Add(1)
	prev := k.sched.Current()
	k.decision = k.sched.Preempt(tf)
	if k.decision.Task == prev && prev != nil {
		return ring0.Resume
	}
	if k.decision.Idle && prev == nil {
		return ring0.Resume
	}
	return ring0.Switch
}

// deviceLog logs device interrupts, which may arrive at a high rate.
var deviceLog = log.BasicRateLimitedLogger(time.Second)

// HandleDevice implements ring0.Handlers.HandleDevice.
func (k *Kernel) HandleDevice(tf *ring0.TrapFrame) ring0.Outcome {
	deviceLog.Debugf("Device interrupt %v", tf.Vector)
	return ring0.Resume
}

// HandleHalt implements ring0.Handlers.HandleHalt.
func (k *Kernel) HandleHalt(tf *ring0.TrapFrame, cause error) {
	reason := cause.Error()
	if k.haltReason != "" {
		reason = fmt.Sprintf("%s: %s", k.haltReason, reason)
	}
	k.record(tf, k.sched.Current(), faultlog.SystemFatal, reason)
}

var _ ring0.Handlers = (*Kernel)(nil)
