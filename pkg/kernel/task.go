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

package kernel

import (
	"fmt"

	"qkernel.dev/qkernel/pkg/arch"
	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/ilist"
	"qkernel.dev/qkernel/pkg/mm"
	"qkernel.dev/qkernel/pkg/pmm"
)

// TaskState is the lifecycle state of a Task.
type TaskState int

const (
	// Ready tasks wait in the ready queue.
	Ready TaskState = iota

	// Running is the state of the current task.
	Running

	// Blocked tasks are never selected until unblocked.
	Blocked

	// Terminated tasks have released their resources. This state is final.
	Terminated
)

// String implements fmt.Stringer.
func (s TaskState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the allowed state changes.
var transitions = [...][4]bool{
	Ready:      {Running: true, Blocked: true, Terminated: true},
	Running:    {Ready: true, Blocked: true, Terminated: true},
	Blocked:    {Ready: true, Terminated: true},
	Terminated: {},
}

// checkTransition returns an error wrapping kernerr.InvalidTransition if
// from cannot change to to.
func checkTransition(from, to TaskState) error {
	if from < 0 || int(from) >= len(transitions) || to < 0 || int(to) >= len(transitions) || !transitions[from][to] {
		return fmt.Errorf("%v -> %v: %w", from, to, kernerr.InvalidTransition)
	}
	return nil
}

// Task is a schedulable user program with its own address space.
type Task struct {
	ilist.Entry[*Task]

	// The fields below are immutable.
	sched       *Scheduler
	id          uint64
	name        string
	as          *mm.AddressSpace
	cr3         uint64
	kernelStack pmm.Frame

	// The fields below are protected by sched.mu.
	state    TaskState
	queued   bool
	regs     arch.Registers
	brk      hostarch.Addr
	reason   string
	exitCode int
}

// ID returns the task ID.
func (t *Task) ID() uint64 {
	return t.id
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.id, t.name)
}

// AddressSpace returns the task's address space.
func (t *Task) AddressSpace() *mm.AddressSpace {
	return t.as
}

// KernelStack returns the kernel stack in the direct map.
func (t *Task) KernelStack() hostarch.AddrRange {
	start := hostarch.PhysToVirt(t.kernelStack.Address())
	return hostarch.AddrRange{Start: start, End: start + KernelStackSize}
}

// State returns the task state.
func (t *Task) State() TaskState {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.state
}

// Registers returns the saved user registers.
func (t *Task) Registers() arch.Registers {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.regs
}

// Brk returns the program break.
func (t *Task) Brk() hostarch.Addr {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.brk
}

// SetBrk sets the program break.
func (t *Task) SetBrk(brk hostarch.Addr) {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	t.brk = brk
}

// ExitStatus returns the exit code and the reason the task was blocked or
// terminated.
func (t *Task) ExitStatus() (int, string) {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.exitCode, t.reason
}

// Preconditions: t.sched.mu is locked.
func (t *Task) setStateLocked(to TaskState) error {
	if err := checkTransition(t.state, to); err != nil {
		return fmt.Errorf("%v: %w", t, err)
	}
	t.state = to
	return nil
}
