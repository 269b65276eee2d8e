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
	"qkernel.dev/qkernel/pkg/ilist"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/mm"
	"qkernel.dev/qkernel/pkg/ring0"
	"qkernel.dev/qkernel/pkg/sync"
)

// Decision is the outcome of a scheduling operation, consumed by the
// context-restore step.
type Decision struct {
	// Regs are the registers to restore. Nil when Idle.
	Regs *arch.Registers

	// CR3 is the top-level table to install.
	CR3 uint64

	// Task is the task to run. Nil when Idle.
	Task *Task

	// Idle is set when no task is ready.
	Idle bool
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d.Idle {
		return fmt.Sprintf("idle (cr3=%#x)", d.CR3)
	}
	return fmt.Sprintf("%v at %#x (cr3=%#x)", d.Task, d.Regs.Rip, d.CR3)
}

// Restore hands d to r. Idle decisions are not restored.
func (d Decision) Restore(r ring0.ContextRestorer) {
	if !d.Idle {
		r.SwitchToUser(d.Regs, d.CR3)
	}
}

// Scheduler is a FIFO scheduler with a single ready queue.
//
// Lock ordering: Scheduler.mu (sync.RankReadyQueue) is acquired after the
// page-table and allocator locks, so no address space is modified or freed
// while it is held.
type Scheduler struct {
	mm *mm.Manager

	mu       sync.SpinLock
	queue    ilist.List[*Task]
	current  *Task
	switches uint64
	preempts uint64
}

// NewScheduler returns an empty Scheduler whose lock belongs to d.
func NewScheduler(mgr *mm.Manager, d *sync.Domain) *Scheduler {
	s := &Scheduler{mm: mgr}
	s.mu.Init(sync.RankReadyQueue, d)
	return s
}

// Enqueue appends a Ready task to the ready queue.
func (s *Scheduler) Enqueue(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state != Ready || t.queued || t == s.current {
		return fmt.Errorf("enqueue %v in state %v: %w", t, t.state, kernerr.InvalidTransition)
	}
	s.queue.PushBack(t)
	t.queued = true
	return nil
}

// Current returns the running task, or nil when idle.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Queued returns the tasks in the ready queue, head first.
func (s *Scheduler) Queued() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*Task
	for t := s.queue.Front(); t != nil; t = t.Next() {
		tasks = append(tasks, t)
	}
	return tasks
}

// Switches returns the number of times a different task was selected.
func (s *Scheduler) Switches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches
}

// Preemptions returns the number of Preempt calls.
func (s *Scheduler) Preemptions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preempts
}

// Yield gives up the CPU: the registers of tf are saved into the current
// task, which goes to the tail of the ready queue unless it is blocked or
// terminated, and the head of the queue is selected. tf may be nil when
// there is nothing to save.
func (s *Scheduler) Yield(tf *ring0.TrapFrame) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchLocked(tf)
}

// Preempt is Yield on behalf of the timer.
func (s *Scheduler) Preempt(tf *ring0.TrapFrame) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preempts++
	return s.switchLocked(tf)
}

// Preconditions: s.mu is locked.
func (s *Scheduler) switchLocked(tf *ring0.TrapFrame) Decision {
	prev := s.current
	if prev != nil {
		if tf != nil && prev.state != Terminated {
			prev.regs = tf.Regs
		}
		if prev.state == Running {
			if err := prev.setStateLocked(Ready); err != nil {
				panic(err.Error())
			}
			s.queue.PushBack(prev)
			prev.queued = true
		}
	}

	next, ok := s.queue.PopFront()
	if !ok {
		s.current = nil
		s.mm.Activate(nil)
		if prev != nil {
			log.Debugf("%v descheduled, idle", prev)
		}
		return Decision{CR3: s.mm.KernelCR3(), Idle: true}
	}
	next.queued = false
	if err := next.setStateLocked(Running); err != nil {
		panic(err.Error())
	}
	s.current = next
	if next != prev {
		s.switches++
		s.mm.Activate(next.as)
	}
	return Decision{Regs: &next.regs, CR3: next.cr3, Task: next}
}

// Block marks t Blocked. A blocked current task keeps the CPU until the
// next Yield or Preempt.
func (s *Scheduler) Block(t *Task, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := t.setStateLocked(Blocked); err != nil {
		return err
	}
	if t.queued {
		s.queue.Remove(t)
		t.queued = false
	}
	t.reason = reason
	log.Debugf("%v blocked: %s", t, reason)
	return nil
}

// Unblock returns a Blocked task to the tail of the ready queue.
func (s *Scheduler) Unblock(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := t.setStateLocked(Ready); err != nil {
		return err
	}
	s.queue.PushBack(t)
	t.queued = true
	t.reason = ""
	return nil
}

// Kill terminates t: it leaves the ready queue and its address space and
// kernel stack are released. A killed current task keeps the CPU until the
// next Yield or Preempt, which never requeue it.
func (s *Scheduler) Kill(t *Task, reason string) error {
	s.mu.Lock()
	if err := t.setStateLocked(Terminated); err != nil {
		s.mu.Unlock()
		return err
	}
	if t.queued {
		s.queue.Remove(t)
		t.queued = false
	}
	t.reason = reason
	s.mu.Unlock()

	// Resources are freed without the ready queue lock: releasing takes
	// the page-table and allocator locks.
	s.release(t)
	log.Infof("%v terminated: %s", t, reason)
	return nil
}

// Exit terminates the current task with the given code and selects the
// next task.
func (s *Scheduler) Exit(code int) (Decision, error) {
	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		return Decision{}, fmt.Errorf("exit with no current task: %w", kernerr.InvalidTransition)
	}
	t.exitCode = code
	s.mu.Unlock()

	if err := s.Kill(t, fmt.Sprintf("exited with code %d", code)); err != nil {
		return Decision{}, err
	}
	return s.Yield(nil), nil
}

// release frees the resources of a terminated task.
func (s *Scheduler) release(t *Task) {
	t.as.Release()
	if err := s.mm.Frames().Free(t.kernelStack, KernelStackOrder); err != nil {
		panic(fmt.Sprintf("freeing kernel stack of %v: %v", t, err))
	}
}
