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

package ring0

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/sync"
)

type recordingHandlers struct {
	cpu       *CPU
	calls     []string
	depths    []int
	outcome   Outcome
	haltCause error
}

func (h *recordingHandlers) record(name string) Outcome {
	h.calls = append(h.calls, name)
	h.depths = append(h.depths, h.cpu.Depth())
	if h.cpu.InterruptsEnabled() {
		h.calls = append(h.calls, "interrupts-enabled")
	}
	return h.outcome
}

func (h *recordingHandlers) HandlePageFault(*TrapFrame) Outcome { return h.record("pagefault") }
func (h *recordingHandlers) HandleException(*TrapFrame) Outcome { return h.record("exception") }
func (h *recordingHandlers) HandleTimer(*TrapFrame) Outcome     { return h.record("timer") }
func (h *recordingHandlers) HandleDevice(*TrapFrame) Outcome    { return h.record("device") }
func (h *recordingHandlers) HandleHalt(_ *TrapFrame, err error) {
	h.calls = append(h.calls, "halt")
	h.haltCause = err
}

type countingTimer struct{ acks int }

func (c *countingTimer) Ack() { c.acks++ }

func newDispatcher(t *testing.T) (*Dispatcher, *recordingHandlers, *countingTimer) {
	t.Helper()
	cpu := NewCPU()
	table := NewVectorTable()
	if err := table.Route(FirstDeviceVector, KindDevice); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if err := table.Install(); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	h := &recordingHandlers{cpu: cpu}
	timer := &countingTimer{}
	d, err := NewDispatcher(cpu, table, h, timer)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d, h, timer
}

func TestRouting(t *testing.T) {
	d, h, timer := newDispatcher(t)
	for _, v := range []Vector{PageFault, TimerVector, GeneralProtectionFault, InvalidOpcode, FirstDeviceVector} {
		if out := d.Dispatch(&TrapFrame{Vector: v}); out != Resume {
			t.Errorf("Dispatch(%v) = %v, want resume", v, out)
		}
	}
	want := []string{"pagefault", "timer", "exception", "exception", "device"}
	if diff := cmp.Diff(want, h.calls); diff != "" {
		t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1, 1, 1, 1}, h.depths); diff != "" {
		t.Errorf("nesting depths mismatch (-want +got):\n%s", diff)
	}
	if timer.acks != 1 {
		t.Errorf("timer acknowledged %d times, want 1", timer.acks)
	}
	if !d.cpu.InterruptsEnabled() || d.cpu.Depth() != 0 {
		t.Errorf("trap exit did not restore the CPU")
	}
}

func TestPageFaultLatchesCR2(t *testing.T) {
	d, _, _ := newDispatcher(t)
	tf := &TrapFrame{Vector: PageFault, ErrorCode: PageFaultUserWrite, FaultAddr: 0x7000}
	d.Dispatch(tf)
	if d.cpu.CR2() != 0x7000 {
		t.Errorf("CR2 = %#x, want 0x7000", d.cpu.CR2())
	}
	if tf.Access() != hostarch.Write || !tf.User() || tf.ProtectionViolation() {
		t.Errorf("decoded %v", tf)
	}
}

func TestHaltingVectors(t *testing.T) {
	for _, v := range []Vector{DoubleFault, 0x99, SyscallInt80, 15} {
		d, h, _ := newDispatcher(t)
		if out := d.Dispatch(&TrapFrame{Vector: v}); out != Halt {
			t.Errorf("Dispatch(%v) = %v, want halt", v, out)
		}
		if !kernerr.Equals(kernerr.ConfigurationFault, h.haltCause) {
			t.Errorf("Dispatch(%v) halt cause = %v, want ConfigurationFault", v, h.haltCause)
		}
		halted, err := d.cpu.Halted()
		if !halted || !kernerr.Equals(kernerr.ConfigurationFault, err) {
			t.Errorf("CPU halted = %t, %v", halted, err)
		}

		// Halting is terminal.
		if out := d.Dispatch(&TrapFrame{Vector: TimerVector}); out != Halt {
			t.Errorf("Dispatch after halt = %v, want halt", out)
		}
		if len(h.calls) != 1 {
			t.Errorf("handlers called after halt: %v", h.calls)
		}
	}
}

func TestHandlerRequestsHalt(t *testing.T) {
	d, h, _ := newDispatcher(t)
	h.outcome = Halt
	if out := d.Dispatch(&TrapFrame{Vector: DivideByZero}); out != Halt {
		t.Errorf("Dispatch = %v, want halt", out)
	}
	if !kernerr.Equals(kernerr.FaultFatal, h.haltCause) {
		t.Errorf("halt cause = %v, want FaultFatal", h.haltCause)
	}
}

func TestVectorTableLifecycle(t *testing.T) {
	table := NewVectorTable()
	if _, err := NewDispatcher(NewCPU(), table, nil, nil); !kernerr.Equals(kernerr.ConfigurationFault, err) {
		t.Errorf("NewDispatcher with uninstalled table = %v, want ConfigurationFault", err)
	}
	if err := table.Install(); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := table.Install(); !kernerr.Equals(kernerr.ConfigurationFault, err) {
		t.Errorf("second Install = %v, want ConfigurationFault", err)
	}
	if err := table.Route(FirstDeviceVector, KindDevice); !kernerr.Equals(kernerr.ConfigurationFault, err) {
		t.Errorf("Route after Install = %v, want ConfigurationFault", err)
	}
	if got := table.Kind(0x1000); got != KindUnrouted {
		t.Errorf("Kind(out of range) = %v, want unrouted", got)
	}
}

func TestCPUMasking(t *testing.T) {
	cpu := NewCPU()
	d := sync.NewDomain(cpu)
	var l sync.SpinLock
	l.Init(sync.RankPageTables, d)
	l.Lock()
	if cpu.InterruptsEnabled() {
		t.Errorf("interrupts enabled under spinlock")
	}
	cpu.SetCR3(0x5000)
	l.Unlock()
	if !cpu.InterruptsEnabled() {
		t.Errorf("interrupts not restored")
	}
	if cpu.CR3() != 0x5000 || cpu.AddressSpaceSwitches() != 1 {
		t.Errorf("CR3 = %#x after %d switches", cpu.CR3(), cpu.AddressSpaceSwitches())
	}

	defer func() {
		if recover() == nil {
			t.Errorf("SetCR3 with interrupts enabled did not panic")
		}
	}()
	cpu.SetCR3(0x6000)
}

func TestSwitchToUser(t *testing.T) {
	cpu := NewCPU()
	regs := UserRegisters(0x401000, 0x7fff0000)
	regs.Eflags |= _RFLAGS_IOPL
	cpu.SwitchToUser(&regs, 0x9000)
	got := cpu.LastUserRegisters()
	if got.Rip != 0x401000 || got.Rsp != 0x7fff0000 || got.Cs != Ucode64 || got.Ss != Udata {
		t.Errorf("restored %v", &got)
	}
	if got.Eflags&_RFLAGS_IOPL != 0 || got.Eflags&_RFLAGS_IF == 0 {
		t.Errorf("flags not sanitized: %#x", got.Eflags)
	}
	if cpu.CR3() != 0x9000 || !cpu.InterruptsEnabled() {
		t.Errorf("CR3 = %#x, interrupts = %t", cpu.CR3(), cpu.InterruptsEnabled())
	}
}
