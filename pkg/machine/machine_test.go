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

package machine

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"qkernel.dev/qkernel/pkg/boot"
	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/faultlog"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/kernel"
	"qkernel.dev/qkernel/pkg/loader"
	"qkernel.dev/qkernel/pkg/loader/elftest"
	"qkernel.dev/qkernel/pkg/ring0"
)

const testMemory = 16 << 20

func newMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(Options{Boot: boot.Default(testMemory)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func program(t *testing.T) *loader.Image {
	t.Helper()
	image, err := elftest.Text(0x400000, bytes.Repeat([]byte{0x90}, 64)).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	img, err := loader.Parse(image)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return img
}

func load(t *testing.T, m *Machine, name string, lazy bool) *kernel.Task {
	t.Helper()
	task, err := m.Load(program(t), loader.Options{Filename: name, Lazy: lazy})
	if err != nil {
		t.Fatalf("Load(%s) failed: %v", name, err)
	}
	return task
}

func stepNames(steps []Step) []string {
	var names []string
	for _, s := range steps {
		if s.Task == nil {
			names = append(names, "idle")
			continue
		}
		names = append(names, s.Task.Name())
	}
	return names
}

func verdicts(records []faultlog.Record) map[faultlog.Verdict]int {
	counts := make(map[faultlog.Verdict]int)
	for _, r := range records {
		counts[r.Verdict]++
	}
	return counts
}

func TestNewRejectsBadMemoryMap(t *testing.T) {
	if _, err := New(Options{}); !kernerr.Equals(kernerr.ConfigurationFault, err) {
		t.Errorf("New got %v, want %v", err, kernerr.ConfigurationFault)
	}
}

func TestRoundRobin(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		m := newMachine(t)
		load(t, m, "A", lazy)
		load(t, m, "B", lazy)
		load(t, m, "C", lazy)

		if d := m.Start(); d.Task == nil || d.Task.Name() != "A" {
			t.Fatalf("Start got %v, want A", d)
		}
		steps := m.Run(9)
		want := []string{"B", "C", "A", "B", "C", "A", "B", "C", "A"}
		if diff := cmp.Diff(want, stepNames(steps)); diff != "" {
			t.Errorf("lazy=%t: schedule mismatch (-want +got):\n%s", lazy, diff)
		}
		if got := m.TimerAcks(); got != 9 {
			t.Errorf("lazy=%t: TimerAcks got %d, want 9", lazy, got)
		}
		counts := verdicts(m.Faults().Records())
		if counts[faultlog.Recoverable] == 0 || counts[faultlog.TaskFatal] != 0 || counts[faultlog.SystemFatal] != 0 {
			t.Errorf("lazy=%t: fault verdicts got %v, want only recoverable faults", lazy, counts)
		}
		for _, task := range m.Tasks() {
			regs := task.Registers()
			if got := regs.IP(); got != 0x400000+3*instructionBytes {
				t.Errorf("lazy=%t: %v IP got %v, want %#x", lazy, task, got, 0x400000+3*instructionBytes)
			}
		}

		m.Destroy()
		if got, want := m.Frames().FreeFrameCount(), m.Frames().TotalFrames(); got != want {
			t.Errorf("lazy=%t: free frames after Destroy got %d, want %d", lazy, got, want)
		}
	}
}

func TestLazyTextFaultsOnce(t *testing.T) {
	m := newMachine(t)
	defer m.Destroy()
	a := load(t, m, "A", true)
	m.Start()

	if out := m.Access(0x400000, hostarch.Execute); out != ring0.Resume {
		t.Fatalf("first fetch got %v, want %v", out, ring0.Resume)
	}
	if out := m.Access(0x400010, hostarch.Execute); out != ring0.Resume {
		t.Fatalf("second fetch got %v, want %v", out, ring0.Resume)
	}
	records := m.Faults().Records()
	if len(records) != 1 {
		t.Fatalf("got %d fault records, want 1: %v", len(records), records)
	}
	r := records[0]
	if r.Verdict != faultlog.Recoverable || r.TaskID != a.ID() || r.Addr != 0x400000 || r.Vector != ring0.PageFault {
		t.Errorf("unexpected record %v", r)
	}
}

func TestBadAccessTerminates(t *testing.T) {
	m := newMachine(t)
	free := m.Frames().FreeFrameCount()
	a := load(t, m, "A", false)
	b := load(t, m, "B", false)
	m.Start()

	// Writing to text is a protection fault.
	if out := m.Access(0x400000, hostarch.Write); out != ring0.Switch {
		t.Fatalf("write to text got %v, want %v", out, ring0.Switch)
	}
	if got := a.State(); got != kernel.Terminated {
		t.Errorf("A state got %v, want %v", got, kernel.Terminated)
	}
	if cur := m.Kernel().Scheduler().Current(); cur != b {
		t.Errorf("current got %v, want %v", cur, b)
	}
	if got := m.CPU().LastUserRegisters().Rip; got != 0x400000 {
		t.Errorf("restored IP got %#x, want %#x", got, 0x400000)
	}

	// An access outside any region is fatal too.
	if out := m.Access(0x10000000, hostarch.Read); out != ring0.Switch {
		t.Fatalf("wild read got %v, want %v", out, ring0.Switch)
	}
	steps := m.Run(2)
	if diff := cmp.Diff([]string{"idle", "idle"}, stepNames(steps)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
	if counts := verdicts(m.Faults().Records()); counts[faultlog.TaskFatal] != 2 {
		t.Errorf("fault verdicts got %v, want 2 task-fatal", counts)
	}
	if got := m.Frames().FreeFrameCount(); got != free {
		t.Errorf("free frames after both tasks died got %d, want %d", got, free)
	}
	m.Destroy()
}

func TestIdle(t *testing.T) {
	m := newMachine(t)
	defer m.Destroy()
	if d := m.Start(); !d.Idle {
		t.Fatalf("Start got %v, want idle", d)
	}
	steps := m.Run(3)
	if diff := cmp.Diff([]string{"idle", "idle", "idle"}, stepNames(steps)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
	if got := m.Access(0x400000, hostarch.Read); got != ring0.Resume {
		t.Errorf("idle access got %v, want %v", got, ring0.Resume)
	}
}

func TestHalt(t *testing.T) {
	m := newMachine(t)
	defer m.Destroy()
	load(t, m, "A", false)
	m.Start()

	if out := m.Interrupt(ring0.DoubleFault); out != ring0.Halt {
		t.Fatalf("double fault got %v, want %v", out, ring0.Halt)
	}
	if halted, err := m.Halted(); !halted || !kernerr.Equals(kernerr.ConfigurationFault, err) {
		t.Errorf("Halted got (%t, %v), want (true, %v)", halted, err, kernerr.ConfigurationFault)
	}
	if steps := m.Run(5); len(steps) != 0 {
		t.Errorf("Run after halt got %d steps, want 0", len(steps))
	}
	if counts := verdicts(m.Faults().Records()); counts[faultlog.SystemFatal] != 1 {
		t.Errorf("fault verdicts got %v, want 1 system-fatal", counts)
	}
}

func TestDeviceInterruptResumes(t *testing.T) {
	m := newMachine(t)
	defer m.Destroy()
	a := load(t, m, "A", false)
	m.Start()
	if out := m.Interrupt(ring0.FirstDeviceVector); out != ring0.Resume {
		t.Errorf("device interrupt got %v, want %v", out, ring0.Resume)
	}
	if cur := m.Kernel().Scheduler().Current(); cur != a {
		t.Errorf("current got %v, want %v", cur, a)
	}
}
