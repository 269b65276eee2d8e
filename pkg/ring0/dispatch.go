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
	"fmt"

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/log"
)

// HandlerKind is the handler slot a vector routes to.
type HandlerKind uint8

// Handler kinds.
const (
	// KindUnrouted vectors halt the system when raised.
	KindUnrouted HandlerKind = iota

	// KindException vectors are fatal to the current task.
	KindException

	// KindPageFault vectors consult the current address space.
	KindPageFault

	// KindTimer vectors are acknowledged and preempt the current task.
	KindTimer

	// KindDevice vectors are acknowledged and logged.
	KindDevice

	// KindHalt vectors indicate a broken kernel and halt the system.
	KindHalt
)

// String implements fmt.Stringer.
func (k HandlerKind) String() string {
	switch k {
	case KindUnrouted:
		return "unrouted"
	case KindException:
		return "exception"
	case KindPageFault:
		return "pagefault"
	case KindTimer:
		return "timer"
	case KindDevice:
		return "device"
	case KindHalt:
		return "halt"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// VectorTable maps every vector to a handler kind. It is built, then
// installed once; an installed table never changes.
type VectorTable struct {
	installed bool
	kinds     [_NR_INTERRUPTS]HandlerKind
}

// NewVectorTable returns an uninstalled table with the architectural
// exceptions and the timer routed. Reserved vectors stay unrouted.
func NewVectorTable() *VectorTable {
	t := &VectorTable{}
	for v := range vectorNames {
		t.kinds[v] = KindException
	}
	t.kinds[NMI] = KindDevice
	t.kinds[PageFault] = KindPageFault
	t.kinds[DoubleFault] = KindHalt
	t.kinds[MachineCheck] = KindHalt
	t.kinds[SyscallInt80] = KindUnrouted
	t.kinds[TimerVector] = KindTimer
	return t
}

// Route assigns v to kind k.
func (t *VectorTable) Route(v Vector, k HandlerKind) error {
	if t.installed {
		return fmt.Errorf("route %v after install: %w", v, kernerr.ConfigurationFault)
	}
	if v >= _NR_INTERRUPTS {
		return fmt.Errorf("route %v: %w", v, kernerr.ConfigurationFault)
	}
	t.kinds[v] = k
	return nil
}

// Install freezes the table.
func (t *VectorTable) Install() error {
	if t.installed {
		return fmt.Errorf("vector table installed twice: %w", kernerr.ConfigurationFault)
	}
	t.installed = true
	return nil
}

// Installed reports whether Install has been called.
func (t *VectorTable) Installed() bool {
	return t.installed
}

// Kind returns the handler kind of v.
func (t *VectorTable) Kind(v Vector) HandlerKind {
	if v >= _NR_INTERRUPTS {
		return KindUnrouted
	}
	return t.kinds[v]
}

// Outcome is what the trap return path does next.
type Outcome int

const (
	// Resume returns to the interrupted context.
	Resume Outcome = iota

	// Switch restores the context chosen by the scheduler.
	Switch

	// Halt stops the CPU.
	Halt
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Resume:
		return "resume"
	case Switch:
		return "switch"
	case Halt:
		return "halt"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handlers are the kernel's trap handlers. They run with interrupts masked
// and must not block.
type Handlers interface {
	// HandlePageFault handles a page fault.
	HandlePageFault(tf *TrapFrame) Outcome

	// HandleException handles an exception fatal to the current task.
	HandleException(tf *TrapFrame) Outcome

	// HandleTimer is called after the timer has been acknowledged.
	HandleTimer(tf *TrapFrame) Outcome

	// HandleDevice handles a device interrupt.
	HandleDevice(tf *TrapFrame) Outcome

	// HandleHalt is called once when the system halts.
	HandleHalt(tf *TrapFrame, reason error)
}

// Timer is the interrupt timer.
type Timer interface {
	// Ack acknowledges the current tick.
	Ack()
}

// Dispatcher routes traps through an installed VectorTable.
type Dispatcher struct {
	cpu      *CPU
	table    *VectorTable
	handlers Handlers
	timer    Timer
}

// NewDispatcher returns a Dispatcher. The table must be installed.
func NewDispatcher(cpu *CPU, table *VectorTable, handlers Handlers, timer Timer) (*Dispatcher, error) {
	if !table.Installed() {
		return nil, fmt.Errorf("dispatch through an uninstalled vector table: %w", kernerr.ConfigurationFault)
	}
	return &Dispatcher{
		cpu:      cpu,
		table:    table,
		handlers: handlers,
		timer:    timer,
	}, nil
}

// Dispatch handles one trap. After a halt every dispatch returns Halt.
func (d *Dispatcher) Dispatch(tf *TrapFrame) Outcome {
	if halted, _ := d.cpu.Halted(); halted {
		return Halt
	}
	enabled := d.cpu.enterTrap(tf)
	defer d.cpu.exitTrap(enabled)

	var out Outcome
	switch kind := d.table.Kind(tf.Vector); kind {
	case KindPageFault:
		out = d.handlers.HandlePageFault(tf)
	case KindTimer:
		if d.timer != nil {
			d.timer.Ack()
		}
		out = d.handlers.HandleTimer(tf)
	case KindException:
		out = d.handlers.HandleException(tf)
	case KindDevice:
		out = d.handlers.HandleDevice(tf)
	case KindHalt:
		return d.halt(tf, fmt.Errorf("%v: %w", tf.Vector, kernerr.ConfigurationFault))
	default:
		return d.halt(tf, fmt.Errorf("unrouted %v: %w", tf.Vector, kernerr.ConfigurationFault))
	}

	if out == Halt {
		return d.halt(tf, fmt.Errorf("%v not contained by its handler: %w", tf.Vector, kernerr.FaultFatal))
	}
	return out
}

func (d *Dispatcher) halt(tf *TrapFrame, reason error) Outcome {
	log.Warningf("Halting: %v: %v", tf, reason)
	d.cpu.Halt(reason)
	d.handlers.HandleHalt(tf, reason)
	return Halt
}
