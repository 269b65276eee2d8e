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
	"qkernel.dev/qkernel/pkg/arch"
	"qkernel.dev/qkernel/pkg/atomicbitops"
	"qkernel.dev/qkernel/pkg/sync"
)

// CPU is the simulated state of the single CPU: the interrupt flag, control
// registers and trap nesting depth.
//
// CPU implements sync.Interrupts, so spinlocks in its domain mask its
// interrupts.
type CPU struct {
	interrupts atomicbitops.Bool
	depth      atomicbitops.Uint32
	cr2        atomicbitops.Uint64
	cr3        atomicbitops.Uint64
	switches   atomicbitops.Uint64
	halted     atomicbitops.Bool

	// mu protects the fields below.
	mu         sync.Mutex
	haltReason error
	lastUser   arch.Registers
}

// NewCPU returns a CPU with interrupts enabled.
func NewCPU() *CPU {
	c := &CPU{}
	c.interrupts.Store(true)
	return c
}

// DisableInterrupts implements sync.Interrupts.DisableInterrupts.
func (c *CPU) DisableInterrupts() bool {
	return c.interrupts.Swap(false)
}

// RestoreInterrupts implements sync.Interrupts.RestoreInterrupts.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.interrupts.Store(enabled)
}

// InterruptsEnabled returns the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.interrupts.Load()
}

// Depth returns the current trap nesting depth.
func (c *CPU) Depth() int {
	return int(c.depth.Load())
}

// CR2 returns the last page fault address.
func (c *CPU) CR2() uint64 {
	return c.cr2.Load()
}

// CR3 returns the active top-level page table.
func (c *CPU) CR3() uint64 {
	return c.cr3.Load()
}

// SetCR3 installs a top-level page table. Callers must have interrupts
// masked.
func (c *CPU) SetCR3(cr3 uint64) {
	if c.InterruptsEnabled() {
		panic("CR3 written with interrupts enabled")
	}
	if c.cr3.Load() != cr3 {
		c.switches.Add(1)
	}
	c.cr3.Store(cr3)
}

// AddressSpaceSwitches returns the number of CR3 changes.
func (c *CPU) AddressSpaceSwitches() uint64 {
	return c.switches.Load()
}

// enterTrap records trap entry: interrupts are masked, the nesting depth
// grows, and page faults latch CR2. It returns the previous interrupt flag.
func (c *CPU) enterTrap(tf *TrapFrame) bool {
	enabled := c.DisableInterrupts()
	c.depth.Add(1)
	if tf.Vector == PageFault {
		c.cr2.Store(uint64(tf.FaultAddr))
	}
	return enabled
}

// exitTrap undoes enterTrap.
func (c *CPU) exitTrap(enabled bool) {
	c.depth.Add(^uint32(0))
	c.RestoreInterrupts(enabled)
}

// Halt stops the CPU. Only the first reason is kept.
func (c *CPU) Halt(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted.Swap(true) {
		return
	}
	c.haltReason = reason
}

// Halted reports whether the CPU is halted, and why.
func (c *CPU) Halted() (bool, error) {
	if !c.halted.Load() {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return true, c.haltReason
}

// SwitchToUser is the context-restore step: it installs cr3 and resumes
// regs in user mode. The simulated CPU records the registers it would have
// restored.
func (c *CPU) SwitchToUser(regs *arch.Registers, cr3 uint64) {
	enabled := c.DisableInterrupts()
	c.SetCR3(cr3)
	c.RestoreInterrupts(enabled)

	sanitized := *regs
	SanitizeUserRegisters(&sanitized)
	c.mu.Lock()
	c.lastUser = sanitized
	c.mu.Unlock()
}

// LastUserRegisters returns the registers of the last SwitchToUser.
func (c *CPU) LastUserRegisters() arch.Registers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUser
}

// ContextRestorer consumes scheduling decisions at the assembly boundary.
type ContextRestorer interface {
	SwitchToUser(regs *arch.Registers, cr3 uint64)
}

var _ sync.Interrupts = (*CPU)(nil)
var _ ContextRestorer = (*CPU)(nil)
