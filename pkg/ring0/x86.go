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

	"qkernel.dev/qkernel/pkg/arch"
)

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	SecurityException = 0x1e
	SyscallInt80      = 0x80
	_NR_INTERRUPTS    = 0x100
)

// Hardware interrupt vectors, after remapping the legacy PIC above the
// exceptions.
const (
	// TimerVector is IRQ 0.
	TimerVector Vector = 0x20

	// FirstDeviceVector is IRQ 1; device IRQs follow it.
	FirstDeviceVector Vector = 0x21

	// LastDeviceVector is IRQ 15.
	LastDeviceVector Vector = 0x2f
)

var vectorNames = map[Vector]string{
	DivideByZero:               "divide error",
	Debug:                      "debug",
	NMI:                        "nmi",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	CoprocessorSegmentOverrun:  "coprocessor segment overrun",
	InvalidTSS:                 "invalid tss",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack fault",
	GeneralProtectionFault:     "general protection",
	PageFault:                  "page fault",
	X87FloatingPointException:  "x87 floating point",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "simd floating point",
	VirtualizationException:    "virtualization",
	SecurityException:          "security",
	SyscallInt80:               "int80",
	TimerVector:                "timer",
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return fmt.Sprintf("%s (%#x)", name, uintptr(v))
	}
	return fmt.Sprintf("vector %#x", uintptr(v))
}

// Segment selectors.
const (
	segKcode   = 1
	segKdata   = 2
	segUcode32 = 3
	segUdata   = 4
	segUcode64 = 5

	// Kcode is the kernel code selector.
	Kcode = segKcode << 3

	// Kdata is the kernel data selector.
	Kdata = segKdata << 3

	// Ucode32 is the 32-bit user code selector.
	Ucode32 = (segUcode32 << 3) | 3

	// Udata is the user data selector.
	Udata = (segUdata << 3) | 3

	// Ucode64 is the 64-bit user code selector.
	Ucode64 = (segUcode64 << 3) | 3
)

// RFLAGS bits.
const (
	_RFLAGS_CF       = 1 << 0
	_RFLAGS_RESERVED = 1 << 1
	_RFLAGS_TF       = 1 << 8
	_RFLAGS_IF       = 1 << 9
	_RFLAGS_DF       = 1 << 10
	_RFLAGS_IOPL     = (1 << 12) | (1 << 13)
	_RFLAGS_NT       = 1 << 14
	_RFLAGS_AC       = 1 << 18

	// KernelFlagsSet should always be set in the kernel.
	KernelFlagsSet = _RFLAGS_RESERVED

	// UserFlagsSet are always set in userspace.
	UserFlagsSet = _RFLAGS_RESERVED | _RFLAGS_IF

	// UserFlagsClear are always cleared in userspace.
	UserFlagsClear = _RFLAGS_NT | _RFLAGS_IOPL
)

// Page fault error code bits.
const (
	pfProtection  = 1 << 0
	pfWrite       = 1 << 1
	pfUser        = 1 << 2
	pfReserved    = 1 << 3
	pfInstruction = 1 << 4

	// PageFaultUserRead is the error code of a user read of a
	// non-present page.
	PageFaultUserRead = pfUser

	// PageFaultUserWrite is the error code of a user write to a
	// non-present page.
	PageFaultUserWrite = pfUser | pfWrite

	// PageFaultUserExecute is the error code of a user instruction fetch
	// from a non-present page.
	PageFaultUserExecute = pfUser | pfInstruction

	// PageFaultProtection is set in the error code of a fault on a
	// present page.
	PageFaultProtection = pfProtection
)

// UserRegisters returns the register state for entering user mode at entry
// with the given stack pointer.
func UserRegisters(entry, sp uint64) arch.Registers {
	regs := arch.Registers{
		Rip:    entry,
		Rsp:    sp,
		Eflags: UserFlagsSet,
		Cs:     uint64(Ucode64),
		Ss:     uint64(Udata),
		Ds:     uint64(Udata),
		Es:     uint64(Udata),
	}
	return regs
}

// SanitizeUserRegisters forces the flag and segment bits a return to user
// mode requires.
func SanitizeUserRegisters(regs *arch.Registers) {
	regs.Eflags &= ^uint64(UserFlagsClear)
	regs.Eflags |= UserFlagsSet
	regs.Cs = uint64(Ucode64) // Required for iret.
	regs.Ss = uint64(Udata)   // Ditto.
}
