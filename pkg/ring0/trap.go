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

// Package ring0 models the trap boundary of a single x86-64 CPU: the vector
// table, the saved trap frame, the interrupt flag and CR2/CR3, and the
// dispatch of each trap to the kernel's handlers.
package ring0

import (
	"fmt"

	"qkernel.dev/qkernel/pkg/arch"
	"qkernel.dev/qkernel/pkg/hostarch"
)

// TrapFrame is the machine state captured at trap entry. It lives only for
// the duration of one dispatch; handlers copy out what they keep.
type TrapFrame struct {
	// Vector is the trap vector.
	Vector Vector

	// ErrorCode is the hardware error code, or zero for vectors that do
	// not push one.
	ErrorCode uint64

	// FaultAddr is the CR2 value for page faults.
	FaultAddr hostarch.Addr

	// Regs are the interrupted registers.
	Regs arch.Registers
}

// Access returns the access type of a page fault.
func (tf *TrapFrame) Access() hostarch.AccessType {
	switch {
	case tf.ErrorCode&pfInstruction != 0:
		return hostarch.Execute
	case tf.ErrorCode&pfWrite != 0:
		return hostarch.Write
	default:
		return hostarch.Read
	}
}

// User reports whether the trap came from user mode.
func (tf *TrapFrame) User() bool {
	if tf.Vector == PageFault {
		return tf.ErrorCode&pfUser != 0
	}
	return tf.Regs.Cs&3 == 3
}

// ProtectionViolation reports whether a page fault hit a present page, as
// opposed to a missing one.
func (tf *TrapFrame) ProtectionViolation() bool {
	return tf.ErrorCode&(pfProtection|pfReserved) != 0
}

// String implements fmt.Stringer.
func (tf *TrapFrame) String() string {
	if tf.Vector == PageFault {
		return fmt.Sprintf("%v at %v (%v, err=%#x) ip=%#x", tf.Vector, tf.FaultAddr, tf.Access(), tf.ErrorCode, tf.Regs.Rip)
	}
	return fmt.Sprintf("%v err=%#x ip=%#x", tf.Vector, tf.ErrorCode, tf.Regs.Rip)
}
