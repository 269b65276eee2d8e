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

// Package arch describes the saved x86-64 register state of a task and the
// layout of its initial user stack.
package arch

import (
	"fmt"

	"qkernel.dev/qkernel/pkg/hostarch"
)

// Registers is the general purpose and segment register state saved at
// trap entry, in the order of the Linux user_regs_struct.
type Registers struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// IP returns the current instruction pointer.
func (r *Registers) IP() hostarch.Addr {
	return hostarch.Addr(r.Rip)
}

// SetIP sets the current instruction pointer.
func (r *Registers) SetIP(value hostarch.Addr) {
	r.Rip = uint64(value)
}

// Stack returns the current stack pointer.
func (r *Registers) Stack() hostarch.Addr {
	return hostarch.Addr(r.Rsp)
}

// SetStack sets the current stack pointer.
func (r *Registers) SetStack(value hostarch.Addr) {
	r.Rsp = uint64(value)
}

// String implements fmt.Stringer.
func (r *Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rflags=%#x cs=%#x ss=%#x", r.Rip, r.Rsp, r.Eflags, r.Cs, r.Ss)
}
