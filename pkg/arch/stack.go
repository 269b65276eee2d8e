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

package arch

import (
	"encoding/binary"
	"fmt"

	"qkernel.dev/qkernel/pkg/hostarch"
)

// CopyOuter writes to task memory.
type CopyOuter interface {
	// CopyOut copies src to addr, returning the number of bytes copied.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)
}

// Stack is a simple wrapper around a CopyOuter to push values onto a
// downward growing stack.
type Stack struct {
	// IO is the target of pushes.
	IO CopyOuter

	// Bottom is the current stack pointer: the lowest byte written so far.
	Bottom hostarch.Addr
}

// AuxEntry represents an entry in an ELF auxiliary vector.
type AuxEntry struct {
	Key   uint64
	Value hostarch.Addr
}

// Auxv represents an ELF auxiliary vector.
type Auxv []AuxEntry

// StackLayout describes the location of the arguments and environment on the
// stack.
type StackLayout struct {
	// ArgvStart is the beginning of the argument vector.
	ArgvStart hostarch.Addr

	// ArgvEnd is the end of the argument vector.
	ArgvEnd hostarch.Addr

	// EnvvStart is the beginning of the environment vector.
	EnvvStart hostarch.Addr

	// EnvvEnd is the end of the environment vector.
	EnvvEnd hostarch.Addr
}

// PushBytes writes b below the current bottom and returns its address.
func (s *Stack) PushBytes(b []byte) (hostarch.Addr, error) {
	addr := s.Bottom - hostarch.Addr(len(b))
	if addr > s.Bottom {
		return 0, fmt.Errorf("stack underflow pushing %d bytes at %v", len(b), s.Bottom)
	}
	if n, err := s.IO.CopyOut(addr, b); err != nil {
		return 0, err
	} else if n != len(b) {
		return 0, fmt.Errorf("short stack write at %v: %d of %d bytes", addr, n, len(b))
	}
	s.Bottom = addr
	return addr, nil
}

// PushString writes str and a terminating NUL.
func (s *Stack) PushString(str string) (hostarch.Addr, error) {
	b := make([]byte, len(str)+1)
	copy(b, str)
	return s.PushBytes(b)
}

// PushUint64 writes a little-endian 64-bit value.
func (s *Stack) PushUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := s.PushBytes(b[:])
	return err
}

// pushAddrSliceAndTerminator pushes addrs followed by a null address, so
// that addrs[0] ends up lowest.
func (s *Stack) pushAddrSliceAndTerminator(addrs []hostarch.Addr) error {
	b := make([]byte, 8*(len(addrs)+1))
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(a))
	}
	_, err := s.PushBytes(b)
	return err
}

// Align moves the bottom down to a multiple of n, which must be a power of
// two.
func (s *Stack) Align(n int) {
	s.Bottom &^= hostarch.Addr(n - 1)
}

// Load pushes the initial process image: argument and environment strings,
// then (16-byte aligned) the auxiliary vector, envp, argv and argc. The
// returned layout locates the strings; s.Bottom is the initial stack pointer.
//
// aux must not include the AT_NULL terminator; it is added here.
func (s *Stack) Load(args []string, env []string, aux Auxv) (StackLayout, error) {
	var l StackLayout

	// Environment strings sit above the argument strings.
	l.EnvvEnd = s.Bottom
	envAddrs := make([]hostarch.Addr, len(env))
	for i := len(env) - 1; i >= 0; i-- {
		addr, err := s.PushString(env[i])
		if err != nil {
			return l, err
		}
		envAddrs[i] = addr
	}
	l.EnvvStart = s.Bottom

	l.ArgvEnd = s.Bottom
	argAddrs := make([]hostarch.Addr, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		addr, err := s.PushString(args[i])
		if err != nil {
			return l, err
		}
		argAddrs[i] = addr
	}
	l.ArgvStart = s.Bottom

	// argc, argv + NULL, envp + NULL and the auxv pairs including AT_NULL
	// must leave the stack pointer 16-byte aligned.
	s.Align(16)
	words := 1 + (len(args) + 1) + (len(env) + 1) + 2*(len(aux)+1)
	if words%2 != 0 {
		if err := s.PushUint64(0); err != nil {
			return l, err
		}
	}

	b := make([]byte, 16*(len(aux)+1))
	for i, e := range aux {
		binary.LittleEndian.PutUint64(b[16*i:], e.Key)
		binary.LittleEndian.PutUint64(b[16*i+8:], uint64(e.Value))
	}
	if _, err := s.PushBytes(b); err != nil {
		return l, err
	}
	if err := s.pushAddrSliceAndTerminator(envAddrs); err != nil {
		return l, err
	}
	if err := s.pushAddrSliceAndTerminator(argAddrs); err != nil {
		return l, err
	}
	if err := s.PushUint64(uint64(len(args))); err != nil {
		return l, err
	}
	return l, nil
}
