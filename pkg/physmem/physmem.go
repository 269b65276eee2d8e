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

// Package physmem provides the simulated physical memory that backs every
// frame handed out by the frame allocator.
//
// Physical address pa is byte pa of an anonymous host mapping, so frames
// can be zeroed, copied and interpreted as page tables without any further
// translation.
package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"qkernel.dev/qkernel/pkg/hostarch"
)

// Memory is a contiguous range of simulated physical memory [0, Limit).
type Memory struct {
	mem []byte
}

// New maps limit bytes of host memory. Pages are only committed by the host
// when touched, so sparse physical layouts cost nothing for their holes.
func New(limit uint64) (*Memory, error) {
	if limit == 0 || limit%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("physical memory limit %#x is not a non-zero multiple of the page size", limit)
	}
	mem, err := unix.Mmap(-1,
		0,
		int(limit),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %#x bytes of physical memory: %v", limit, err)
	}
	if sliceBackingPointer(mem)%uintptr(unix.Getpagesize()) != 0 {
		unix.Munmap(mem)
		return nil, fmt.Errorf("physical memory is not page aligned (address %#x)", sliceBackingPointer(mem))
	}
	return &Memory{mem: mem}, nil
}

// Close unmaps the memory. m must not be used afterwards.
func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// Limit returns the first physical address past the end of m.
func (m *Memory) Limit() uint64 {
	return uint64(len(m.mem))
}

// Bytes returns the host slice aliasing [pa, pa+length).
func (m *Memory) Bytes(pa, length uint64) ([]byte, error) {
	end := pa + length
	if end < pa || end > uint64(len(m.mem)) {
		return nil, fmt.Errorf("physical range [%#x, %#x) outside memory limit %#x", pa, end, len(m.mem))
	}
	return m.mem[pa:end:end], nil
}

// Page returns the page at physical address pa, which must be page aligned
// and below Limit.
func (m *Memory) Page(pa uint64) []byte {
	if pa%hostarch.PageSize != 0 || pa+hostarch.PageSize > uint64(len(m.mem)) {
		panic(fmt.Sprintf("invalid physical page %#x (limit %#x)", pa, len(m.mem)))
	}
	return m.mem[pa : pa+hostarch.PageSize : pa+hostarch.PageSize]
}

// ZeroPage clears the page at pa.
func (m *Memory) ZeroPage(pa uint64) {
	clear(m.Page(pa))
}
