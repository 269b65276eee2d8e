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

package mm

import (
	"fmt"
	"unsafe"

	"qkernel.dev/qkernel/pkg/physmem"
	"qkernel.dev/qkernel/pkg/pmm"
	"qkernel.dev/qkernel/pkg/ring0/pagetables"
)

// reservation holds frames taken from the allocator before the page-table
// lock, and frames released under it.
type reservation struct {
	// tables are reserved for page tables.
	tables []pmm.Frame

	// pages are reserved for data pages.
	pages []pmm.Frame

	// released are frames to return to the allocator.
	released []pmm.Frame
}

// takePage removes a data frame from r.
func (r *reservation) takePage() pmm.Frame {
	n := len(r.pages)
	if n == 0 {
		panic("data frame reservation exhausted")
	}
	f := r.pages[n-1]
	r.pages = r.pages[:n-1]
	return f
}

// tableAllocator implements pagetables.Allocator with frames of physical
// memory, viewed through physmem.
//
// New tables come from res, which is only set while the page-table lock is
// held. Freed tables are added to res.released.
type tableAllocator struct {
	mem *physmem.Memory
	res *reservation

	// live is the number of tables in use.
	live int
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (a *tableAllocator) NewPTEs() *pagetables.PTEs {
	if a.res == nil || len(a.res.tables) == 0 {
		panic("page table frame reservation exhausted")
	}
	n := len(a.res.tables)
	f := a.res.tables[n-1]
	a.res.tables = a.res.tables[:n-1]
	a.mem.ZeroPage(f.Address())
	a.live++
	return (*pagetables.PTEs)(a.mem.PagePointer(f.Address()))
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (a *tableAllocator) PhysicalFor(ptes *pagetables.PTEs) uint64 {
	return a.mem.PhysicalFor(unsafe.Pointer(ptes))
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (a *tableAllocator) LookupPTEs(physical uint64) *pagetables.PTEs {
	return (*pagetables.PTEs)(a.mem.PagePointer(physical))
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (a *tableAllocator) FreePTEs(ptes *pagetables.PTEs) {
	if a.res == nil {
		panic(fmt.Sprintf("table %#x freed outside the page-table lock", a.PhysicalFor(ptes)))
	}
	a.res.released = append(a.res.released, pmm.FrameFor(a.PhysicalFor(ptes)))
	a.live--
}

// Recycle implements pagetables.Allocator.Recycle. Freed frames are returned
// by Manager.settle instead.
func (a *tableAllocator) Recycle() {}
