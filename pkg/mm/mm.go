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

// Package mm builds and manages address spaces on top of the frame
// allocator and the page tables.
//
// A Manager owns the kernel's page tables, which direct-map physical memory
// at hostarch.KernelBase, and hands out AddressSpaces whose kernel half
// refers to those tables. Every AddressSpace of a Manager is guarded by the
// Manager's page-table lock.
//
// Lock ordering:
//
//	pmm.Allocator.mu (sync.RankAllocator)
//	  Manager.mu (sync.RankPageTables)
//
// Frames are never allocated or freed with Manager.mu held. Operations that
// may need frames reserve them first, and frames released while Manager.mu
// is held are returned to the allocator after it is dropped.
package mm

import (
	"fmt"

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/physmem"
	"qkernel.dev/qkernel/pkg/pmm"
	"qkernel.dev/qkernel/pkg/ring0/pagetables"
	"qkernel.dev/qkernel/pkg/sync"
)

// MMU is the CPU edge through which address spaces become visible.
type MMU interface {
	sync.Interrupts

	// SetCR3 installs a top-level page table. It is called with
	// interrupts masked.
	SetCR3(cr3 uint64)
}

// Manager owns the kernel page tables and creates address spaces.
type Manager struct {
	frames *pmm.Allocator
	mem    *physmem.Memory
	mmu    MMU

	// mu is the page-table lock.
	mu sync.SpinLock

	// kernel are the kernel page tables. Their upper half is shared by
	// every AddressSpace.
	kernel       *pagetables.PageTables
	kernelTables *tableAllocator

	// active is the address space installed in CR3, or nil for the
	// kernel tables. It is only accessed with interrupts masked.
	active *AddressSpace

	// spaces is the number of unreleased address spaces. Protected by mu.
	spaces int

	// released is set by Release. Protected by mu.
	released bool
}

// New builds the kernel page tables, direct-mapping all of mem, and returns
// a Manager. The page-table lock belongs to d.
func New(frames *pmm.Allocator, mem *physmem.Memory, mmu MMU, d *sync.Domain) (*Manager, error) {
	m := &Manager{
		frames: frames,
		mem:    mem,
		mmu:    mmu,
	}
	m.mu.Init(sync.RankPageTables, d)
	m.kernelTables = &tableAllocator{mem: mem}

	start := hostarch.KernelBase
	end := hostarch.PhysToVirt(mem.Limit())
	r, err := m.reserve(pagetables.TablesNeeded(start, end)+1, 0)
	if err != nil {
		return nil, fmt.Errorf("building the kernel direct map: %w", err)
	}
	m.mu.Lock()
	m.kernelTables.res = r
	m.kernel = pagetables.New(m.kernelTables)
	m.kernel.Map(start, uintptr(end-start), pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}, 0)
	m.kernelTables.res = nil
	m.mu.Unlock()
	m.settle(r)

	log.Infof("Kernel page tables at %#x direct-map %#x bytes at %v, %d table frames", m.kernel.CR3(), mem.Limit(), start, m.kernelTables.live)
	return m, nil
}

// Frames returns the frame allocator.
func (m *Manager) Frames() *pmm.Allocator {
	return m.frames
}

// Memory returns physical memory.
func (m *Manager) Memory() *physmem.Memory {
	return m.mem
}

// KernelCR3 returns the CR3 value of the kernel page tables.
func (m *Manager) KernelCR3() uint64 {
	return m.kernel.CR3()
}

// KernelLookup translates a kernel virtual address.
func (m *Manager) KernelLookup(addr hostarch.Addr) (uint64, pagetables.MapOpts, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernel.Lookup(addr)
}

// NewAddressSpace returns an empty address space sharing the kernel half.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	r, err := m.reserve(1, 0)
	if err != nil {
		return nil, fmt.Errorf("allocating top-level table: %w", err)
	}
	as := &AddressSpace{
		mgr:     m,
		tables:  &tableAllocator{mem: m.mem},
		regions: newRegionSet(),
	}
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		m.settle(r)
		return nil, fmt.Errorf("address space after kernel tables were released: %w", kernerr.InvalidTransition)
	}
	as.tables.res = r
	as.pt = pagetables.NewWithUpper(as.tables, m.kernel)
	as.tables.res = nil
	m.spaces++
	m.mu.Unlock()
	m.settle(r)
	return as, nil
}

// Release frees the kernel page tables. No address space may be activated
// afterwards. Every address space must have been released first, since they share the
// kernel half. Release is idempotent.
func (m *Manager) Release() {
	r := &reservation{}
	defer m.settle(r)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	if m.spaces != 0 {
		panic(fmt.Sprintf("releasing kernel page tables with %d live address spaces", m.spaces))
	}
	m.kernelTables.res = r
	m.kernel.Release()
	m.kernelTables.res = nil
	if m.kernelTables.live != 0 {
		panic(fmt.Sprintf("%d kernel page tables leaked by release", m.kernelTables.live))
	}
	m.released = true
	log.Infof("Kernel page tables released, %d frames", len(r.released))
}

// Activate installs as in the MMU. A nil as installs the kernel tables.
//
// Activate does not take the page-table lock; it may be called from the
// scheduler with the ready queue locked.
func (m *Manager) Activate(as *AddressSpace) {
	enabled := m.mmu.DisableInterrupts()
	defer m.mmu.RestoreInterrupts(enabled)
	m.activateLocked(as)
}

// Preconditions: interrupts are masked.
func (m *Manager) activateLocked(as *AddressSpace) {
	if m.released {
		panic("activating after the kernel page tables were released")
	}
	cr3 := m.kernel.CR3()
	if as != nil {
		if as.released {
			panic("activating a released address space")
		}
		cr3 = as.pt.CR3()
	}
	m.mmu.SetCR3(cr3)
	m.active = as
}

// Active returns the installed address space, or nil for the kernel tables.
func (m *Manager) Active() *AddressSpace {
	enabled := m.mmu.DisableInterrupts()
	defer m.mmu.RestoreInterrupts(enabled)
	return m.active
}

// reserve allocates the frames an operation may consume while holding
// m.mu.
//
// Preconditions: m.mu is not locked.
func (m *Manager) reserve(tables, pages int) (*reservation, error) {
	frames, err := m.frames.AllocateFrames(tables + pages)
	if err != nil {
		return nil, err
	}
	return &reservation{
		tables: frames[:tables:tables],
		pages:  frames[tables:],
	}, nil
}

// settle returns the unused and released frames of r to the allocator.
//
// Preconditions: m.mu is not locked.
func (m *Manager) settle(r *reservation) {
	for _, frames := range [][]pmm.Frame{r.tables, r.pages, r.released} {
		if err := m.frames.FreeFrames(frames); err != nil {
			panic(fmt.Sprintf("returning frames to the allocator: %v", err))
		}
	}
	*r = reservation{}
}
