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

// Package pagetables provides a generic implementation of pagetables.
//
// The tables are the standard x86-64 four-level hierarchy with 4K leaves.
// Each non-leaf entry owns the table it points to; a table is returned to the
// Allocator as soon as an unmap leaves it without any valid entry.
//
// PageTables is not synchronized; callers serialize access.
package pagetables

import (
	"fmt"

	"qkernel.dev/qkernel/pkg/hostarch"
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uint64

	// upperSharedPageTables represents a read-only shared upper
	// of the Pagetable. When it is not nil, the upper is not
	// allowed to be modified.
	upperSharedPageTables *PageTables
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := new(PageTables)
	p.Init(a)
	return p
}

// Init initializes a set of PageTables.
func (p *PageTables) Init(allocator Allocator) {
	p.Allocator = allocator
	p.root = p.Allocator.NewPTEs()
	p.rootPhysical = p.Allocator.PhysicalFor(p.root)
}

// NewWithUpper returns new PageTables whose kernel half refers to the tables
// of upperSharedPageTables. The shared half is never modified or released
// through the returned tables.
//
// Preconditions: upperSharedPageTables' kernel half is fully populated at the
// top level; entries it adds later are not seen by the new tables.
func NewWithUpper(a Allocator, upperSharedPageTables *PageTables) *PageTables {
	p := New(a)
	if upperSharedPageTables != nil {
		p.upperSharedPageTables = upperSharedPageTables
		for i := upperStartIndex; i < entriesPerPage; i++ {
			p.root[i] = upperSharedPageTables.root[i]
		}
	}
	return p
}

// checkRange panics if [addr, addr+length) reaches into a shared upper half.
func (p *PageTables) checkRange(addr hostarch.Addr, length uintptr) uintptr {
	end := uintptr(addr) + length
	if end < uintptr(addr) {
		panic(fmt.Sprintf("range [%#x, +%#x) overflows", addr, length))
	}
	if p.upperSharedPageTables != nil && end > lowerTop+1 {
		panic(fmt.Sprintf("range [%#x, %#x) reaches the shared upper half", addr, end))
	}
	return end
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not overflow.
// The caller must ensure the Allocator can supply TablesNeeded tables.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uint64) bool {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length, nil)
	}
	end := p.checkRange(addr, length)
	v := &mapVisitor{
		target:   uintptr(addr),
		physical: physical,
		opts:     opts,
	}
	w := Walker{pageTables: p, visitor: v}
	w.iterateRange(uintptr(addr), end)
	return v.prev
}

// Unmap unmaps the given range, freeing tables left empty. fn, if not nil,
// is called with the virtual and physical address of every cleared leaf.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not overflow.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr, fn func(addr hostarch.Addr, physical uint64)) bool {
	end := p.checkRange(addr, length)
	v := &unmapVisitor{}
	if fn != nil {
		v.fn = func(a uintptr, physical uint64) { fn(hostarch.Addr(a), physical) }
	}
	w := Walker{pageTables: p, visitor: v}
	w.iterateRange(uintptr(addr), end)
	return v.count > 0
}

// IsEmpty checks if the given range is empty.
//
// Precondition: addr & length must be page-aligned.
func (p *PageTables) IsEmpty(addr hostarch.Addr, length uintptr) bool {
	empty := true
	w := Walker{pageTables: p, visitor: funcVisitor(func(uintptr, *PTE) bool {
		empty = false
		return false
	})}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return empty
}

// Lookup returns the physical address and options of the leaf mapping addr.
// ok is false if addr is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uint64, opts MapOpts, ok bool) {
	page := uintptr(addr.RoundDown())
	w := Walker{pageTables: p, visitor: funcVisitor(func(_ uintptr, pte *PTE) bool {
		physical = pte.Address() + addr.PageOffset()
		opts = pte.Opts()
		ok = true
		return false
	})}
	end := page + pteSize
	if end < page {
		end = ^uintptr(0)
	}
	w.iterateRange(page, end)
	return physical, opts, ok
}

// Walk calls fn for every valid leaf in [start, end) in address order, until
// fn returns false.
func (p *PageTables) Walk(start, end hostarch.Addr, fn func(addr hostarch.Addr, pte *PTE) bool) {
	w := Walker{pageTables: p, visitor: funcVisitor(func(s uintptr, pte *PTE) bool {
		return fn(hostarch.Addr(s), pte)
	})}
	w.iterateRange(uintptr(start), uintptr(end))
}

// Release unmaps everything owned by p and frees its tables, including the
// root. A shared upper half is left untouched.
func (p *PageTables) Release() {
	p.Unmap(0, lowerTop+1, nil)
	if p.upperSharedPageTables == nil {
		w := Walker{pageTables: p, visitor: &unmapVisitor{}}
		w.iterateRange(upperBottom, ^uintptr(0))
	}
	p.Allocator.FreePTEs(p.root)
	p.root = nil
}

// CR3 returns the CR3 value for these tables.
func (p *PageTables) CR3() uint64 {
	return p.rootPhysical
}

// TablesNeeded returns the largest number of tables a Map of [start, end)
// can allocate.
func TablesNeeded(start, end hostarch.Addr) int {
	if start >= end {
		return 0
	}
	n := 0
	for _, shift := range []uint{pgdShift, pudShift, pmdShift} {
		n += int((uint64(end-1) >> shift) - (uint64(start) >> shift) + 1)
	}
	return n
}
