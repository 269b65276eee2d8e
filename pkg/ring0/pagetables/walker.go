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

package pagetables

import (
	"fmt"
)

// visitor is called for each leaf entry of a walk.
type visitor interface {
	// visit is called for each leaf in the range. Returning false stops the
	// walk.
	visit(start uintptr, pte *PTE) bool

	// requiresAlloc indicates that missing tables are created and every
	// leaf in the range is visited, valid or not.
	requiresAlloc() bool

	// releasesTables indicates that tables left without any valid entry
	// are cleared from their parent and freed.
	releasesTables() bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// visitor is the set of arguments.
	visitor visitor
}

// addrEnd returns the next boundary of size after addr, or end if that comes
// first (including on overflow).
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
//
// If requiresAlloc is set, then Set _must_ be called on all given PTEs.
// Otherwise the iteration skips missing tables and invalid leaves, so it will
// likely be full of gaps.
//
// Precondition: start must be page-aligned.
//
// Precondition: start must be less than end.
//
// Precondition: If requiresAlloc is set, then start and end should not span
// non-canonical ranges. If they do, a panic will result.
func (w *Walker) iterateRange(start, end uintptr) bool {
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %v", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%v > %v))", start, end))
	}

	// Deal with cases where we traverse the "gap".
	const lowerEnd = lowerTop + 1
	if start < upperBottom && end > lowerEnd {
		if w.visitor.requiresAlloc() {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		if start < lowerEnd && !w.walk(w.pageTables.root, pgdShift, start, lowerEnd) {
			return false
		}
		if end <= upperBottom {
			return true
		}
		start = upperBottom
	}
	return w.walk(w.pageTables.root, pgdShift, start, end)
}

// walk iterates over the entries of one table, whose entries each cover
// 1<<shift bytes, descending into next-level tables.
func (w *Walker) walk(entries *PTEs, shift uint, start, end uintptr) bool {
	size := uintptr(1) << shift
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[(start>>shift)&(entriesPerPage-1)]

		if shift == pteShift {
			if entry.Valid() || w.visitor.requiresAlloc() {
				if !w.visitor.visit(start, entry) {
					return false
				}
			}
			start = nextBoundary
			continue
		}

		var child *PTEs
		if !entry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				start = nextBoundary
				continue
			}
			child = w.pageTables.Allocator.NewPTEs()
			entry.setPageTable(w.pageTables, child)
		} else {
			child = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		ok := w.walk(child, shift-9, start, nextBoundary)

		// Check if we no longer need this page.
		if w.visitor.releasesTables() && child.empty() {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(child)
		}
		if !ok {
			return false
		}
		start = nextBoundary
	}
	return true
}

// funcVisitor adapts a function to a read-only walk.
type funcVisitor func(start uintptr, pte *PTE) bool

func (v funcVisitor) visit(start uintptr, pte *PTE) bool { return v(start, pte) }
func (funcVisitor) requiresAlloc() bool                  { return false }
func (funcVisitor) releasesTables() bool                 { return false }

// mapVisitor installs leaves mapping target to physical.
type mapVisitor struct {
	target   uintptr
	physical uint64
	opts     MapOpts
	prev     bool
}

func (v *mapVisitor) visit(start uintptr, pte *PTE) bool {
	v.prev = v.prev || pte.Valid()
	pte.Set(v.physical+uint64(start-v.target), v.opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool  { return true }
func (*mapVisitor) releasesTables() bool { return false }

// unmapVisitor clears leaves, reporting each cleared one.
type unmapVisitor struct {
	count int
	fn    func(addr uintptr, physical uint64)
}

func (v *unmapVisitor) visit(start uintptr, pte *PTE) bool {
	if v.fn != nil {
		v.fn(start, pte.Address())
	}
	pte.Clear()
	v.count++
	return true
}

func (*unmapVisitor) requiresAlloc() bool  { return false }
func (*unmapVisitor) releasesTables() bool { return true }
