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

	"github.com/google/btree"

	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/pmm"
)

// Policy is how the pages of a region are populated.
type Policy int

const (
	// Eager regions are backed by caller-supplied frames at map time.
	Eager Policy = iota

	// DemandZero regions are backed by zeroed frames on first access.
	DemandZero

	// StackGrowth regions are DemandZero regions reserved for a stack.
	// They are always read-write and never executable.
	StackGrowth

	// FileBacked regions are backed on first access by a copy of a byte
	// source, zero-filled past its end.
	FileBacked
)

// String implements fmt.Stringer.
func (p Policy) String() string {
	switch p {
	case Eager:
		return "eager"
	case DemandZero:
		return "demand-zero"
	case StackGrowth:
		return "stack"
	case FileBacked:
		return "file"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// demand reports whether pages of p are populated by faults.
func (p Policy) demand() bool {
	return p != Eager
}

// Mapping describes a region to map.
type Mapping struct {
	// Policy is how the region is populated.
	Policy Policy

	// Perms are the permissions of the region.
	Perms hostarch.AccessType

	// Name is a label for diagnostics.
	Name string

	// Frames back an Eager region, one frame per page in address order.
	// Ownership transfers to the address space if Map succeeds.
	Frames []pmm.Frame

	// Source is the content of a FileBacked region starting at its first
	// page.
	Source []byte
}

// Region is a mapped range of an address space.
type Region struct {
	// Range is the page-aligned virtual range.
	Range hostarch.AddrRange

	// Perms are the permissions of the region.
	Perms hostarch.AccessType

	// Policy is how the region is populated.
	Policy Policy

	// Name is a label for diagnostics.
	Name string

	// source is the content of a FileBacked region from Range.Start.
	source []byte
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("%v %v %v %s", r.Range, r.Perms, r.Policy, r.Name)
}

// splitAt returns the parts of r below and at or above addr.
//
// Preconditions: r.Range.Start < addr < r.Range.End.
func (r Region) splitAt(addr hostarch.Addr) (Region, Region) {
	lower, upper := r, r
	lower.Range.End = addr
	upper.Range.Start = addr
	off := uint64(addr - r.Range.Start)
	if off < uint64(len(r.source)) {
		lower.source = r.source[:off:off]
		upper.source = r.source[off:]
	} else {
		upper.source = nil
	}
	return lower, upper
}

// regionSet is the set of regions of an address space, ordered by start
// address. Regions never overlap.
type regionSet struct {
	tree *btree.BTreeG[Region]
}

func regionLess(a, b Region) bool {
	return a.Range.Start < b.Range.Start
}

func newRegionSet() regionSet {
	return regionSet{tree: btree.NewG(8, regionLess)}
}

func key(addr hostarch.Addr) Region {
	return Region{Range: hostarch.AddrRange{Start: addr}}
}

// find returns the region containing addr.
func (s *regionSet) find(addr hostarch.Addr) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	s.tree.DescendLessOrEqual(key(addr), func(r Region) bool {
		found, ok = r, r.Range.Contains(addr)
		return false
	})
	return found, ok
}

// overlaps reports whether any region intersects ar.
func (s *regionSet) overlaps(ar hostarch.AddrRange) bool {
	overlap := false
	s.tree.DescendLessOrEqual(key(ar.End-1), func(r Region) bool {
		overlap = r.Range.End > ar.Start
		return false
	})
	return overlap
}

// covers reports whether ar is entirely covered by regions.
func (s *regionSet) covers(ar hostarch.AddrRange) bool {
	first, ok := s.find(ar.Start)
	if !ok {
		return false
	}
	next := first.Range.End
	s.tree.AscendGreaterOrEqual(key(first.Range.End), func(r Region) bool {
		if next >= ar.End || r.Range.Start != next {
			return false
		}
		next = r.Range.End
		return true
	})
	return next >= ar.End
}

// insert adds r.
//
// Preconditions: r does not overlap any region of s.
func (s *regionSet) insert(r Region) {
	s.tree.ReplaceOrInsert(r)
}

// remove removes ar from the set, splitting regions at its edges.
//
// Preconditions: s.covers(ar).
func (s *regionSet) remove(ar hostarch.AddrRange) {
	var victims []Region
	s.tree.DescendLessOrEqual(key(ar.Start), func(r Region) bool {
		victims = append(victims, r)
		return false
	})
	s.tree.AscendGreaterOrEqual(key(ar.Start+1), func(r Region) bool {
		if r.Range.Start >= ar.End {
			return false
		}
		victims = append(victims, r)
		return true
	})
	for _, r := range victims {
		if !r.Range.Overlaps(ar) {
			continue
		}
		s.tree.Delete(r)
		if r.Range.Start < ar.Start {
			lower, _ := r.splitAt(ar.Start)
			s.tree.ReplaceOrInsert(lower)
		}
		if r.Range.End > ar.End {
			_, upper := r.splitAt(ar.End)
			s.tree.ReplaceOrInsert(upper)
		}
	}
}

// all returns every region in address order.
func (s *regionSet) all() []Region {
	regions := make([]Region, 0, s.tree.Len())
	s.tree.Ascend(func(r Region) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// clear removes every region.
func (s *regionSet) clear() {
	s.tree.Clear(false)
}
