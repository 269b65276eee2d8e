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
	"sync/atomic"

	"qkernel.dev/qkernel/pkg/hostarch"
)

// Address constraints.
//
// The lowerTop and upperBottom currently apply to four-level pagetables;
// additional refactoring would be necessary to support five-level pagetables.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512

	// upperStartIndex is the first PGD slot of the kernel half.
	upperStartIndex = entriesPerPage / 2
)

// Bits in page table entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	accessed       = 0x020
	dirty          = 0x040
	global         = 0x100
	executeDisable = 1 << 63

	addressMask = 0x000ffffffffff000
	optionMask  = executeDisable | 0xfff
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += "u"
	}
	if o.Global {
		s += "g"
	}
	return s
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE.
func (p *PTE) Clear() {
	atomic.StoreUint64((*uint64)(p), 0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return atomic.LoadUint64((*uint64)(p))&present != 0
}

// Opts returns the PTE options.
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUint64((*uint64)(p))
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uint64 {
	return atomic.LoadUint64((*uint64)(p)) & addressMask
}

// Set sets this PTE value. An opts granting no access clears the entry.
func (p *PTE) Set(addr uint64, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	atomic.StoreUint64((*uint64)(p), v)
}

// setPageTable points this PTE at a next-level table. Table entries are
// maximally permissive; leaves carry the effective permissions.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^optionMask != addr {
		// This should never happen.
		panic(fmt.Sprintf("unaligned physical address: %#x", addr))
	}
	v := addr | present | user | writable | accessed | dirty
	atomic.StoreUint64((*uint64)(p), v)
}

// String implements fmt.Stringer.
func (p *PTE) String() string {
	if !p.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%#x[%v]", p.Address(), p.Opts())
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// empty reports whether every entry of p is clear.
func (p *PTEs) empty() bool {
	for i := range p {
		if p[i].Valid() {
			return false
		}
	}
	return true
}
