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

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/pmm"
	"qkernel.dev/qkernel/pkg/ring0/pagetables"
)

// AddressSpace is a user address space: page tables whose kernel half is
// shared with the Manager, and the regions mapped in the user half.
//
// An AddressSpace owns every frame mapped in its user half and every table
// frame below its root.
type AddressSpace struct {
	mgr *Manager

	// The fields below are protected by mgr.mu.
	pt       *pagetables.PageTables
	tables   *tableAllocator
	regions  regionSet
	released bool
}

// Translation is the installed leaf for an address.
type Translation struct {
	// Frame is the mapped frame.
	Frame pmm.Frame

	// Physical is the physical address of the translated byte.
	Physical uint64

	// Perms are the permissions the mapping was created with.
	Perms hostarch.AccessType

	// Effective are the permissions the leaf grants. x86 entries cannot
	// express write-only or execute-only pages, so these may exceed Perms.
	Effective hostarch.AccessType
}

// CR3 returns the CR3 value of as.
func (as *AddressSpace) CR3() uint64 {
	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	return as.pt.CR3()
}

// checkRange validates a user range.
func checkRange(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 {
		return fmt.Errorf("empty or inverted range %v: %w", ar, kernerr.InvalidRange)
	}
	if !ar.IsPageAligned() {
		return fmt.Errorf("unaligned range %v: %w", ar, kernerr.InvalidRange)
	}
	if !hostarch.UserRange.IsSupersetOf(ar) {
		return fmt.Errorf("range %v outside the user half %v: %w", ar, hostarch.UserRange, kernerr.InvalidRange)
	}
	return nil
}

func userOpts(perms hostarch.AccessType) pagetables.MapOpts {
	return pagetables.MapOpts{AccessType: perms, User: true}
}

// Map adds a region covering ar.
//
// An Eager mapping installs m.Frames immediately; the address space owns
// them once Map returns nil. Other policies install pages on fault.
func (as *AddressSpace) Map(ar hostarch.AddrRange, m Mapping) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	if !m.Perms.Any() {
		return fmt.Errorf("mapping %v without permissions: %w", ar, kernerr.InvalidRange)
	}
	switch m.Policy {
	case Eager:
		if uint64(len(m.Frames)) != ar.NumPages() {
			return fmt.Errorf("%d frames for %d pages at %v: %w", len(m.Frames), ar.NumPages(), ar, kernerr.InvalidRange)
		}
	case StackGrowth:
		if m.Perms != hostarch.ReadWrite {
			return fmt.Errorf("stack region %v with permissions %v: %w", ar, m.Perms, kernerr.InvalidRange)
		}
	case DemandZero, FileBacked:
	default:
		return fmt.Errorf("unknown policy %v: %w", m.Policy, kernerr.InvalidRange)
	}

	tables := 0
	if !m.Policy.demand() {
		tables = pagetables.TablesNeeded(ar.Start, ar.End)
	}
	r, err := as.mgr.reserve(tables, 0)
	if err != nil {
		return fmt.Errorf("mapping %v: %w", ar, err)
	}
	defer as.mgr.settle(r)

	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	if as.released {
		return fmt.Errorf("map %v in released address space: %w", ar, kernerr.InvalidRange)
	}
	if as.regions.overlaps(ar) {
		return fmt.Errorf("mapping %v: %w", ar, kernerr.AlreadyMapped)
	}
	as.regions.insert(Region{
		Range:  ar,
		Perms:  m.Perms,
		Policy: m.Policy,
		Name:   m.Name,
		source: m.Source,
	})
	if m.Policy == Eager {
		as.tables.res = r
		for i, f := range m.Frames {
			addr := ar.Start + hostarch.Addr(i)*hostarch.PageSize
			as.pt.Map(addr, hostarch.PageSize, userOpts(m.Perms), f.Address())
		}
		as.tables.res = nil
	}
	log.Debugf("Mapped %v %v %v %q", ar, m.Perms, m.Policy, m.Name)
	return nil
}

// Unmap removes ar, which must be entirely covered by regions. Regions are
// split at the edges of ar. Frames mapped in ar and tables left empty are
// returned to the allocator.
func (as *AddressSpace) Unmap(ar hostarch.AddrRange) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	r := &reservation{}
	defer as.mgr.settle(r)

	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	if as.released || !as.regions.covers(ar) {
		return fmt.Errorf("unmap %v: %w", ar, kernerr.Unmapped)
	}
	as.regions.remove(ar)
	as.tables.res = r
	as.pt.Unmap(ar.Start, uintptr(ar.Length()), func(_ hostarch.Addr, physical uint64) {
		r.released = append(r.released, pmm.FrameFor(physical))
	})
	as.tables.res = nil
	log.Debugf("Unmapped %v, %d frames released", ar, len(r.released))
	return nil
}

// Translate returns the installed leaf for addr, or an error wrapping
// kernerr.Unmapped.
func (as *AddressSpace) Translate(addr hostarch.Addr) (Translation, error) {
	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	return as.translateLocked(addr)
}

// Preconditions: as.mgr.mu is locked.
func (as *AddressSpace) translateLocked(addr hostarch.Addr) (Translation, error) {
	if as.released || !hostarch.UserRange.Contains(addr) {
		return Translation{}, fmt.Errorf("translate %v: %w", addr, kernerr.Unmapped)
	}
	physical, opts, ok := as.pt.Lookup(addr)
	if !ok {
		return Translation{}, fmt.Errorf("translate %v: %w", addr, kernerr.Unmapped)
	}
	perms := opts.AccessType
	if r, ok := as.regions.find(addr); ok {
		perms = r.Perms
	}
	return Translation{
		Frame:     pmm.FrameFor(physical),
		Physical:  physical,
		Perms:     perms,
		Effective: opts.AccessType,
	}, nil
}

// Regions returns the regions of as in address order.
func (as *AddressSpace) Regions() []Region {
	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	return as.regions.all()
}

// FindRegion returns the region containing addr.
func (as *AddressSpace) FindRegion(addr hostarch.Addr) (Region, bool) {
	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	return as.regions.find(addr)
}

// checkFaultLocked returns the region that can satisfy an access of type at
// to addr.
//
// Preconditions: as.mgr.mu is locked.
func (as *AddressSpace) checkFaultLocked(addr hostarch.Addr, at hostarch.AccessType) (Region, error) {
	if as.released {
		return Region{}, fmt.Errorf("fault at %v in released address space: %w", addr, kernerr.FaultFatal)
	}
	r, ok := as.regions.find(addr)
	if !ok {
		return Region{}, fmt.Errorf("%v access to %v outside any region: %w", at, addr, kernerr.FaultFatal)
	}
	if !r.Perms.Effective().SupersetOf(at) {
		return Region{}, fmt.Errorf("%v access to %v in region %v: %w", at, addr, r, kernerr.FaultFatal)
	}
	if !r.Policy.demand() {
		// Eager regions are fully mapped; this is a protection fault.
		return Region{}, fmt.Errorf("%v access to %v in eager region %v: %w", at, addr, r, kernerr.FaultFatal)
	}
	return r, nil
}

// HandleFault resolves a fault of access type at on addr. Demand-zero,
// stack and file-backed regions that permit the access get a fresh frame
// mapped at the faulting page. Any other fault returns an error wrapping
// kernerr.FaultFatal, or kernerr.OutOfMemory if no frame is available.
func (as *AddressSpace) HandleFault(addr hostarch.Addr, at hostarch.AccessType) error {
	page := addr.RoundDown()
	m := as.mgr

	m.mu.Lock()
	_, err := as.checkFaultLocked(page, at)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	r, err := m.reserve(pagetables.TablesNeeded(page, page+hostarch.PageSize), 1)
	if err != nil {
		return fmt.Errorf("fault at %v: %w", addr, err)
	}
	defer m.settle(r)

	m.mu.Lock()
	defer m.mu.Unlock()
	region, err := as.checkFaultLocked(page, at)
	if err != nil {
		return err
	}
	if _, opts, ok := as.pt.Lookup(page); ok {
		if opts.AccessType.SupersetOf(at) {
			// Already resolved.
			return nil
		}
		return fmt.Errorf("%v access to %v mapped %v: %w", at, addr, opts.AccessType, kernerr.FaultFatal)
	}

	f := r.takePage()
	pa := f.Address()
	m.mem.ZeroPage(pa)
	if region.Policy == FileBacked {
		if off := uint64(page - region.Range.Start); off < uint64(len(region.source)) {
			copy(m.mem.Page(pa), region.source[off:])
		}
	}
	as.tables.res = r
	as.pt.Map(page, hostarch.PageSize, userOpts(region.Perms), pa)
	as.tables.res = nil
	log.Debugf("Fault at %v (%v) resolved in %v with %v", addr, at, region, f)
	return nil
}

// Release unmaps every region and frees all of the tables of as, including
// its root. If as is active the kernel tables are activated first. Release
// is idempotent.
func (as *AddressSpace) Release() {
	r := &reservation{}
	defer as.mgr.settle(r)

	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	if as.released {
		return
	}
	if as.mgr.active == as {
		// Interrupts are masked by the page-table lock.
		as.mgr.activateLocked(nil)
	}
	as.tables.res = r
	as.pt.Unmap(0, uintptr(hostarch.MaxUserAddress), func(_ hostarch.Addr, physical uint64) {
		r.released = append(r.released, pmm.FrameFor(physical))
	})
	as.pt.Release()
	as.tables.res = nil
	if as.tables.live != 0 {
		panic(fmt.Sprintf("%d page tables leaked by release", as.tables.live))
	}
	as.regions.clear()
	as.released = true
	as.mgr.spaces--
}

// Released reports whether Release has been called.
func (as *AddressSpace) Released() bool {
	as.mgr.mu.Lock()
	defer as.mgr.mu.Unlock()
	return as.released
}
