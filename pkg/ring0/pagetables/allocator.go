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

// Allocator is used to allocate and map PTEs.
type Allocator interface {
	// NewPTEs returns a new, zeroed set of PTEs.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uint64) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be
	// available for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for use again.
	Recycle()
}

// RuntimeAllocator is a trivial allocator backed by the Go heap. Physical
// addresses are synthetic: they are unique, page aligned and never zero.
type RuntimeAllocator struct {
	next   uint64
	byPhys map[uint64]*PTEs
	phys   map[*PTEs]uint64

	// pool are available PTEs.
	pool []*PTEs

	// freed are PTEs awaiting Recycle.
	freed []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:   pteSize,
		byPhys: make(map[uint64]*PTEs),
		phys:   make(map[*PTEs]uint64),
	}
}

// Recycle returns freed pages to the pool.
func (r *RuntimeAllocator) Recycle() {
	for _, ptes := range r.freed {
		*ptes = PTEs{}
	}
	r.pool = append(r.pool, r.freed...)
	r.freed = r.freed[:0]
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	if n := len(r.pool); n > 0 {
		ptes := r.pool[n-1]
		r.pool = r.pool[:n-1]
		return ptes
	}
	ptes := new(PTEs)
	r.byPhys[r.next] = ptes
	r.phys[ptes] = r.next
	r.next += pteSize
	return ptes
}

// PhysicalFor returns the physical address for the given PTEs.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uint64 {
	return r.phys[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uint64) *PTEs {
	return r.byPhys[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.freed = append(r.freed, ptes)
}

// Live returns the number of tables handed out and not freed.
func (r *RuntimeAllocator) Live() int {
	return len(r.byPhys) - len(r.pool) - len(r.freed)
}
