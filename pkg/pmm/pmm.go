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

// Package pmm implements the physical frame allocator.
//
// Frames are handed out in naturally aligned power-of-two blocks by a buddy
// allocator. Free blocks of each order are tracked in a bitmap indexed by
// block number; a second bitmap records which frames are leased so that
// double frees are detected rather than corrupting the free lists.
package pmm

import (
	"fmt"
	"sort"

	"qkernel.dev/qkernel/pkg/bitmap"
	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/sync"
)

// MaxOrder is the largest block order the allocator manages: blocks of
// 2^MaxOrder frames (4 MiB).
const MaxOrder = 10

// Frame is the index of a physical page frame.
type Frame uint64

// FrameFor returns the frame containing physical address pa.
func FrameFor(pa uint64) Frame {
	return Frame(pa >> hostarch.PageShift)
}

// Address returns the physical address of the first byte of f.
func (f Frame) Address() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("frame %#x", f.Address())
}

// Region is a half-open range [Start, End) of physical addresses.
type Region struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// Length returns the length of r in bytes.
func (r Region) Length() uint64 {
	return r.End - r.Start
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Allocator is a buddy allocator over page frames.
type Allocator struct {
	mu sync.SpinLock

	// The fields below are protected by mu.

	initialized bool

	// base is the first frame tracked by the bitmaps. It is aligned to
	// 2^MaxOrder so that block numbers and buddy relations are absolute.
	base Frame

	// span is the number of frames tracked from base.
	span uint64

	// managed records frames that belong to a usable region.
	managed bitmap.Bitmap

	// leased records frames currently handed out. Unmanaged frames are
	// never leased and never free.
	leased bitmap.Bitmap

	// free[o] has bit i set iff the block of 2^o frames starting at
	// base + i<<o is free and not part of a larger free block.
	free [MaxOrder + 1]bitmap.Bitmap

	freeFrames  uint64
	totalFrames uint64
}

// New returns an uninitialized Allocator whose lock belongs to d. d may be
// nil.
func New(d *sync.Domain) *Allocator {
	a := &Allocator{}
	a.mu.Init(sync.RankAllocator, d)
	return a
}

// Init seeds the allocator with the given usable physical regions. Each
// region must be non-empty, page aligned and disjoint from the others. Init
// may only be called once.
func (a *Allocator) Init(regions []Region) error {
	if len(regions) == 0 {
		return fmt.Errorf("no usable memory: %w", kernerr.ConfigurationFault)
	}
	sorted := append([]Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i, r := range sorted {
		if r.Start >= r.End {
			return fmt.Errorf("empty region %v: %w", r, kernerr.ConfigurationFault)
		}
		if r.Start%hostarch.PageSize != 0 || r.End%hostarch.PageSize != 0 {
			return fmt.Errorf("unaligned region %v: %w", r, kernerr.ConfigurationFault)
		}
		if i > 0 && sorted[i-1].End > r.Start {
			return fmt.Errorf("region %v overlaps %v: %w", r, sorted[i-1], kernerr.ConfigurationFault)
		}
	}

	first := FrameFor(sorted[0].Start) &^ (1<<MaxOrder - 1)
	last := FrameFor(sorted[len(sorted)-1].End)
	span := uint64(last - first)
	if span >= uint64(bitmap.MaxBitEntryLimit) {
		return fmt.Errorf("%d frames exceed the allocator limit: %w", span, kernerr.ConfigurationFault)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return fmt.Errorf("allocator initialized twice: %w", kernerr.ConfigurationFault)
	}
	a.initialized = true
	a.base = first
	a.span = span
	a.managed = bitmap.New(uint32(span))
	a.leased = bitmap.New(uint32(span))
	for o := range a.free {
		a.free[o] = bitmap.New(uint32(span>>o) + 1)
	}

	for _, r := range sorted {
		start, end := a.rel(FrameFor(r.Start)), a.rel(FrameFor(r.End))
		a.managed.AddRange(start, end)
		a.leased.AddRange(start, end)
		a.totalFrames += uint64(end - start)

		// Carve the region into maximal aligned blocks.
		for f := start; f < end; {
			order := 0
			for order < MaxOrder {
				size := uint32(1) << (order + 1)
				if f&(size-1) != 0 || f+size > end {
					break
				}
				order++
			}
			a.release(f, order)
			f += 1 << order
		}
	}
	log.Infof("pmm: %d frames (%d MiB) in %d regions", a.totalFrames, a.totalFrames*hostarch.PageSize>>20, len(sorted))
	return nil
}

// rel returns the bitmap index of f.
func (a *Allocator) rel(f Frame) uint32 {
	return uint32(f - a.base)
}

// Allocate returns a block of 2^order contiguous frames aligned to 2^order.
// Among the smallest free blocks that fit, the lowest address is chosen.
func (a *Allocator) Allocate(order int) (Frame, error) {
	if order < 0 || order > MaxOrder {
		return 0, fmt.Errorf("order %d: %w", order, kernerr.InvalidRange)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.allocateLocked(order)
	if !ok {
		log.Debugf("pmm: no block of order %d (%d frames free)", order, a.freeFrames)
		return 0, fmt.Errorf("order %d: %w", order, kernerr.OutOfMemory)
	}
	return f, nil
}

// Preconditions: a.mu is locked.
func (a *Allocator) allocateLocked(order int) (Frame, bool) {
	for o := order; o <= MaxOrder; o++ {
		idx, err := a.free[o].FirstOne(0)
		if err != nil {
			continue
		}
		a.free[o].Remove(idx)

		// Split, returning upper halves to the lower orders.
		for o > order {
			o--
			idx <<= 1
			a.free[o].Add(idx + 1)
		}

		start := idx << order
		a.leased.AddRange(start, start+1<<order)
		a.freeFrames -= 1 << order
		return a.base + Frame(start), true
	}
	return 0, false
}

// AllocateFrames returns n single frames, or none and an error wrapping
// kernerr.OutOfMemory if n frames are not available.
func (a *Allocator) AllocateFrames(n int) ([]Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(n) > a.freeFrames {
		return nil, fmt.Errorf("%d frames requested, %d free: %w", n, a.freeFrames, kernerr.OutOfMemory)
	}
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		f, ok := a.allocateLocked(0)
		if !ok {
			// Unreachable while freeFrames is accurate.
			for _, f := range frames {
				a.release(a.rel(f), 0)
			}
			return nil, fmt.Errorf("%d frames requested: %w", n, kernerr.OutOfMemory)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Free returns the block of 2^order frames starting at f. Every frame of the
// block must be leased. The block may be part of a larger earlier allocation.
func (a *Allocator) Free(f Frame, order int) error {
	if order < 0 || order > MaxOrder {
		return fmt.Errorf("order %d: %w", order, kernerr.InvalidRange)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(f, order)
}

// FreeFrames returns each of frames as a single-frame block. It stops at the
// first error.
func (a *Allocator) FreeFrames(frames []Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range frames {
		if err := a.freeLocked(f, 0); err != nil {
			return err
		}
	}
	return nil
}

// Preconditions: a.mu is locked.
func (a *Allocator) freeLocked(f Frame, order int) error {
	n := uint64(1) << order
	if !a.initialized || f < a.base || uint64(f-a.base)+n > a.span || uint64(f)&(n-1) != 0 {
		return fmt.Errorf("free %v order %d: %w", f, order, kernerr.InvalidRange)
	}
	start := a.rel(f)
	end := start + uint32(n)
	if a.managed.CountRange(start, end) != uint32(n) {
		return fmt.Errorf("free %v order %d: not usable memory: %w", f, order, kernerr.InvalidRange)
	}
	if a.leased.CountRange(start, end) != uint32(n) {
		return fmt.Errorf("free %v order %d: %w", f, order, kernerr.DoubleFree)
	}
	a.release(start, order)
	return nil
}

// release marks the leased block at index start free and coalesces it with
// its buddies.
//
// Preconditions: a.mu is locked; every frame of the block is leased.
func (a *Allocator) release(start uint32, order int) {
	a.leased.RemoveRange(start, start+1<<order)
	a.freeFrames += 1 << order

	idx := start >> order
	for order < MaxOrder {
		buddy := idx ^ 1
		if !a.free[order].Contains(buddy) {
			break
		}
		a.free[order].Remove(buddy)
		idx >>= 1
		order++
	}
	a.free[order].Add(idx)
}

// FreeFrameCount returns the number of free frames.
func (a *Allocator) FreeFrameCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeFrames
}

// TotalFrames returns the number of usable frames.
func (a *Allocator) TotalFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalFrames
}

// FreeBlocks returns the number of free blocks of exactly the given order.
func (a *Allocator) FreeBlocks(order int) int {
	if order < 0 || order > MaxOrder {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.free[order].GetNumOnes())
}

// IsFree reports whether f is usable memory that is not leased.
func (a *Allocator) IsFree(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || f < a.base || uint64(f-a.base) >= a.span {
		return false
	}
	i := a.rel(f)
	return a.managed.Contains(i) && !a.leased.Contains(i)
}

// Stats is a snapshot of allocator state.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
	FreeBlocks  [MaxOrder + 1]int
}

// Stats returns a consistent snapshot of the allocator.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{TotalFrames: a.totalFrames, FreeFrames: a.freeFrames}
	for o := range a.free {
		s.FreeBlocks[o] = int(a.free[o].GetNumOnes())
	}
	return s
}
