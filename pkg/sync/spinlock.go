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

// Package sync provides the kernel's synchronization primitives.
//
// Kernel state that interrupt handlers can reach (the frame allocator, the
// page tables and the ready queue) is guarded by a SpinLock. Each SpinLock
// carries a Rank and may belong to a Domain, which models a single CPU: the
// domain masks interrupts while any of its locks is held and enforces that
// locks are only acquired in increasing rank order.
package sync

import (
	"fmt"
	"runtime"
	"sync"

	"qkernel.dev/qkernel/pkg/atomicbitops"
)

// Rank orders spinlocks. A lock may only be acquired while every lock held in
// the same Domain has a strictly lower rank.
type Rank int

const (
	// RankNone marks a lock that does not take part in rank checking.
	RankNone Rank = iota

	// RankAllocator guards the physical frame free lists.
	RankAllocator

	// RankPageTables guards the set of active page tables.
	RankPageTables

	// RankReadyQueue guards the scheduler's ready queue.
	RankReadyQueue
)

// String implements fmt.Stringer.
func (r Rank) String() string {
	switch r {
	case RankNone:
		return "none"
	case RankAllocator:
		return "allocator"
	case RankPageTables:
		return "pagetables"
	case RankReadyQueue:
		return "readyqueue"
	default:
		return fmt.Sprintf("rank(%d)", int(r))
	}
}

// Interrupts is the interrupt flag of a CPU.
type Interrupts interface {
	// DisableInterrupts masks interrupts and reports whether they were
	// enabled beforehand.
	DisableInterrupts() bool

	// RestoreInterrupts sets the interrupt flag back to enabled.
	RestoreInterrupts(enabled bool)
}

type heldLock struct {
	lock    *SpinLock
	enabled bool
}

// Domain tracks the spinlocks held on one CPU.
//
// A Domain models a single execution context; it must not be shared by host
// goroutines that run concurrently.
type Domain struct {
	irq Interrupts

	// mu protects held against the race detector only.
	mu   sync.Mutex
	held []heldLock
}

// NewDomain returns a Domain masking interrupts through irq. irq may be nil,
// in which case only rank ordering is enforced.
func NewDomain(irq Interrupts) *Domain {
	return &Domain{irq: irq}
}

// Highest returns the highest rank currently held in d, or RankNone.
func (d *Domain) Highest() Rank {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.highestLocked()
}

func (d *Domain) highestLocked() Rank {
	r := RankNone
	for _, h := range d.held {
		if h.lock.rank > r {
			r = h.lock.rank
		}
	}
	return r
}

// Depth returns the number of locks held in d.
func (d *Domain) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// enter validates the rank of l, rejects l if it is already held in d, and
// masks interrupts. It returns the previous interrupt state.
func (d *Domain) enter(l *SpinLock) bool {
	d.mu.Lock()
	if top := d.highestLocked(); l.rank != RankNone && l.rank <= top {
		d.mu.Unlock()
		panic(fmt.Sprintf("lock order violation: acquiring %v while holding %v", l.rank, top))
	}
	for _, h := range d.held {
		if h.lock == l {
			d.mu.Unlock()
			panic(fmt.Sprintf("recursive acquisition of spinlock %v", l.rank))
		}
	}
	d.mu.Unlock()
	if d.irq == nil {
		return false
	}
	return d.irq.DisableInterrupts()
}

func (d *Domain) push(l *SpinLock, enabled bool) {
	d.mu.Lock()
	d.held = append(d.held, heldLock{lock: l, enabled: enabled})
	d.mu.Unlock()
}

func (d *Domain) pop(l *SpinLock) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.held)
	if n == 0 || d.held[n-1].lock != l {
		panic(fmt.Sprintf("spinlock %v released out of order", l.rank))
	}
	enabled := d.held[n-1].enabled
	d.held = d.held[:n-1]
	return enabled
}

func (d *Domain) restore(enabled bool) {
	if d.irq != nil {
		d.irq.RestoreInterrupts(enabled)
	}
}

// SpinLock is a ranked, interrupt-masking spinlock.
//
// The zero value is an unlocked lock of RankNone outside any Domain.
type SpinLock struct {
	rank   Rank
	domain *Domain
	state  atomicbitops.Uint32
}

// Init sets the rank and domain of l. It must be called before l is used.
func (l *SpinLock) Init(rank Rank, d *Domain) {
	l.rank = rank
	l.domain = d
}

// Rank returns the rank of l.
func (l *SpinLock) Rank() Rank {
	return l.rank
}

// Lock acquires l, spinning until it is available. Acquiring a lock already
// held in the same Domain panics; a lock outside any Domain cannot tell.
func (l *SpinLock) Lock() {
	var enabled bool
	if l.domain != nil {
		enabled = l.domain.enter(l)
	}
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
	if l.domain != nil {
		l.domain.push(l, enabled)
	}
}

// TryLock acquires l if it is available and reports whether it did.
func (l *SpinLock) TryLock() bool {
	var enabled bool
	if l.domain != nil {
		enabled = l.domain.enter(l)
	}
	if !l.state.CompareAndSwap(0, 1) {
		if l.domain != nil {
			l.domain.restore(enabled)
		}
		return false
	}
	if l.domain != nil {
		l.domain.push(l, enabled)
	}
	return true
}

// Unlock releases l. Locks in a Domain must be released in the reverse order
// of acquisition.
func (l *SpinLock) Unlock() {
	var enabled bool
	if l.domain != nil {
		enabled = l.domain.pop(l)
	}
	if !l.state.CompareAndSwap(1, 0) {
		panic("unlock of unlocked spinlock")
	}
	if l.domain != nil {
		l.domain.restore(enabled)
	}
}

// AssertHeld panics if l is not locked.
func (l *SpinLock) AssertHeld() {
	if l.state.Load() == 0 {
		panic(fmt.Sprintf("spinlock %v not held", l.rank))
	}
}
