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
	"testing"

	"qkernel.dev/qkernel/pkg/hostarch"
)

type mapping struct {
	start  uintptr
	length uintptr
	addr   uint64
	opts   MapOpts
}

func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	t.Helper()
	var (
		current int
		found   []mapping
		failed  string
	)

	// Iterate over all the mappings.
	w := Walker{pageTables: pt, visitor: funcVisitor(func(s uintptr, pte *PTE) bool {
		found = append(found, mapping{
			start:  s,
			length: pteSize,
			addr:   pte.Address(),
			opts:   pte.Opts(),
		})
		if failed != "" {
			// Don't keep looking for errors.
			return true
		}

		if current >= len(m) {
			failed = "more mappings than expected"
		} else if m[current].start != s {
			failed = "start didn't match expected"
		} else if m[current].length != pteSize {
			failed = "end didn't match expected"
		} else if m[current].addr != pte.Address() {
			failed = "address didn't match expected"
		} else if m[current].opts != pte.Opts() {
			failed = "opts didn't match"
		}
		current++
		return true
	})}
	w.iterateRange(0, ^uintptr(0))

	// Were we expected additional mappings?
	if failed == "" && current != len(m) {
		failed = "insufficient mappings found"
	}

	// Emit a meaningful error message on failure.
	if failed != "" {
		t.Errorf("%s; got %#v, wanted %#v", failed, found, m)
	}
}

var (
	userRW = MapOpts{AccessType: hostarch.ReadWrite, User: true}
	userR  = MapOpts{AccessType: hostarch.Read, User: true}
	userRX = MapOpts{AccessType: hostarch.ReadExecute, User: true}
)

func TestUnmap(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := New(a)

	// Map and unmap one entry.
	pt.Map(0x400000, pteSize, userRW, pteSize*42)
	if !pt.Unmap(0x400000, pteSize, nil) {
		t.Errorf("Unmap of mapped page reported no previous mapping")
	}

	checkMappings(t, pt, nil)
	if got := a.Live(); got != 1 {
		t.Errorf("%d tables live after unmap, want only the root", got)
	}
}

func TestUnmapTwice(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, userRW, pteSize*42)
	pt.Unmap(0x400000, pteSize, nil)
	if pt.Unmap(0x400000, pteSize, nil) {
		t.Errorf("second Unmap reported a previous mapping")
	}
}

func TestReadOnly(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	pt.Map(0x400000, pteSize, userR, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, userR},
	})
}

func TestReadWrite(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	pt.Map(0x400000, pteSize, userRW, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, userRW},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two sequential entries.
	pt.Map(0x400000, pteSize, userRW, pteSize*42)
	pt.Map(0x401000, pteSize, userRX, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, userRW},
		{0x401000, pteSize, pteSize * 47, userRX},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Span a pgd with two pages.
	pt.Map(0x00007efffffff000, 2*pteSize, userR, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, pteSize, pteSize * 42, userR},
		{0x00007f0000000000, pteSize, pteSize * 43, userR},
	})
}

func TestSparseEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two entries in different pgds.
	pt.Map(0x400000, pteSize, userRW, pteSize*42)
	pt.Map(0x00007f0000000000, pteSize, userR, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, userRW},
		{0x00007f0000000000, pteSize, pteSize * 47, userR},
	})
}

func TestMapReportsPrevious(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	if pt.Map(0x400000, 2*pteSize, userRW, pteSize*42) {
		t.Errorf("first Map reported a previous mapping")
	}
	if !pt.Map(0x401000, pteSize, userR, pteSize*50) {
		t.Errorf("overlapping Map reported no previous mapping")
	}
}

func TestNoAccessUnmaps(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, userRW, pteSize*42)
	pt.Map(0x400000, pteSize, MapOpts{}, 0)
	checkMappings(t, pt, nil)
}

func TestPartialUnmapKeepsTables(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := New(a)
	pt.Map(0x400000, 4*pteSize, userRW, pteSize*42)
	live := a.Live()

	var cleared []uint64
	pt.Unmap(0x401000, 2*pteSize, func(_ hostarch.Addr, physical uint64) {
		cleared = append(cleared, physical)
	})
	if len(cleared) != 2 || cleared[0] != pteSize*43 || cleared[1] != pteSize*44 {
		t.Errorf("cleared = %#x, want [%#x %#x]", cleared, pteSize*43, pteSize*44)
	}
	if got := a.Live(); got != live {
		t.Errorf("%d tables live after partial unmap, want %d", got, live)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, userRW},
		{0x403000, pteSize, pteSize * 45, userRW},
	})
}

func TestLookup(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, userRX, pteSize*42)

	physical, opts, ok := pt.Lookup(0x400123)
	if !ok || physical != pteSize*42+0x123 || opts != userRX {
		t.Errorf("Lookup = %#x, %v, %t; want %#x, %v, true", physical, opts, ok, pteSize*42+0x123, userRX)
	}
	if _, _, ok := pt.Lookup(0x401000); ok {
		t.Errorf("Lookup of unmapped page succeeded")
	}
}

func TestIsEmpty(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	pt.Map(0x402000, pteSize, userRW, pteSize*42)
	if !pt.IsEmpty(0x400000, 2*pteSize) {
		t.Errorf("IsEmpty before mapping = false")
	}
	if pt.IsEmpty(0x400000, 4*pteSize) {
		t.Errorf("IsEmpty over mapping = true")
	}
}

func TestSharedUpper(t *testing.T) {
	a := NewRuntimeAllocator()
	kernel := New(a)
	kopts := MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	kernel.Map(upperBottom, pteSize, kopts, pteSize*7)

	user := NewWithUpper(a, kernel)
	if physical, opts, ok := user.Lookup(upperBottom); !ok || physical != pteSize*7 || opts != kopts {
		t.Errorf("kernel mapping not visible: %#x, %v, %t", physical, opts, ok)
	}
	if user.CR3() == kernel.CR3() {
		t.Errorf("user tables share the kernel root")
	}

	user.Map(0x400000, pteSize, userRW, pteSize*42)
	live := a.Live()
	user.Release()
	if got, want := a.Live(), live-3-1; got != want {
		t.Errorf("%d tables live after release, want %d", got, want)
	}
	if _, _, ok := kernel.Lookup(upperBottom); !ok {
		t.Errorf("releasing user tables removed the kernel mapping")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("mapping into the shared upper half did not panic")
		}
	}()
	other := NewWithUpper(a, kernel)
	other.Map(upperBottom, pteSize, kopts, 0)
}

func TestTablesNeeded(t *testing.T) {
	for _, tc := range []struct {
		start, end hostarch.Addr
		want       int
	}{
		{0x400000, 0x400000, 0},
		{0x400000, 0x401000, 3},
		{0x400000, 0x600000, 3},
		{0x400000, 0x600001, 4},
		{0x00007efffffff000, 0x00007f0000001000, 6},
	} {
		if got := TablesNeeded(tc.start, tc.end); got != tc.want {
			t.Errorf("TablesNeeded(%#x, %#x) = %d, want %d", tc.start, tc.end, got, tc.want)
		}
	}
}

func TestTablesNeededIsSufficient(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := New(a)
	start, end := hostarch.Addr(0x00007efffffff000), hostarch.Addr(0x00007f0000002000)
	before := a.Live()
	pt.Map(start, uintptr(end-start), userRW, pteSize)
	if got, max := a.Live()-before, TablesNeeded(start, end); got > max {
		t.Errorf("Map allocated %d tables, TablesNeeded = %d", got, max)
	}
}
