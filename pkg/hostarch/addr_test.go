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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		addr     Addr
		down     Addr
		up       Addr
		upOK     bool
		aligned  bool
		pageOffs uint64
	}{
		{0, 0, 0, true, true, 0},
		{1, 0, PageSize, true, false, 1},
		{PageSize, PageSize, PageSize, true, true, 0},
		{PageSize + 17, PageSize, 2 * PageSize, true, false, 17},
		{^Addr(0), ^Addr(PageSize - 1), 0, false, false, PageSize - 1},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		up, ok := tc.addr.RoundUp()
		if ok != tc.upOK || (ok && up != tc.up) {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, %t)", tc.addr, up, ok, tc.up, tc.upOK)
		}
		if got := tc.addr.IsPageAligned(); got != tc.aligned {
			t.Errorf("%v.IsPageAligned() = %t, want %t", tc.addr, got, tc.aligned)
		}
		if got := tc.addr.PageOffset(); got != tc.pageOffs {
			t.Errorf("%v.PageOffset() = %d, want %d", tc.addr, got, tc.pageOffs)
		}
	}
}

func TestAddLengthOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0) - 10).AddLength(100); ok {
		t.Errorf("AddLength should report overflow")
	}
	end, ok := Addr(0x1000).AddLength(0x2000)
	if !ok || end != 0x3000 {
		t.Errorf("AddLength = (%v, %t), want (0x3000, true)", end, ok)
	}
}

func TestAddrRangeOps(t *testing.T) {
	a := AddrRange{0x1000, 0x4000}
	b := AddrRange{0x3000, 0x6000}
	c := AddrRange{0x4000, 0x5000}

	if !a.Overlaps(b) || a.Overlaps(c) {
		t.Errorf("Overlaps: a/b %t a/c %t", a.Overlaps(b), a.Overlaps(c))
	}
	if got, want := a.Intersect(b), (AddrRange{0x3000, 0x4000}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if got := a.Intersect(c); got.Length() != 0 {
		t.Errorf("Intersect of disjoint ranges has length %d", got.Length())
	}
	if !a.IsSupersetOf(AddrRange{0x2000, 0x3000}) {
		t.Errorf("IsSupersetOf failed")
	}
	if got := a.NumPages(); got != 3 {
		t.Errorf("NumPages = %d, want 3", got)
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:    "---",
		Read:        "r--",
		ReadWrite:   "rw-",
		ReadExecute: "r-x",
		AnyAccess:   "rwx",
	} {
		if got := at.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", at, got, want)
		}
	}
	if !ReadWrite.SupersetOf(Write) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf mismatch")
	}
	if !Write.Effective().Read {
		t.Errorf("writable pages must be readable")
	}
}

func TestDirectMap(t *testing.T) {
	v := PhysToVirt(0x123000)
	pa, ok := VirtToPhys(v)
	if !ok || pa != 0x123000 {
		t.Errorf("VirtToPhys(%v) = (%#x, %t)", v, pa, ok)
	}
	if _, ok := VirtToPhys(0x400000); ok {
		t.Errorf("user address should not be in the direct map")
	}
}
