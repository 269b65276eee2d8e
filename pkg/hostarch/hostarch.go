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

// Package hostarch describes x86-64 virtual and physical address layout as
// seen by the kernel core.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page (and of a physical frame).
	PageSize = 1 << PageShift
)

// Address space layout for four-level paging.
const (
	// MinUserAddress is the lowest mappable user address. The null page is
	// never mapped.
	MinUserAddress Addr = PageSize

	// MaxUserAddress is the exclusive upper bound of the user half.
	MaxUserAddress Addr = 0x00007ffffffff000

	// KernelBase is the first address of the kernel's high half. Physical
	// memory is direct-mapped starting here.
	KernelBase Addr = 0xffff800000000000
)

// UserRange is the range of addresses available to tasks.
var UserRange = AddrRange{MinUserAddress, MaxUserAddress}

// PhysToVirt returns the kernel direct-map address of a physical address.
func PhysToVirt(pa uint64) Addr {
	return KernelBase + Addr(pa)
}

// VirtToPhys is the inverse of PhysToVirt. ok is false if v is not in the
// direct map.
func VirtToPhys(v Addr) (pa uint64, ok bool) {
	if v < KernelBase {
		return 0, false
	}
	return uint64(v - KernelBase), true
}
