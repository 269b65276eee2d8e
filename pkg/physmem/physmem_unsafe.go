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

package physmem

import (
	"fmt"
	"unsafe"
)

func sliceBackingPointer(slice []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(slice)))
}

// PagePointer returns a pointer to the page at pa. It is used to view page
// table frames as arrays of entries.
func (m *Memory) PagePointer(pa uint64) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(m.Page(pa)))
}

// PhysicalFor returns the physical address of the byte at p, which must
// point into m.
func (m *Memory) PhysicalFor(p unsafe.Pointer) uint64 {
	base := sliceBackingPointer(m.mem)
	addr := uintptr(p)
	if addr < base || addr >= base+uintptr(len(m.mem)) {
		panic(fmt.Sprintf("pointer %#x outside physical memory [%#x, %#x)", addr, base, base+uintptr(len(m.mem))))
	}
	return uint64(addr - base)
}
