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
)

// withPage calls fn on the bytes of the page containing addr from addr to
// the end of the page, faulting the page in if needed. fn runs with the
// page-table lock held.
func (as *AddressSpace) withPage(addr hostarch.Addr, at hostarch.AccessType, fn func(b []byte)) error {
	for faulted := false; ; faulted = true {
		as.mgr.mu.Lock()
		t, err := as.translateLocked(addr)
		if err == nil {
			if !t.Perms.Effective().SupersetOf(at) {
				as.mgr.mu.Unlock()
				return fmt.Errorf("%v access to %v mapped %v: %w", at, addr, t.Perms, kernerr.FaultFatal)
			}
			page := as.mgr.mem.Page(t.Frame.Address())
			fn(page[addr.PageOffset():])
			as.mgr.mu.Unlock()
			return nil
		}
		as.mgr.mu.Unlock()
		if faulted {
			return err
		}
		if err := as.HandleFault(addr, at); err != nil {
			return err
		}
	}
}

// CopyOut copies src to addr in as, faulting in pages as needed. It returns
// the number of bytes copied.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	if _, ok := addr.AddLength(uint64(len(src))); !ok {
		return 0, fmt.Errorf("copy of %d bytes to %v: %w", len(src), addr, kernerr.InvalidRange)
	}
	done := 0
	for done < len(src) {
		cur := addr + hostarch.Addr(done)
		var n int
		if err := as.withPage(cur, hostarch.Write, func(b []byte) {
			n = copy(b, src[done:])
		}); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// CopyIn copies from addr in as to dst, faulting in pages as needed. It
// returns the number of bytes copied.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	if _, ok := addr.AddLength(uint64(len(dst))); !ok {
		return 0, fmt.Errorf("copy of %d bytes from %v: %w", len(dst), addr, kernerr.InvalidRange)
	}
	done := 0
	for done < len(dst) {
		cur := addr + hostarch.Addr(done)
		var n int
		if err := as.withPage(cur, hostarch.Read, func(b []byte) {
			n = copy(dst[done:], b)
		}); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}
