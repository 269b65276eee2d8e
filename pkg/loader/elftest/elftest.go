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

// Package elftest builds small ELF64 executables for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	pageSize       = 4096
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// Segment describes a PT_LOAD segment.
type Segment struct {
	Vaddr uint64
	Memsz uint64
	Flags elf.ProgFlag
	Data  []byte

	// Align defaults to the page size.
	Align uint64
}

// Builder describes a little-endian x86-64 executable. Segment contents are
// placed at file offsets congruent to their addresses modulo the page size.
type Builder struct {
	Entry    uint64
	Segments []Segment

	// Extra program headers are appended after the segments.
	Extra []elf.Prog64

	// Mutate, if set, is applied to the headers before encoding. Segment
	// contents stay where the unmutated headers placed them.
	Mutate func(hdr *elf.Header64, phdrs []elf.Prog64)
}

// Build encodes the executable.
func (b Builder) Build() ([]byte, error) {
	n := len(b.Segments) + len(b.Extra)
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(n),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var (
		phdrs []elf.Prog64
		offs  []uint64
	)
	offset := uint64(elfHeaderSize + n*progHeaderSize)
	for _, s := range b.Segments {
		offset = (offset+pageSize-1)&^(pageSize-1) + s.Vaddr%pageSize
		align := s.Align
		if align == 0 {
			align = pageSize
		}
		phdrs = append(phdrs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    offset,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  s.Memsz,
			Align:  align,
		})
		offs = append(offs, offset)
		offset += uint64(len(s.Data))
	}
	phdrs = append(phdrs, b.Extra...)
	if b.Mutate != nil {
		b.Mutate(&hdr, phdrs)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, phdrs); err != nil {
		return nil, err
	}
	image := make([]byte, max(offset, uint64(buf.Len())))
	copy(image, buf.Bytes())
	for i, s := range b.Segments {
		copy(image[offs[i]:], s.Data)
	}
	return image, nil
}

// Text returns a one-segment executable whose RX segment at vaddr holds
// code and starts at the entry point.
func Text(vaddr uint64, code []byte) Builder {
	return Builder{
		Entry: vaddr,
		Segments: []Segment{
			{Vaddr: vaddr, Memsz: uint64(len(code)), Flags: elf.PF_R | elf.PF_X, Data: code},
		},
	}
}
