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

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math/bits"

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
)

const (
	// elfHeaderSize is the size of an ELF64 file header.
	elfHeaderSize = 64

	// progHeaderSize is the size of an ELF64 program header.
	progHeaderSize = 56

	// maxTotalPhdrSize is the maximum combined size of all program
	// headers, as in Linux.
	maxTotalPhdrSize = 64 * 1024
)

// malformed returns an error wrapping kernerr.MalformedImage.
func malformed(format string, v ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, v...), kernerr.MalformedImage)
}

// Segment is a loadable segment of an Image.
type Segment struct {
	// Vaddr is the virtual address of the first byte.
	Vaddr hostarch.Addr

	// Offset is the file offset of the first byte.
	Offset uint64

	// Filesz is the number of bytes backed by the file.
	Filesz uint64

	// Memsz is the size in memory. Bytes past Filesz are zero.
	Memsz uint64

	// Perms are the segment permissions.
	Perms hostarch.AccessType

	// Align is the segment alignment.
	Align uint64
}

// pageRange returns the pages spanned by s.
func (s Segment) pageRange() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: s.Vaddr.RoundDown(),
		End:   (s.Vaddr + hostarch.Addr(s.Memsz)).MustRoundUp(),
	}
}

// fileEnd returns the first address not backed by the file.
func (s Segment) fileEnd() hostarch.Addr {
	return s.Vaddr + hostarch.Addr(s.Filesz)
}

// String implements fmt.Stringer.
func (s Segment) String() string {
	return fmt.Sprintf("[%v, +%#x) %v file [%#x, +%#x)", s.Vaddr, s.Memsz, s.Perms, s.Offset, s.Filesz)
}

// Image is a validated ELF64 executable.
type Image struct {
	// Entry is the entry point.
	Entry hostarch.Addr

	// Segments are the PT_LOAD segments in file order.
	Segments []Segment

	// PhdrAddr is the address of the program headers in memory, or zero if
	// they are not loaded.
	PhdrAddr hostarch.Addr

	// PhdrNum is the number of program headers.
	PhdrNum int

	// data is the whole file.
	data []byte
}

// End returns the first page past the highest segment.
func (img *Image) End() hostarch.Addr {
	var end hostarch.Addr
	for _, s := range img.Segments {
		if e := s.pageRange().End; e > end {
			end = e
		}
	}
	return end
}

// fileBytes returns the file bytes of the pages of s that are backed by the
// file, starting at the first page of s.
func (img *Image) fileBytes(s Segment) []byte {
	start := s.Offset - s.Vaddr.PageOffset()
	end := s.Offset + s.Filesz
	return img.data[start:end:end]
}

// Parse validates image as a statically linked x86-64 ELF64 executable. It
// does not allocate any frames.
func Parse(image []byte) (*Image, error) {
	if isInterpreterScript(image) {
		return nil, parseInterpreterScript(image)
	}
	if len(image) < elfHeaderSize {
		return nil, malformed("file of %d bytes is too short for an ELF header", len(image))
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &hdr); err != nil {
		return nil, malformed("reading ELF header: %v", err)
	}
	if !bytes.Equal(hdr.Ident[:elf.EI_CLASS], []byte(elf.ELFMAG)) {
		return nil, malformed("bad ELF magic %x", hdr.Ident[:elf.EI_CLASS])
	}
	if c := elf.Class(hdr.Ident[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		return nil, malformed("unsupported ELF class %v", c)
	}
	if d := elf.Data(hdr.Ident[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		return nil, malformed("unsupported ELF data encoding %v", d)
	}
	if v := elf.Version(hdr.Ident[elf.EI_VERSION]); v != elf.EV_CURRENT || hdr.Version != uint32(elf.EV_CURRENT) {
		return nil, malformed("unsupported ELF version %v/%d", v, hdr.Version)
	}
	if m := elf.Machine(hdr.Machine); m != elf.EM_X86_64 {
		return nil, malformed("unsupported machine %v", m)
	}
	if t := elf.Type(hdr.Type); t != elf.ET_EXEC {
		// Position independent executables need a load bias, and shared
		// objects an interpreter.
		return nil, malformed("unsupported ELF type %v", t)
	}
	if hdr.Phentsize != progHeaderSize {
		return nil, malformed("program header entry size %d, want %d", hdr.Phentsize, progHeaderSize)
	}
	if hdr.Phnum == 0 {
		return nil, malformed("no program headers")
	}
	phdrSize := uint64(hdr.Phnum) * progHeaderSize
	if phdrSize > maxTotalPhdrSize {
		return nil, malformed("program headers too large: %d bytes", phdrSize)
	}
	phdrEnd, carry := bits.Add64(hdr.Phoff, phdrSize, 0)
	if carry != 0 || phdrEnd > uint64(len(image)) {
		return nil, malformed("program headers [%#x, +%#x) outside file of %#x bytes", hdr.Phoff, phdrSize, len(image))
	}

	phdrs := make([]elf.Prog64, hdr.Phnum)
	if err := binary.Read(bytes.NewReader(image[hdr.Phoff:phdrEnd]), binary.LittleEndian, phdrs); err != nil {
		return nil, malformed("reading program headers: %v", err)
	}

	img := &Image{
		Entry:   hostarch.Addr(hdr.Entry),
		PhdrNum: int(hdr.Phnum),
		data:    image,
	}
	for i, phdr := range phdrs {
		switch elf.ProgType(phdr.Type) {
		case elf.PT_LOAD:
			s, err := parseSegment(image, phdr)
			if err != nil {
				log.Infof("Rejecting program header %d: %v", i, err)
				return nil, err
			}
			if s.Memsz == 0 {
				continue
			}
			for _, other := range img.Segments {
				if other.pageRange().Overlaps(s.pageRange()) {
					return nil, malformed("segment %v shares pages with %v", s, other)
				}
			}
			img.Segments = append(img.Segments, s)
		case elf.PT_INTERP:
			return nil, malformed("dynamically linked executables are not supported")
		case elf.PT_PHDR:
			img.PhdrAddr = hostarch.Addr(phdr.Vaddr)
		}
	}
	if len(img.Segments) == 0 {
		return nil, malformed("no loadable segments")
	}

	entryOK := false
	for _, s := range img.Segments {
		if s.Perms.Execute && img.Entry >= s.Vaddr && uint64(img.Entry-s.Vaddr) < s.Memsz {
			entryOK = true
			break
		}
	}
	if !entryOK {
		return nil, malformed("entry point %v is not in an executable segment", img.Entry)
	}

	if img.PhdrAddr == 0 {
		// Find the program headers in a loaded segment.
		for _, s := range img.Segments {
			if hdr.Phoff >= s.Offset && phdrEnd <= s.Offset+s.Filesz {
				img.PhdrAddr = s.Vaddr + hostarch.Addr(hdr.Phoff-s.Offset)
				break
			}
		}
	}
	return img, nil
}

// parseSegment validates a PT_LOAD program header.
func parseSegment(image []byte, phdr elf.Prog64) (Segment, error) {
	s := Segment{
		Vaddr:  hostarch.Addr(phdr.Vaddr),
		Offset: phdr.Off,
		Filesz: phdr.Filesz,
		Memsz:  phdr.Memsz,
		Align:  phdr.Align,
		Perms: hostarch.AccessType{
			Read:    elf.ProgFlag(phdr.Flags)&elf.PF_R != 0,
			Write:   elf.ProgFlag(phdr.Flags)&elf.PF_W != 0,
			Execute: elf.ProgFlag(phdr.Flags)&elf.PF_X != 0,
		},
	}
	if s.Filesz > s.Memsz {
		return s, malformed("segment %v file size exceeds memory size", s)
	}
	if end, carry := bits.Add64(s.Offset, s.Filesz, 0); carry != 0 || end > uint64(len(image)) {
		return s, malformed("segment %v extends past the end of the file (%#x bytes)", s, len(image))
	}
	if s.Align != 0 && s.Align&(s.Align-1) != 0 {
		return s, malformed("segment %v alignment %#x is not a power of two", s, s.Align)
	}
	if s.Vaddr.PageOffset() != s.Offset%hostarch.PageSize {
		return s, malformed("segment %v virtual address and file offset differ modulo the page size", s)
	}
	if s.Perms.Write && s.Perms.Execute {
		return s, malformed("segment %v is writable and executable", s)
	}
	if !s.Perms.Any() {
		return s, malformed("segment %v has no permissions", s)
	}
	if s.Memsz == 0 {
		return s, nil
	}
	end, ok := s.Vaddr.AddLength(s.Memsz)
	if !ok {
		return s, malformed("segment %v overflows", s)
	}
	if _, ok := end.RoundUp(); !ok {
		return s, malformed("segment %v overflows", s)
	}
	if !hostarch.UserRange.IsSupersetOf(s.pageRange()) {
		return s, malformed("segment %v outside the user half %v", s, hostarch.UserRange)
	}
	return s, nil
}
