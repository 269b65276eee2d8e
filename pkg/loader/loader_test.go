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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/kernel"
	"qkernel.dev/qkernel/pkg/loader/elftest"
	"qkernel.dev/qkernel/pkg/mm"
	"qkernel.dev/qkernel/pkg/physmem"
	"qkernel.dev/qkernel/pkg/pmm"
	"qkernel.dev/qkernel/pkg/ring0"
	"qkernel.dev/qkernel/pkg/sync"
)

const testMemory = 8 << 20

var testRandom = []byte("0123456789abcdef")

type testMachine struct {
	d      *sync.Domain
	frames *pmm.Allocator
	mgr    *mm.Manager
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	mem, err := physmem.New(testMemory)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	cpu := ring0.NewCPU()
	d := sync.NewDomain(cpu)
	frames := pmm.New(d)
	if err := frames.Init([]pmm.Region{{Start: 1 << 20, End: testMemory}}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mgr, err := mm.New(frames, mem, cpu, d)
	if err != nil {
		t.Fatalf("mm.New failed: %v", err)
	}
	return &testMachine{d: d, frames: frames, mgr: mgr}
}

func testOptions(lazy bool) Options {
	return Options{
		Filename: "/bin/prog",
		Argv:     []string{"prog", "-v"},
		Envv:     []string{"HOME=/"},
		Lazy:     lazy,
		Random:   bytes.NewReader(testRandom),
	}
}

func readBytes(t *testing.T, as *mm.AddressSpace, addr hostarch.Addr, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := as.CopyIn(addr, b); err != nil {
		t.Fatalf("CopyIn(%v, %d) failed: %v", addr, n, err)
	}
	return b
}

func readWord(t *testing.T, as *mm.AddressSpace, addr hostarch.Addr) uint64 {
	t.Helper()
	return binary.LittleEndian.Uint64(readBytes(t, as, addr, 8))
}

func readString(t *testing.T, as *mm.AddressSpace, addr hostarch.Addr) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < 256; i++ {
		b := readBytes(t, as, addr+hostarch.Addr(i), 1)
		if b[0] == 0 {
			return sb.String()
		}
		sb.WriteByte(b[0])
	}
	t.Fatalf("unterminated string at %v", addr)
	return ""
}

func TestParse(t *testing.T) {
	b := twoSegments()
	b.Extra = []elf.Prog64{{Type: uint32(elf.PT_PHDR), Flags: uint32(elf.PF_R), Vaddr: textAddr + elfHeaderSize}}
	img, err := Parse(build(t, b))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if img.Entry != textAddr+0x10 {
		t.Errorf("Entry got %v, want %#x", img.Entry, textAddr+0x10)
	}
	if img.PhdrAddr != textAddr+elfHeaderSize || img.PhdrNum != 3 {
		t.Errorf("program headers got %v/%d, want %#x/3", img.PhdrAddr, img.PhdrNum, textAddr+elfHeaderSize)
	}
	type seg struct {
		Vaddr  hostarch.Addr
		Filesz uint64
		Memsz  uint64
		Perms  hostarch.AccessType
	}
	var got []seg
	for _, s := range img.Segments {
		got = append(got, seg{s.Vaddr, s.Filesz, s.Memsz, s.Perms})
	}
	want := []seg{
		{textAddr, uint64(len(textBytes)), uint64(len(textBytes)), hostarch.ReadExecute},
		{dataAddr + 0x40, uint64(len(dataBytes)), 0x3000, hostarch.ReadWrite},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
	if end := img.End(); end != dataAddr+0x4000 {
		t.Errorf("End got %v, want %#x", end, dataAddr+0x4000)
	}
}

func TestParseSkipsEmptySegments(t *testing.T) {
	b := twoSegments()
	b.Segments = append(b.Segments, elftest.Segment{Vaddr: 0x800000, Flags: elf.PF_R})
	img, err := Parse(build(t, b))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(img.Segments) != 2 {
		t.Errorf("got %d segments, want 2", len(img.Segments))
	}
}

func TestParseErrors(t *testing.T) {
	mutated := func(fn func(hdr *elf.Header64, phdrs []elf.Prog64)) func(t *testing.T) []byte {
		return func(t *testing.T) []byte {
			b := twoSegments()
			b.Mutate = fn
			return build(t, b)
		}
	}
	for _, tc := range []struct {
		name  string
		image func(t *testing.T) []byte
	}{
		{"empty", func(*testing.T) []byte { return nil }},
		{"truncated header", func(t *testing.T) []byte { return build(t, twoSegments())[:40] }},
		{"bad magic", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Ident[1] = 'X' })},
		{"32-bit", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32) })},
		{"big endian", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB) })},
		{"version", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Version = 2 })},
		{"machine", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Machine = uint16(elf.EM_AARCH64) })},
		{"shared object", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Type = uint16(elf.ET_DYN) })},
		{"program header size", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Phentsize = 32 })},
		{"no program headers", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Phnum = 0 })},
		{"program headers past end", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Phoff = 1 << 40 })},
		{"program headers overflow", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Phoff = ^uint64(0) - 8 })},
		{"file size exceeds memory size", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Memsz = 0x10 })},
		{"segment past end of file", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Off += 0x100000 })},
		{"alignment", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Align = 0x3000 })},
		{"misaligned address", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr += 8 })},
		{"writable and executable", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[0].Flags = uint32(elf.PF_R | elf.PF_W | elf.PF_X) })},
		{"no permissions", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Flags = 0 })},
		{"null page", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr = 0x40 })},
		{"kernel half", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr = uint64(hostarch.KernelBase) + 0x40 })},
		{"address overflow", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr = ^uint64(0) - 0xfbf })},
		{"overlapping segments", mutated(func(_ *elf.Header64, p []elf.Prog64) { p[1].Vaddr = textAddr + 0x40 })},
		{"no loadable segments", mutated(func(_ *elf.Header64, p []elf.Prog64) {
			p[0].Type = uint32(elf.PT_NOTE)
			p[1].Type = uint32(elf.PT_NOTE)
		})},
		{"entry outside executable segment", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Entry = dataAddr + 0x40 })},
		{"entry past segment", mutated(func(hdr *elf.Header64, _ []elf.Prog64) { hdr.Entry = textAddr + 0x800 })},
		{"interpreter", func(t *testing.T) []byte {
			b := twoSegments()
			b.Extra = []elf.Prog64{{Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R)}}
			return build(t, b)
		}},
		{"script", func(*testing.T) []byte { return []byte("#!/bin/sh -e\necho hello\n") }},
		{"empty script", func(*testing.T) []byte { return []byte("#!   \n") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.image(t)); !kernerr.Equals(kernerr.MalformedImage, err) {
				t.Errorf("Parse got %v, want %v", err, kernerr.MalformedImage)
			}
		})
	}
}

func TestScriptNamesInterpreter(t *testing.T) {
	_, err := Parse([]byte("#! /usr/bin/python3 -u\nprint()\n"))
	if err == nil || !strings.Contains(err.Error(), `"/usr/bin/python3"`) {
		t.Errorf("Parse got %v, want an error naming the interpreter", err)
	}
}

func TestLoad(t *testing.T) {
	for _, lazy := range []bool{false, true} {
		name := "eager"
		if lazy {
			name = "lazy"
		}
		t.Run(name, func(t *testing.T) {
			tm := newTestMachine(t)
			before := tm.frames.FreeFrameCount()

			l, err := Load(tm.mgr, build(t, twoSegments()), testOptions(lazy))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			as := l.AddressSpace

			if lazy {
				if _, err := as.Translate(textAddr); !kernerr.Equals(kernerr.Unmapped, err) {
					t.Errorf("Translate before first access got %v, want %v", err, kernerr.Unmapped)
				}
			}
			if got := readBytes(t, as, textAddr, len(textBytes)); !bytes.Equal(got, textBytes) {
				t.Errorf("text contents mismatch")
			}
			if got := readBytes(t, as, dataAddr+0x40, len(dataBytes)); !bytes.Equal(got, dataBytes) {
				t.Errorf("data contents mismatch")
			}
			tail := dataAddr + 0x40 + hostarch.Addr(len(dataBytes))
			if got := readBytes(t, as, tail, 0x3000-len(dataBytes)); !bytes.Equal(got, make([]byte, len(got))) {
				t.Errorf("bytes past the file contents are not zero")
			}
			if got := readBytes(t, as, dataAddr, 0x40); !bytes.Equal(got, make([]byte, 0x40)) {
				t.Errorf("bytes before the segment start are not zero")
			}

			for _, tc := range []struct {
				addr hostarch.Addr
				want hostarch.AccessType
			}{
				{textAddr, hostarch.ReadExecute},
				{dataAddr, hostarch.ReadWrite},
				{dataAddr + 0x3000, hostarch.ReadWrite},
			} {
				tr, err := as.Translate(tc.addr)
				if err != nil {
					t.Errorf("Translate(%v) failed: %v", tc.addr, err)
					continue
				}
				if tr.Perms != tc.want {
					t.Errorf("Translate(%v) perms got %v, want %v", tc.addr, tr.Perms, tc.want)
				}
			}
			if _, err := as.CopyOut(textAddr, []byte{0xcc}); err == nil {
				t.Errorf("write to text succeeded")
			}

			if l.Entry != textAddr+0x10 {
				t.Errorf("Entry got %v, want %#x", l.Entry, textAddr+0x10)
			}
			if l.Brk != dataAddr+0x4000 {
				t.Errorf("Brk got %v, want %#x", l.Brk, dataAddr+0x4000)
			}
			if l.Name != "prog" {
				t.Errorf("Name got %q, want %q", l.Name, "prog")
			}
			wantStack := hostarch.AddrRange{Start: DefaultStackTop - DefaultStackSize, End: DefaultStackTop}
			if l.Stack != wantStack {
				t.Errorf("Stack got %v, want %v", l.Stack, wantStack)
			}
			if _, ok := as.FindRegion(l.Stack.Start - 1); ok {
				t.Errorf("guard page below the stack is mapped")
			}

			as.Release()
			if got := tm.frames.FreeFrameCount(); got != before {
				t.Errorf("free frames after Release got %d, want %d", got, before)
			}
		})
	}
}

func TestInitialStack(t *testing.T) {
	tm := newTestMachine(t)
	opts := testOptions(false)
	l, err := Load(tm.mgr, build(t, twoSegments()), opts)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer l.AddressSpace.Release()
	as := l.AddressSpace

	sp := l.StackPointer
	if sp%16 != 0 {
		t.Errorf("stack pointer %v is not 16-byte aligned", sp)
	}
	if !l.Stack.Contains(sp) {
		t.Fatalf("stack pointer %v outside stack %v", sp, l.Stack)
	}

	argc := readWord(t, as, sp)
	if argc != uint64(len(opts.Argv)) {
		t.Fatalf("argc got %d, want %d", argc, len(opts.Argv))
	}
	addr := sp + 8
	var argv []string
	for ; ; addr += 8 {
		p := readWord(t, as, addr)
		if p == 0 {
			break
		}
		argv = append(argv, readString(t, as, hostarch.Addr(p)))
	}
	addr += 8
	var envv []string
	for ; ; addr += 8 {
		p := readWord(t, as, addr)
		if p == 0 {
			break
		}
		envv = append(envv, readString(t, as, hostarch.Addr(p)))
	}
	addr += 8
	if diff := cmp.Diff(opts.Argv, argv); diff != "" {
		t.Errorf("argv mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(opts.Envv, envv); diff != "" {
		t.Errorf("envv mismatch (-want +got):\n%s", diff)
	}
	if l.Layout.ArgvStart >= l.Layout.ArgvEnd || l.Layout.ArgvEnd > l.Layout.EnvvStart {
		t.Errorf("bad layout %+v", l.Layout)
	}

	aux := make(map[uint64]uint64)
	for ; ; addr += 16 {
		key := readWord(t, as, addr)
		if key == 0 {
			break
		}
		aux[key] = readWord(t, as, addr+8)
	}
	for key, want := range map[uint64]uint64{
		atPagesz: hostarch.PageSize,
		atEntry:  textAddr + 0x10,
		atPhent:  progHeaderSize,
		atPhnum:  2,
		atClktck: clockTicks,
	} {
		if got, ok := aux[key]; !ok || got != want {
			t.Errorf("auxv[%d] got %#x (present %t), want %#x", key, got, ok, want)
		}
	}
	if got := readBytes(t, as, hostarch.Addr(aux[atRandom]), randomBytes); !bytes.Equal(got, testRandom) {
		t.Errorf("AT_RANDOM bytes got %q, want %q", got, testRandom)
	}
	if got := readString(t, as, hostarch.Addr(aux[atPlatform])); got != platform {
		t.Errorf("AT_PLATFORM got %q, want %q", got, platform)
	}
	if got := readString(t, as, hostarch.Addr(aux[atExecfn])); got != opts.Filename {
		t.Errorf("AT_EXECFN got %q, want %q", got, opts.Filename)
	}
}

func TestRejectedBeforeAllocation(t *testing.T) {
	tm := newTestMachine(t)
	before := tm.frames.FreeFrameCount()

	b := twoSegments()
	b.Mutate = func(_ *elf.Header64, p []elf.Prog64) { p[1].Flags = uint32(elf.PF_R | elf.PF_W | elf.PF_X) }
	if _, err := Load(tm.mgr, build(t, b), testOptions(false)); !kernerr.Equals(kernerr.MalformedImage, err) {
		t.Errorf("Load got %v, want %v", err, kernerr.MalformedImage)
	}

	opts := testOptions(false)
	opts.StackTop = dataAddr + 0x5000
	opts.StackSize = hostarch.PageSize
	if _, err := Load(tm.mgr, build(t, twoSegments()), opts); !kernerr.Equals(kernerr.InvalidRange, err) {
		t.Errorf("Load with stack guard over data got %v, want %v", err, kernerr.InvalidRange)
	}

	opts = testOptions(false)
	opts.StackSize = uint64(hostarch.MaxUserAddress)
	if _, err := Load(tm.mgr, build(t, twoSegments()), opts); !kernerr.Equals(kernerr.InvalidRange, err) {
		t.Errorf("Load with oversized stack got %v, want %v", err, kernerr.InvalidRange)
	}

	if got := tm.frames.FreeFrameCount(); got != before {
		t.Errorf("free frames got %d, want %d", got, before)
	}
}

func TestLoadOutOfMemoryLeaksNothing(t *testing.T) {
	tm := newTestMachine(t)
	const left = 3
	hog, err := tm.frames.AllocateFrames(int(tm.frames.FreeFrameCount()) - left)
	if err != nil {
		t.Fatalf("AllocateFrames failed: %v", err)
	}
	defer tm.frames.FreeFrames(hog)

	if _, err := Load(tm.mgr, build(t, twoSegments()), testOptions(false)); !kernerr.Equals(kernerr.OutOfMemory, err) {
		t.Errorf("Load got %v, want %v", err, kernerr.OutOfMemory)
	}
	if got := tm.frames.FreeFrameCount(); got != left {
		t.Errorf("free frames got %d, want %d", got, left)
	}
}

func TestTaskName(t *testing.T) {
	for _, tc := range []struct {
		filename string
		want     string
	}{
		{"/bin/init", "init"},
		{"prog", "prog"},
		{"/usr/libexec/a-very-long-program-name", "a-very-long-pro"},
		{"/sbin/", "sbin"},
	} {
		if got := taskName(tc.filename); got != tc.want {
			t.Errorf("taskName(%q) got %q, want %q", tc.filename, got, tc.want)
		}
	}
}

func TestLoadTask(t *testing.T) {
	tm := newTestMachine(t)
	k := kernel.New(tm.mgr, tm.d, nil)
	opts := testOptions(true)
	opts.Filename = "/usr/libexec/a-very-long-program-name"

	task, err := LoadTask(k, build(t, twoSegments()), opts)
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if got := task.Name(); got != "a-very-long-pro" {
		t.Errorf("Name got %q, want %q", got, "a-very-long-pro")
	}
	if got := task.State(); got != kernel.Ready {
		t.Errorf("State got %v, want %v", got, kernel.Ready)
	}
	regs := task.Registers()
	if regs.IP() != textAddr+0x10 {
		t.Errorf("IP got %v, want %#x", regs.IP(), textAddr+0x10)
	}
	if sp := regs.Stack(); sp%16 != 0 || sp >= DefaultStackTop {
		t.Errorf("stack pointer got %v", sp)
	}
	if got := task.Brk(); got != dataAddr+0x4000 {
		t.Errorf("Brk got %v, want %#x", got, dataAddr+0x4000)
	}

	if err := k.Scheduler().Enqueue(task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if d := k.Start(); d.Task != task || d.CR3 != task.AddressSpace().CR3() {
		t.Errorf("Start got %v, want %v", d, task)
	}
}
