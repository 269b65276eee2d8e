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

// Package loader loads ELF64 executables into new address spaces.
package loader

import (
	"crypto/rand"
	"fmt"
	"io"
	"path"

	"qkernel.dev/qkernel/pkg/arch"
	"qkernel.dev/qkernel/pkg/cleanup"
	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/kernel"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/mm"
	"qkernel.dev/qkernel/pkg/ring0"
)

const (
	// DefaultStackSize is the size of the stack region.
	DefaultStackSize = 8 << 20

	// DefaultStackTop is the first address above the stack region.
	DefaultStackTop = hostarch.MaxUserAddress

	// maxTaskNameLen is the longest task name, TASK_COMM_LEN-1 in Linux.
	maxTaskNameLen = 15

	// defaultFilename names programs loaded without a filename or argv.
	defaultFilename = "init"
)

// Options control Load.
type Options struct {
	// Filename is the program path. It names the task and is passed as
	// AT_EXECFN. Defaults to Argv[0].
	Filename string

	// Argv is the argument vector. Defaults to Filename.
	Argv []string

	// Envv is the environment.
	Envv []string

	// Lazy maps file contents as FileBacked regions populated on fault
	// instead of copying them at load time.
	Lazy bool

	// StackSize is the size of the stack region. Defaults to
	// DefaultStackSize.
	StackSize uint64

	// StackTop is the end of the stack region. Defaults to
	// DefaultStackTop.
	StackTop hostarch.Addr

	// Random supplies the AT_RANDOM bytes. Defaults to crypto/rand.
	Random io.Reader
}

func (o *Options) setDefaults() {
	if o.Filename == "" {
		if len(o.Argv) > 0 {
			o.Filename = o.Argv[0]
		} else {
			o.Filename = defaultFilename
		}
	}
	if len(o.Argv) == 0 {
		o.Argv = []string{o.Filename}
	}
	if o.StackSize == 0 {
		o.StackSize = DefaultStackSize
	}
	if o.StackTop == 0 {
		o.StackTop = DefaultStackTop
	}
	if o.Random == nil {
		o.Random = rand.Reader
	}
}

// Loaded is a program loaded into a new address space.
type Loaded struct {
	// AddressSpace holds the program. The caller owns it.
	AddressSpace *mm.AddressSpace

	// Name is the task name.
	Name string

	// Entry is the entry point.
	Entry hostarch.Addr

	// StackPointer is the initial stack pointer.
	StackPointer hostarch.Addr

	// Stack is the stack region. The page below it is left unmapped.
	Stack hostarch.AddrRange

	// Brk is the initial program break.
	Brk hostarch.Addr

	// Layout locates the arguments and environment on the stack.
	Layout arch.StackLayout
}

// Load parses image and loads it into a new address space of mgr. On failure
// nothing remains allocated.
func Load(mgr *mm.Manager, image []byte, opts Options) (*Loaded, error) {
	img, err := Parse(image)
	if err != nil {
		return nil, err
	}
	return LoadImage(mgr, img, opts)
}

// LoadImage loads a parsed image into a new address space of mgr. On failure
// nothing remains allocated.
func LoadImage(mgr *mm.Manager, img *Image, opts Options) (*Loaded, error) {
	opts.setDefaults()
	stack, err := stackRange(img, opts)
	if err != nil {
		return nil, err
	}

	as, err := mgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(as.Release)
	defer cu.Clean()

	for _, s := range img.Segments {
		if err := mapSegment(mgr, as, img, s, opts.Lazy); err != nil {
			return nil, fmt.Errorf("loading segment %v: %w", s, err)
		}
	}
	if err := as.Map(stack, mm.Mapping{Policy: mm.StackGrowth, Perms: hostarch.ReadWrite, Name: "stack"}); err != nil {
		return nil, fmt.Errorf("mapping stack %v: %w", stack, err)
	}
	sp, layout, err := setupStack(as, img, stack, opts)
	if err != nil {
		return nil, fmt.Errorf("writing initial stack: %w", err)
	}
	cu.Release()

	l := &Loaded{
		AddressSpace: as,
		Name:         taskName(opts.Filename),
		Entry:        img.Entry,
		StackPointer: sp,
		Stack:        stack,
		Brk:          img.End(),
		Layout:       layout,
	}
	log.Infof("Loaded %q: entry %v, %d segments, stack %v, sp %v, brk %v", opts.Filename, l.Entry, len(img.Segments), l.Stack, l.StackPointer, l.Brk)
	return l, nil
}

// LoadTask loads image and returns a Ready task of k that starts at its
// entry point.
func LoadTask(k *kernel.Kernel, image []byte, opts Options) (*kernel.Task, error) {
	img, err := Parse(image)
	if err != nil {
		return nil, err
	}
	return LoadImageTask(k, img, opts)
}

// LoadImageTask is LoadTask for a parsed image.
func LoadImageTask(k *kernel.Kernel, img *Image, opts Options) (*kernel.Task, error) {
	l, err := LoadImage(k.MemoryManager(), img, opts)
	if err != nil {
		return nil, err
	}
	t, err := k.NewTask(l.Name, l.AddressSpace, ring0.UserRegisters(uint64(l.Entry), uint64(l.StackPointer)))
	if err != nil {
		l.AddressSpace.Release()
		return nil, err
	}
	t.SetBrk(l.Brk)
	return t, nil
}

// taskName returns the base of filename, truncated.
func taskName(filename string) string {
	name := path.Base(filename)
	if len(name) > maxTaskNameLen {
		name = name[:maxTaskNameLen]
	}
	return name
}

// stackRange returns the stack region and checks that it and its guard page
// are clear of the image.
func stackRange(img *Image, opts Options) (hostarch.AddrRange, error) {
	size, ok := hostarch.Addr(opts.StackSize).RoundUp()
	if !ok || !opts.StackTop.IsPageAligned() || opts.StackTop > hostarch.MaxUserAddress {
		return hostarch.AddrRange{}, fmt.Errorf("stack of %#x bytes below %v: %w", opts.StackSize, opts.StackTop, kernerr.InvalidRange)
	}
	if size >= opts.StackTop || opts.StackTop-size < hostarch.MinUserAddress+hostarch.PageSize {
		return hostarch.AddrRange{}, fmt.Errorf("stack of %#x bytes below %v does not fit: %w", opts.StackSize, opts.StackTop, kernerr.InvalidRange)
	}
	stack := hostarch.AddrRange{Start: opts.StackTop - size, End: opts.StackTop}
	guarded := hostarch.AddrRange{Start: stack.Start - hostarch.PageSize, End: stack.End}
	for _, s := range img.Segments {
		if s.pageRange().Overlaps(guarded) {
			return hostarch.AddrRange{}, fmt.Errorf("stack %v overlaps segment %v: %w", guarded, s, kernerr.InvalidRange)
		}
	}
	return stack, nil
}

// mapSegment maps the pages of s: file-backed pages first, then a
// demand-zero tail for the rest of the memory size.
func mapSegment(mgr *mm.Manager, as *mm.AddressSpace, img *Image, s Segment, lazy bool) error {
	pages := s.pageRange()
	fileEnd := pages.Start
	if s.Filesz > 0 {
		fileEnd = s.fileEnd().MustRoundUp()
		ar := hostarch.AddrRange{Start: pages.Start, End: fileEnd}
		src := img.fileBytes(s)
		if lazy {
			if err := as.Map(ar, mm.Mapping{Policy: mm.FileBacked, Perms: s.Perms, Source: src, Name: "file"}); err != nil {
				return err
			}
		} else {
			frames, err := mgr.Frames().AllocateFrames(int(ar.NumPages()))
			if err != nil {
				return err
			}
			for i, f := range frames {
				page := mgr.Memory().Page(f.Address())
				clear(page)
				copy(page, src[i*hostarch.PageSize:])
			}
			if err := as.Map(ar, mm.Mapping{Policy: mm.Eager, Perms: s.Perms, Frames: frames, Name: "file"}); err != nil {
				if ferr := mgr.Frames().FreeFrames(frames); ferr != nil {
					panic(fmt.Sprintf("returning frames of a failed mapping: %v", ferr))
				}
				return err
			}
		}
	}
	if fileEnd < pages.End {
		ar := hostarch.AddrRange{Start: fileEnd, End: pages.End}
		if err := as.Map(ar, mm.Mapping{Policy: mm.DemandZero, Perms: s.Perms, Name: "bss"}); err != nil {
			return err
		}
	}
	return nil
}

// setupStack writes the initial stack image below stack.End and returns the
// initial stack pointer.
func setupStack(as *mm.AddressSpace, img *Image, stack hostarch.AddrRange, opts Options) (hostarch.Addr, arch.StackLayout, error) {
	st := &arch.Stack{IO: as, Bottom: stack.End}

	platformAddr, err := st.PushString(platform)
	if err != nil {
		return 0, arch.StackLayout{}, err
	}
	random := make([]byte, randomBytes)
	if _, err := io.ReadFull(opts.Random, random); err != nil {
		return 0, arch.StackLayout{}, fmt.Errorf("reading AT_RANDOM bytes: %w", err)
	}
	randomAddr, err := st.PushBytes(random)
	if err != nil {
		return 0, arch.StackLayout{}, err
	}
	execfnAddr, err := st.PushString(opts.Filename)
	if err != nil {
		return 0, arch.StackLayout{}, err
	}

	aux := arch.Auxv{
		{Key: atPhdr, Value: img.PhdrAddr},
		{Key: atPhent, Value: progHeaderSize},
		{Key: atPhnum, Value: hostarch.Addr(img.PhdrNum)},
		{Key: atPagesz, Value: hostarch.PageSize},
		{Key: atBase, Value: 0},
		{Key: atFlags, Value: 0},
		{Key: atEntry, Value: img.Entry},
		{Key: atUID, Value: 0},
		{Key: atEUID, Value: 0},
		{Key: atGID, Value: 0},
		{Key: atEGID, Value: 0},
		{Key: atSecure, Value: 0},
		{Key: atClktck, Value: clockTicks},
		{Key: atHWCap, Value: 0},
		{Key: atPlatform, Value: platformAddr},
		{Key: atRandom, Value: randomAddr},
		{Key: atExecfn, Value: execfnAddr},
	}
	layout, err := st.Load(opts.Argv, opts.Envv, aux)
	if err != nil {
		return 0, arch.StackLayout{}, err
	}
	return st.Bottom, layout, nil
}
