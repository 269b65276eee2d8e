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
	"testing"

	"qkernel.dev/qkernel/pkg/loader/elftest"
)

const (
	textAddr = 0x400000
	dataAddr = 0x600000
)

var (
	textBytes = bytes.Repeat([]byte{0x90}, 0x180)
	dataBytes = bytes.Repeat([]byte("data"), 0x20)
)

// twoSegments is an executable with an RX text segment and an RW data
// segment whose memory size runs two pages past its file contents.
func twoSegments() elftest.Builder {
	return elftest.Builder{
		Entry: textAddr + 0x10,
		Segments: []elftest.Segment{
			{Vaddr: textAddr, Memsz: uint64(len(textBytes)), Flags: elf.PF_R | elf.PF_X, Data: textBytes},
			{Vaddr: dataAddr + 0x40, Memsz: 0x3000, Flags: elf.PF_R | elf.PF_W, Data: dataBytes},
		},
	}
}

func build(t *testing.T, b elftest.Builder) []byte {
	t.Helper()
	image, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return image
}
