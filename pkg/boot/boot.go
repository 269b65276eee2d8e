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

// Package boot describes the machine handed to the kernel at boot: the
// physical memory map and the location of the kernel image.
package boot

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"qkernel.dev/qkernel/pkg/errors/kernerr"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
	"qkernel.dev/qkernel/pkg/pmm"
)

const (
	// lowMemory is the legacy region below 1 MiB, which Default leaves
	// unused.
	lowMemory = 1 << 20

	// defaultKernelSize is the kernel image size assumed by Default.
	defaultKernelSize = 1 << 20
)

// Info is the boot handoff.
type Info struct {
	// Memory lists the available physical memory regions.
	Memory []pmm.Region `toml:"memory"`

	// Reserved lists regions inside Memory that must not be allocated,
	// such as firmware tables or boot modules.
	Reserved []pmm.Region `toml:"reserved"`

	// KernelStart and KernelEnd bound the physical kernel image.
	KernelStart uint64 `toml:"kernel_start"`
	KernelEnd   uint64 `toml:"kernel_end"`
}

// Default returns the memory map of a machine with size bytes of RAM, the
// kernel image loaded at 1 MiB.
func Default(size uint64) Info {
	return Info{
		Memory:      []pmm.Region{{Start: lowMemory, End: size &^ (hostarch.PageSize - 1)}},
		KernelStart: lowMemory,
		KernelEnd:   lowMemory + defaultKernelSize,
	}
}

// Decode reads a TOML memory map from r.
func Decode(r io.Reader) (Info, error) {
	var info Info
	md, err := toml.NewDecoder(r).Decode(&info)
	if err != nil {
		return Info{}, fmt.Errorf("decoding boot info: %v: %w", err, kernerr.ConfigurationFault)
	}
	return info, checkDecoded(md, info)
}

// LoadFile reads a TOML memory map from path.
func LoadFile(path string) (Info, error) {
	var info Info
	md, err := toml.DecodeFile(path, &info)
	if err != nil {
		return Info{}, fmt.Errorf("decoding boot info %q: %v: %w", path, err, kernerr.ConfigurationFault)
	}
	return info, checkDecoded(md, info)
}

func checkDecoded(md toml.MetaData, info Info) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown boot info keys %s: %w", strings.Join(keys, ", "), kernerr.ConfigurationFault)
	}
	return info.Validate()
}

// Validate checks that the memory map is usable.
func (i Info) Validate() error {
	if len(i.Memory) == 0 {
		return fmt.Errorf("no memory regions: %w", kernerr.ConfigurationFault)
	}
	for _, r := range i.Memory {
		if r.Start >= r.End {
			return fmt.Errorf("empty memory region %v: %w", r, kernerr.ConfigurationFault)
		}
	}
	for _, r := range i.Reserved {
		if r.Start >= r.End {
			return fmt.Errorf("empty reserved region %v: %w", r, kernerr.ConfigurationFault)
		}
	}
	if i.KernelStart > i.KernelEnd {
		return fmt.Errorf("kernel image [%#x, %#x) is inverted: %w", i.KernelStart, i.KernelEnd, kernerr.ConfigurationFault)
	}
	if len(i.Usable()) == 0 {
		return fmt.Errorf("no usable memory after carving out the kernel and reserved regions: %w", kernerr.ConfigurationFault)
	}
	return nil
}

// Limit returns the end of the highest memory region, rounded up to a page.
func (i Info) Limit() uint64 {
	var limit uint64
	for _, r := range i.Memory {
		if r.End > limit {
			limit = r.End
		}
	}
	return (limit + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
}

// Usable returns the page-aligned, sorted and disjoint regions of Memory
// that exclude the kernel image and the reserved regions.
func (i Info) Usable() []pmm.Region {
	var regions []pmm.Region
	for _, r := range i.Memory {
		r = pmm.Region{
			Start: (r.Start + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1),
			End:   r.End &^ (hostarch.PageSize - 1),
		}
		if r.Start < r.End {
			regions = append(regions, r)
		}
	}
	regions = merge(regions)

	cuts := append([]pmm.Region{{Start: i.KernelStart, End: i.KernelEnd}}, i.Reserved...)
	for _, c := range cuts {
		if c.Start >= c.End {
			continue
		}
		c = pmm.Region{
			Start: c.Start &^ (hostarch.PageSize - 1),
			End:   (c.End + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1),
		}
		regions = subtract(regions, c)
	}
	return regions
}

// Log logs the memory map.
func (i Info) Log() {
	for _, r := range i.Memory {
		log.Infof("boot: memory %v", r)
	}
	for _, r := range i.Reserved {
		log.Infof("boot: reserved %v", r)
	}
	log.Infof("boot: kernel [%#x, %#x)", i.KernelStart, i.KernelEnd)
}

// merge sorts regions and coalesces those that overlap or touch.
func merge(regions []pmm.Region) []pmm.Region {
	sort.Slice(regions, func(a, b int) bool { return regions[a].Start < regions[b].Start })
	var out []pmm.Region
	for _, r := range regions {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// subtract removes c from each of regions.
func subtract(regions []pmm.Region, c pmm.Region) []pmm.Region {
	var out []pmm.Region
	for _, r := range regions {
		if c.End <= r.Start || c.Start >= r.End {
			out = append(out, r)
			continue
		}
		if r.Start < c.Start {
			out = append(out, pmm.Region{Start: r.Start, End: c.Start})
		}
		if c.End < r.End {
			out = append(out, pmm.Region{Start: c.End, End: r.End})
		}
	}
	return out
}
