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

package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"qkernel.dev/qkernel/pkg/loader"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "validate ELF executables and print their loadable segments"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <file>... - validate ELF executables and print their loadable segments
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.output, "o", "table", "output format: table or json.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out, ok := inspectOutputs[i.output]
	if !ok {
		Fatalf("unknown output format %q", i.output)
	}
	images, err := parseFiles(ctx, f.Args())
	if err != nil {
		Fatalf("%v", err)
	}
	if err := out(os.Stdout, f.Args(), images); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// parseFiles reads and validates the executables in paths concurrently.
func parseFiles(ctx context.Context, paths []string) ([]*loader.Image, error) {
	images := make([]*loader.Image, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %q: %w", path, err)
			}
			img, err := loader.Parse(data)
			if err != nil {
				return fmt.Errorf("parsing %q: %w", path, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

type inspectOutput func(w io.Writer, paths []string, images []*loader.Image) error

var inspectOutputs = map[string]inspectOutput{
	"table": inspectTable,
	"json":  inspectJSON,
}

func inspectTable(w io.Writer, paths []string, images []*loader.Image) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for i, img := range images {
		fmt.Fprintf(tw, "%s: entry %v, brk %v, %d program headers at %v\n", paths[i], img.Entry, img.End(), img.PhdrNum, img.PhdrAddr)
		fmt.Fprintf(tw, "\tVADDR\tMEMSZ\tOFFSET\tFILESZ\tPERMS\n")
		for _, s := range img.Segments {
			fmt.Fprintf(tw, "\t%v\t%#x\t%#x\t%#x\t%v\n", s.Vaddr, s.Memsz, s.Offset, s.Filesz, s.Perms)
		}
	}
	return tw.Flush()
}

type segmentJSON struct {
	Vaddr  uint64 `json:"vaddr"`
	Memsz  uint64 `json:"memsz"`
	Offset uint64 `json:"offset"`
	Filesz uint64 `json:"filesz"`
	Perms  string `json:"perms"`
}

type imageJSON struct {
	Path     string        `json:"path"`
	Entry    uint64        `json:"entry"`
	Brk      uint64        `json:"brk"`
	Segments []segmentJSON `json:"segments"`
}

func inspectJSON(w io.Writer, paths []string, images []*loader.Image) error {
	out := make([]imageJSON, 0, len(images))
	for i, img := range images {
		ij := imageJSON{
			Path:  paths[i],
			Entry: uint64(img.Entry),
			Brk:   uint64(img.End()),
		}
		for _, s := range img.Segments {
			ij.Segments = append(ij.Segments, segmentJSON{
				Vaddr:  uint64(s.Vaddr),
				Memsz:  s.Memsz,
				Offset: s.Offset,
				Filesz: s.Filesz,
				Perms:  s.Perms.String(),
			})
		}
		out = append(out, ij)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
