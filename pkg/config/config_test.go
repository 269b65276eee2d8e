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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qkernel.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if want := uint64(64 << 20); c.MemorySize != want {
		t.Errorf("MemorySize=%#x, want: %#x", c.MemorySize, want)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--debug", "--ticks=30", "--lazy", "--memory=16777216", "--fault-log-interval=250ms"))
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 30; c.Ticks != want {
		t.Errorf("Ticks=%v, want: %v", c.Ticks, want)
	}
	if want := true; c.LazyLoad != want {
		t.Errorf("LazyLoad=%v, want: %v", c.LazyLoad, want)
	}
	if want := uint64(16 << 20); c.MemorySize != want {
		t.Errorf("MemorySize=%#x, want: %#x", c.MemorySize, want)
	}
	if want := 250 * time.Millisecond; c.FaultLogInterval != want {
		t.Errorf("FaultLogInterval=%v, want: %v", c.FaultLogInterval, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--debug", "--ticks=30", "--log-format=json", "--lazy=false"))
	if err != nil {
		t.Fatal(err)
	}
	got := c.ToFlags()
	want := []string{"--log-format=json", "--debug=true", "--ticks=30"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--log-format=xml"},
		{"--debug-log-format=k8s"},
		{"--memory=4096"},
		{"--ticks=-1"},
		{"--stack-size=0"},
		{"--stack-size=5000"},
		{"--fault-ring=0"},
		{"--fault-log-burst=0"},
		{"--fault-log-interval=-1s"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			if _, err := NewFromFlags(newFlags(t, args...)); err == nil {
				t.Errorf("NewFromFlags(%v) succeeded, want error", args)
			}
		})
	}
}

func TestSmallMemoryWithBootInfo(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--memory=4096", "--boot-info=/etc/memory.toml"))
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	if c.BootInfo != "/etc/memory.toml" {
		t.Errorf("BootInfo=%q, want: %q", c.BootInfo, "/etc/memory.toml")
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, `
debug = true
ticks = 7
stack_size = 65536
fault_log_interval = "1s"
log_format = "json"
`)
	c, err := NewFromFlags(newFlags(t, "--config="+path, "--ticks=9"))
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := Config{
		ConfigFile:       path,
		LogFormat:        "json",
		Debug:            true,
		DebugLogFormat:   "text",
		MemorySize:       64 << 20,
		Ticks:            9,
		StackSize:        65536,
		FaultRing:        64,
		FaultLogInterval: time.Second,
		FaultLogBurst:    16,
	}
	if diff := cmp.Diff(want, *c); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{"syntax", "ticks = "},
		{"unknown key", "tick = 3\n"},
		{"wrong type", "ticks = \"many\"\n"},
		{"invalid value", "stack_size = 100\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.contents)
			if _, err := NewFromFlags(newFlags(t, "--config="+path)); err == nil {
				t.Errorf("NewFromFlags succeeded, want error")
			}
		})
	}
	if _, err := NewFromFlags(newFlags(t, "--config="+filepath.Join(t.TempDir(), "missing.toml"))); err == nil {
		t.Errorf("NewFromFlags with a missing file succeeded, want error")
	}
}
