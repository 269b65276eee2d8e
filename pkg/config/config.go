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

// Package config holds the qkernel configuration.
package config

import (
	"fmt"
	"reflect"
	"time"

	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/log"
)

// minMemory is the smallest machine that can hold the kernel tables and one
// task.
const minMemory = 4 << 20

// Config holds configuration that is not part of the programs being run.
// Fields with a flag tag are populated from the command line; fields with a
// toml tag may also be set from a configuration file.
type Config struct {
	// ConfigFile is a TOML file applied over the flag defaults. Flags set
	// explicitly on the command line take precedence over it.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// DebugLogFormat is the log format for debug: "text" or "json".
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// BootInfo is a TOML memory map. If empty, the machine has MemorySize
	// bytes of RAM above 1 MiB.
	BootInfo string `flag:"boot-info" toml:"boot_info"`

	// MemorySize is the physical memory size used when BootInfo is empty.
	MemorySize uint64 `flag:"memory" toml:"memory"`

	// Ticks is the number of timer interrupts delivered by "boot".
	Ticks int `flag:"ticks" toml:"ticks"`

	// StackSize is the size of each task's stack region.
	StackSize uint64 `flag:"stack-size" toml:"stack_size"`

	// LazyLoad maps program contents on first access instead of copying
	// them at load time.
	LazyLoad bool `flag:"lazy" toml:"lazy"`

	// FaultRing is the number of fault records kept in memory.
	FaultRing int `flag:"fault-ring" toml:"fault_ring"`

	// FaultLogInterval is the minimum interval between logged
	// non-fatal fault records once FaultLogBurst is spent. Zero disables
	// rate limiting.
	FaultLogInterval time.Duration `flag:"fault-log-interval" toml:"fault_log_interval"`

	// FaultLogBurst is the number of fault records logged without delay.
	FaultLogBurst int `flag:"fault-log-burst" toml:"fault_log_burst"`
}

func validFormat(f string) bool {
	return f == "text" || f == "json"
}

func (c *Config) validate() error {
	if !validFormat(c.LogFormat) {
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if !validFormat(c.DebugLogFormat) {
		return fmt.Errorf("invalid debug log format %q, must be 'text' or 'json'", c.DebugLogFormat)
	}
	if c.BootInfo == "" && c.MemorySize < minMemory {
		return fmt.Errorf("memory size %#x is below the minimum of %#x", c.MemorySize, minMemory)
	}
	if c.Ticks < 0 {
		return fmt.Errorf("ticks must be non-negative, got %d", c.Ticks)
	}
	if c.StackSize == 0 || c.StackSize%hostarch.PageSize != 0 {
		return fmt.Errorf("stack size %#x must be a non-zero multiple of the page size", c.StackSize)
	}
	if c.FaultRing <= 0 {
		return fmt.Errorf("fault ring size must be positive, got %d", c.FaultRing)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("fault log interval must be non-negative, got %v", c.FaultLogInterval)
	}
	if c.FaultLogBurst <= 0 {
		return fmt.Errorf("fault log burst must be positive, got %d", c.FaultLogBurst)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
		}
	}
}
