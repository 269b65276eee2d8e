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
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML configuration file applied before command line flags.")

	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Machine flags.
	flagSet.String("boot-info", "", "TOML memory map describing physical memory and the kernel image. Overrides --memory.")
	flagSet.Uint64("memory", 64<<20, "physical memory size in bytes.")
	flagSet.Int("ticks", 12, "number of timer interrupts to deliver.")

	// Loader flags.
	flagSet.Uint64("stack-size", 8<<20, "size of each task's stack region in bytes.")
	flagSet.Bool("lazy", false, "map program contents on first access instead of copying them at load time.")

	// Fault reporting flags.
	flagSet.Int("fault-ring", 64, "number of fault records kept in memory.")
	flagSet.Duration("fault-log-interval", 10*time.Millisecond, "minimum interval between logged non-fatal fault records once the burst is spent. Zero disables rate limiting.")
	flagSet.Int("fault-log-burst", 16, "number of fault records logged without rate limiting.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, the configuration file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if conf.ConfigFile != "" {
		if err := conf.applyFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		var err error
		flagSet.Visit(func(fl *flag.Flag) {
			if err == nil && fl.Name != "config" {
				err = conf.set(fl)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile decodes the TOML file at path over c.
func (c *Config) applyFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config file %q has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// set copies the value of fl to the field tagged with its name.
func (c *Config) set(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
			return nil
		}
	}
	return fmt.Errorf("flag %q does not match a config field", fl.Name)
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
