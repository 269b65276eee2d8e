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

// Package cmd holds implementations of the qkernel commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"qkernel.dev/qkernel/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller that started qkernel.
var ErrorLogger io.Writer

// Fatalf logs to stderr and the error log, and exits with error.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	writeError(format, args...)
	os.Exit(128)
}

// writeError writes a JSON error record to ErrorLogger, if set.
func writeError(format string, args ...any) {
	if ErrorLogger == nil {
		return
	}
	b, err := json.Marshal(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	})
	if err != nil {
		return
	}
	ErrorLogger.Write(append(b, '\n'))
}

// stringFlags can be used with string flags that appear multiple times.
type stringFlags []string

// String implements flag.Value.
func (s *stringFlags) String() string {
	return strings.Join(*s, ",")
}

// Get implements flag.Getter.
func (s *stringFlags) Get() any {
	return []string(*s)
}

// Set implements flag.Value.
func (s *stringFlags) Set(v string) error {
	*s = append(*s, v)
	return nil
}
