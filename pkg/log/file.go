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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileOpts holds the values substituted into a log file pattern.
type FileOpts struct {
	// Command is the name of the subcommand doing the logging.
	Command string

	// Start is the time at which the process started.
	Start time.Time
}

// Build expands %COMMAND%, %PID% and %TIMESTAMP% in logPattern.
func (o FileOpts) Build(logPattern string) string {
	r := strings.NewReplacer(
		"%COMMAND%", o.Command,
		"%PID%", strconv.Itoa(os.Getpid()),
		"%TIMESTAMP%", o.Start.Format("20060102-150405.000000"),
	)
	return r.Replace(logPattern)
}

// OpenFile opens a log file using the specified flags. It uses opts to
// construct the log file path based on the given logPattern. An empty pattern
// yields a nil file and no error.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	logPath := opts.Build(logPattern)

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
