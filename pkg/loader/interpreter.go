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
)

const (
	// interpreterScriptMagic identifies an interpreter script.
	interpreterScriptMagic = "#!"

	// interpMaxLineLength is the maximum length for the first line of an
	// interpreter script.
	//
	// From execve(2): "A maximum line length of 127 characters is allowed
	// for the first line in a #! executable shell script."
	interpMaxLineLength = 127
)

func isInterpreterScript(image []byte) bool {
	return bytes.HasPrefix(image, []byte(interpreterScriptMagic))
}

// parseInterpreterScript returns the error for an interpreter script. The
// interpreter would have to be read from a filesystem, so scripts are never
// loaded.
func parseInterpreterScript(image []byte) error {
	line := image
	if len(line) > interpMaxLineLength {
		line = line[:interpMaxLineLength]
	}
	// Ignore #!.
	line = line[len(interpreterScriptMagic):]

	// Ignore everything after newline.
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	// Skip any whitespace before the interpreter.
	line = bytes.TrimLeft(line, " \t")

	// Linux only looks for a space or tab delimiting the interpreter and
	// arg.
	interp := line
	if i := bytes.IndexAny(line, " \t"); i >= 0 {
		interp = line[:i]
	}
	if len(interp) == 0 {
		return malformed("interpreter script contains no interpreter")
	}
	return malformed("interpreter script for %q cannot be loaded without a filesystem", interp)
}
