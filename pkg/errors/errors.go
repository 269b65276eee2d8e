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

// Package errors holds the standardized error definition for qkernel.
package errors

import "fmt"

// Kind classifies a kernel error. Two errors of the same kind are equivalent
// for the purposes of errors.Is regardless of message.
type Kind uint32

// Error represents a kernel error kind with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the underlying Kind value.
func (e *Error) Kind() Kind { return e.kind }

// Is implements the interface used by errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && e != nil && t.kind == e.kind
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return fmt.Sprintf("kind(%d)", uint32(k))
}
