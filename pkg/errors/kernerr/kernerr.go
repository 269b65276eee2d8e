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

// Package kernerr contains the kernel's error kinds exported as error
// interface pointers. Call sites wrap them with fmt.Errorf("...: %w", ...)
// and callers compare with errors.Is or Equals.
package kernerr

import (
	goerrors "errors"

	"qkernel.dev/qkernel/pkg/errors"
)

// Error kinds.
const (
	kindOutOfMemory errors.Kind = iota + 1
	kindAlreadyMapped
	kindInvalidRange
	kindUnmapped
	kindMalformedImage
	kindFaultFatal
	kindConfigurationFault
	kindDoubleFree
	kindInvalidTransition
)

var (
	// OutOfMemory is returned when the frame allocator is exhausted.
	OutOfMemory = errors.New(kindOutOfMemory, "out of memory")

	// AlreadyMapped is returned when a mapping intersects an existing one.
	AlreadyMapped = errors.New(kindAlreadyMapped, "already mapped")

	// InvalidRange is returned for misaligned, empty or out-of-bounds
	// ranges.
	InvalidRange = errors.New(kindInvalidRange, "invalid range")

	// Unmapped is returned when an address or range has no mapping.
	Unmapped = errors.New(kindUnmapped, "unmapped")

	// MalformedImage is returned for program images that fail validation.
	MalformedImage = errors.New(kindMalformedImage, "malformed image")

	// FaultFatal marks a fault that ends the faulting task.
	FaultFatal = errors.New(kindFaultFatal, "fatal fault")

	// ConfigurationFault marks a defect in the kernel's own setup. It halts
	// the system.
	ConfigurationFault = errors.New(kindConfigurationFault, "configuration fault")

	// DoubleFree is returned when a block that is already free is freed.
	DoubleFree = errors.New(kindDoubleFree, "double free")

	// InvalidTransition is returned for a task state change that the
	// lifecycle does not allow.
	InvalidTransition = errors.New(kindInvalidTransition, "invalid state transition")
)

var all = []*errors.Error{
	OutOfMemory,
	AlreadyMapped,
	InvalidRange,
	Unmapped,
	MalformedImage,
	FaultFatal,
	ConfigurationFault,
	DoubleFree,
	InvalidTransition,
}

// Equals reports whether err is, or wraps, an error of the same kind as
// target.
func Equals(target *errors.Error, err error) bool {
	if err == nil {
		return target == nil
	}
	return goerrors.Is(err, target)
}

// KindOf returns the kernel error that err wraps, or nil if err does not
// wrap one.
func KindOf(err error) *errors.Error {
	var e *errors.Error
	if !goerrors.As(err, &e) {
		return nil
	}
	for _, k := range all {
		if k.Kind() == e.Kind() {
			return k
		}
	}
	return nil
}
