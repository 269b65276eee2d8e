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

// Package faultlog records the faults and exceptions handled by the kernel.
//
// A Record is emitted to a Sink for every trap that is not a timer or device
// interrupt. Sinks must not block: they are called from the trap path with
// interrupts masked.
package faultlog

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"qkernel.dev/qkernel/pkg/atomicbitops"
	"qkernel.dev/qkernel/pkg/hostarch"
	"qkernel.dev/qkernel/pkg/ring0"
	"qkernel.dev/qkernel/pkg/sync"
)

// Verdict is the consequence of a fault.
type Verdict int

const (
	// Recoverable faults were resolved and the task resumed.
	Recoverable Verdict = iota

	// TaskFatal faults terminated the faulting task.
	TaskFatal

	// SystemFatal faults halted the system.
	SystemFatal
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Recoverable:
		return "recoverable"
	case TaskFatal:
		return "task-fatal"
	case SystemFatal:
		return "system-fatal"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Record describes one handled fault.
type Record struct {
	// Time is when the fault was handled.
	Time time.Time

	// Vector is the trap vector.
	Vector ring0.Vector

	// Addr is the faulting address of a page fault.
	Addr hostarch.Addr

	// ErrorCode is the hardware error code.
	ErrorCode uint64

	// IP is the faulting instruction pointer.
	IP uint64

	// TaskID is the faulting task, or zero if there was none.
	TaskID uint64

	// Task is the name of the faulting task.
	Task string

	// Verdict is the consequence of the fault.
	Verdict Verdict

	// Reason explains the verdict.
	Reason string
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return fmt.Sprintf("%v task %d (%s) addr=%v err=%#x ip=%#x: %v: %s", r.Vector, r.TaskID, r.Task, r.Addr, r.ErrorCode, r.IP, r.Verdict, r.Reason)
}

// Sink consumes fault records.
type Sink interface {
	// Emit records r. It must not block.
	Emit(r Record)
}

// Ring keeps the most recent records in memory.
type Ring struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool
	total   atomicbitops.Uint64
}

// NewRing returns a Ring holding up to size records.
func NewRing(size int) *Ring {
	if size <= 0 {
		panic(fmt.Sprintf("ring size %d must be positive", size))
	}
	return &Ring{records: make([]Record, size)}
}

// Emit implements Sink.Emit.
func (r *Ring) Emit(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
	r.total.Add(1)
}

// Records returns the retained records, oldest first.
func (r *Ring) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Record(nil), r.records[:r.next]...)
	}
	out := make([]Record, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	return append(out, r.records[:r.next]...)
}

// Total returns the number of records ever emitted to r.
func (r *Ring) Total() uint64 {
	return r.total.Load()
}

// Multi emits every record to each of its sinks.
type Multi []Sink

// Emit implements Sink.Emit.
func (m Multi) Emit(r Record) {
	for _, s := range m {
		s.Emit(r)
	}
}

// RateLimited forwards records to a Sink at a bounded rate. Records over the
// limit are counted and dropped, except SystemFatal records which are
// always forwarded.
type RateLimited struct {
	sink    Sink
	limit   *rate.Limiter
	dropped atomicbitops.Uint64
}

// NewRateLimited returns a RateLimited sink that forwards at most one record
// every interval, with bursts of up to burst records.
func NewRateLimited(sink Sink, every time.Duration, burst int) *RateLimited {
	return &RateLimited{
		sink:  sink,
		limit: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Emit implements Sink.Emit.
func (r *RateLimited) Emit(rec Record) {
	if rec.Verdict != SystemFatal && !r.limit.AllowN(rec.Time, 1) {
		r.dropped.Add(1)
		return
	}
	r.sink.Emit(rec)
}

// Dropped returns the number of records dropped.
func (r *RateLimited) Dropped() uint64 {
	return r.dropped.Load()
}

// Discard drops every record.
type Discard struct{}

// Emit implements Sink.Emit.
func (Discard) Emit(Record) {}
