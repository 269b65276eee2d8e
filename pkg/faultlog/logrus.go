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

package faultlog

import (
	"github.com/sirupsen/logrus"
)

// Logrus writes records as structured logrus entries.
type Logrus struct {
	logger logrus.FieldLogger
}

// NewLogrus returns a sink writing to logger.
func NewLogrus(logger logrus.FieldLogger) *Logrus {
	return &Logrus{logger: logger}
}

// Emit implements Sink.Emit.
func (l *Logrus) Emit(r Record) {
	entry := l.logger.WithFields(logrus.Fields{
		"vector":     r.Vector.String(),
		"addr":       r.Addr.String(),
		"error_code": r.ErrorCode,
		"ip":         r.IP,
		"task_id":    r.TaskID,
		"task":       r.Task,
		"verdict":    r.Verdict.String(),
	})
	switch r.Verdict {
	case Recoverable:
		entry.Debug(r.Reason)
	case TaskFatal:
		entry.Warn(r.Reason)
	default:
		entry.Error(r.Reason)
	}
}
