// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stallprof

import "time"

// Reporter is the interface that stallprof clients implement to receive the
// blockage intervals of a session.
type Reporter interface {
	// ReportIntervals reports the intervals captured in the current session.
	// It is called from the flush loop and once more from Close with
	// meta.Termination set. Either slice may be nil, never both.
	ReportIntervals(intervals []Interval, native []NativeInterval, meta ReportMeta) error
}

// ReportMeta describes the session a report belongs to.
type ReportMeta struct {
	// SessionID identifies the session the intervals were captured in.
	SessionID string
	// Timestamp is the time the report was assembled.
	Timestamp time.Time
	// Termination is set for the final report at teardown.
	Termination bool
	// Executable describes the running binary.
	Executable ExecutableInfo
}
