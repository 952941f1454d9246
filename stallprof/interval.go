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

import (
	"fmt"
	"time"
)

// IntervalCode describes the state of an interval's sample payload.
type IntervalCode int

const (
	IntervalCodeDefault IntervalCode = iota
	// IntervalCodeSamplesCleared marks an interval whose samples were evicted.
	// It is terminal for the interval.
	IntervalCodeSamplesCleared
)

func (c IntervalCode) String() string {
	switch c {
	case IntervalCodeDefault:
		return "default"
	case IntervalCodeSamplesCleared:
		return "samples_cleared"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// SampleCode describes why a sample does or does not carry a stack.
type SampleCode int

const (
	SampleCodeDefault SampleCode = iota
	// SampleCodeLimitReached is recorded for every tick past the per-interval cap.
	SampleCodeLimitReached
	// SampleCodeCaptureFailed is recorded when a snapshot attempt failed or ran
	// over its budget.
	SampleCodeCaptureFailed
)

func (c SampleCode) String() string {
	switch c {
	case SampleCodeDefault:
		return "default"
	case SampleCodeLimitReached:
		return "sample_limit_reached"
	case SampleCodeCaptureFailed:
		return "capture_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Frame is a single frame of a goroutine stack, leaf first.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line)
}

// Sample is one stack snapshot taken while the monitored goroutine was blocked.
type Sample struct {
	Timestamp time.Time
	// Overhead is how long taking the sample took.
	Overhead time.Duration
	// Stack is nil when the snapshot was omitted: a duplicate of the previous
	// snapshot, a limit marker, or a failed capture.
	Stack     []Frame
	Duplicate bool
	Code      SampleCode
}

// Interval is one continuous blockage of the monitored goroutine.
//
// Interval values are never modified once they have been handed to another
// goroutine; changes produce a new value.
type Interval struct {
	Start time.Time
	// LastKnown is set on snapshots of an interval that is still open.
	LastKnown time.Time
	// End is zero while the interval is open.
	End     time.Time
	Samples []Sample
	Code    IntervalCode
}

// Open reports whether the interval has no end time yet.
func (iv Interval) Open() bool {
	return iv.End.IsZero()
}

// Duration is End-Start, or LastKnown-Start for open intervals.
func (iv Interval) Duration() time.Duration {
	switch {
	case !iv.End.IsZero():
		return iv.End.Sub(iv.Start)
	case !iv.LastKnown.IsZero():
		return iv.LastKnown.Sub(iv.Start)
	default:
		return 0
	}
}

// HasSamples reports whether the interval still carries a sample payload.
func (iv Interval) HasSamples() bool {
	return iv.Code != IntervalCodeSamplesCleared && len(iv.Samples) > 0
}

// clearSamples returns a copy of iv with its samples evicted.
func (iv Interval) clearSamples() Interval {
	iv.Samples = nil
	iv.Code = IntervalCodeSamplesCleared
	return iv
}

func anyHasSamples(intervals []Interval) bool {
	for _, iv := range intervals {
		if iv.HasSamples() {
			return true
		}
	}
	return false
}
