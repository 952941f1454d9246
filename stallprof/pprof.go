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
	"time"

	"github.com/google/pprof/profile"
)

type functionKey struct {
	name string
	file string
}

// profileBuilder dedupes locations and functions across samples.
type profileBuilder struct {
	prof        *profile.Profile
	locationMap map[Frame]*profile.Location
	functionMap map[functionKey]*profile.Function
}

func newProfileBuilder() *profileBuilder {
	return &profileBuilder{
		prof: &profile.Profile{
			DefaultSampleType: "blocked",
			SampleType: []*profile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "blocked", Unit: "nanoseconds"},
			},
			PeriodType: &profile.ValueType{Type: "blocked", Unit: "nanoseconds"},
		},
		locationMap: make(map[Frame]*profile.Location),
		functionMap: make(map[functionKey]*profile.Function),
	}
}

func (b *profileBuilder) location(f Frame) *profile.Location {
	if loc, ok := b.locationMap[f]; ok {
		return loc
	}
	key := functionKey{name: f.Function, file: f.File}
	fn, ok := b.functionMap[key]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.prof.Function) + 1),
			Name:       f.Function,
			SystemName: f.Function,
			Filename:   f.File,
		}
		b.functionMap[key] = fn
		b.prof.Function = append(b.prof.Function, fn)
	}
	loc := &profile.Location{
		ID:   uint64(len(b.prof.Location) + 1),
		Line: []profile.Line{{Function: fn, Line: int64(f.Line)}},
	}
	b.locationMap[f] = loc
	b.prof.Location = append(b.prof.Location, loc)
	return loc
}

// IntervalsToProfile converts the managed samples of intervals into a pprof
// profile. Each stored stack becomes one sample; duplicates are folded into
// the sample of the stack they repeat. The blocked value of a sample is the
// time since the previous sample of its interval, or since the interval
// start for the first one. Limit markers and failed captures carry no stack
// and are left out.
func IntervalsToProfile(intervals []Interval) *profile.Profile {
	b := newProfileBuilder()
	var first, last time.Time

	for i, iv := range intervals {
		if first.IsZero() || iv.Start.Before(first) {
			first = iv.Start
		}
		end := iv.End
		if end.IsZero() {
			end = iv.LastKnown
		}
		if end.After(last) {
			last = end
		}
		if !iv.HasSamples() {
			continue
		}

		prevTime := iv.Start
		var current *profile.Sample
		for _, smpl := range iv.Samples {
			blocked := smpl.Timestamp.Sub(prevTime)
			if blocked < 0 {
				blocked = 0
			}
			prevTime = smpl.Timestamp

			switch {
			case smpl.Stack != nil:
				locs := make([]*profile.Location, 0, len(smpl.Stack))
				for _, f := range smpl.Stack {
					locs = append(locs, b.location(f))
				}
				current = &profile.Sample{
					Location: locs,
					Value:    []int64{1, int64(blocked)},
					Label:    map[string][]string{"interval_code": {iv.Code.String()}},
					NumLabel: map[string][]int64{"interval": {int64(i)}},
				}
				b.prof.Sample = append(b.prof.Sample, current)
			case smpl.Duplicate && current != nil:
				current.Value[0]++
				current.Value[1] += int64(blocked)
			}
		}
	}

	if !first.IsZero() {
		b.prof.TimeNanos = first.UnixNano()
		if last.After(first) {
			b.prof.DurationNanos = last.Sub(first).Nanoseconds()
		}
	}
	return b.prof
}
