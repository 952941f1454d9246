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
	"bytes"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"
)

func TestIntervalsToProfile(t *testing.T) {
	lock := stackOf("sync.(*Mutex).Lock", "main.handler", "main.main")
	sleep := stackOf("time.Sleep", "main.handler", "main.main")

	intervals := []Interval{
		{
			Start: at(0),
			End:   at(1000),
			Samples: []Sample{
				{Timestamp: at(100), Stack: lock},
				{Timestamp: at(200), Duplicate: true},
				{Timestamp: at(300), Duplicate: true},
				{Timestamp: at(400), Stack: sleep},
				{Timestamp: at(500), Code: SampleCodeLimitReached},
			},
		},
		// Evicted intervals contribute no samples.
		{Start: at(2000), End: at(2500), Code: IntervalCodeSamplesCleared},
		{
			Start:     at(3000),
			LastKnown: at(3400),
			Samples: []Sample{
				{Timestamp: at(3050), Code: SampleCodeCaptureFailed},
				{Timestamp: at(3100), Stack: lock},
			},
		},
	}

	prof := IntervalsToProfile(intervals)
	require.NoError(t, prof.CheckValid())
	require.Equal(t, "blocked", prof.DefaultSampleType)
	require.Equal(t, at(0).UnixNano(), prof.TimeNanos)
	require.Equal(t, (3400 * time.Millisecond).Nanoseconds(), prof.DurationNanos)

	require.Len(t, prof.Sample, 3)
	require.Equal(t, []int64{3, (300 * time.Millisecond).Nanoseconds()}, prof.Sample[0].Value)
	require.Equal(t, []int64{1, (100 * time.Millisecond).Nanoseconds()}, prof.Sample[1].Value)
	require.Equal(t, []int64{1, (50 * time.Millisecond).Nanoseconds()}, prof.Sample[2].Value)
	require.Equal(t, []int64{2}, prof.Sample[2].NumLabel["interval"])

	// Shared frames share locations and functions.
	require.Len(t, prof.Location, 4)
	require.Len(t, prof.Function, 4)
	require.Same(t, prof.Sample[0].Location[0], prof.Sample[2].Location[0])
	require.Equal(t, "sync.(*Mutex).Lock", prof.Sample[0].Location[0].Line[0].Function.Name)

	var buf bytes.Buffer
	require.NoError(t, prof.Write(&buf))
	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Sample, 3)
}

func TestIntervalsToProfileEmpty(t *testing.T) {
	prof := IntervalsToProfile(nil)
	require.NoError(t, prof.CheckValid())
	require.Empty(t, prof.Sample)
	require.Zero(t, prof.TimeNanos)
}
