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
	"context"
	"fmt"
	"runtime/pprof"

	"github.com/google/pprof/profile"
)

const (
	DefaultLabelKey   = "stallprof"
	DefaultLabelValue = "monitored"
)

// LabelMonitored tags the calling goroutine with a pprof label so that a
// LabelSource can find it. Goroutines it starts inherit the label.
func LabelMonitored(ctx context.Context, key, value string) context.Context {
	ctx = pprof.WithLabels(ctx, pprof.Labels(key, value))
	pprof.SetGoroutineLabels(ctx)
	return ctx
}

// LabelSource finds the target goroutine in the goroutine profile by its
// pprof label. Unlike GoroutineSource it keeps working across goroutine
// restarts, at the cost of a profile encode and decode per capture.
type LabelSource struct {
	Key   string
	Value string
}

func (s LabelSource) Stack(ctx context.Context, maxFrames int) ([]Frame, error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("writing goroutine profile: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parsing goroutine profile: %w", err)
	}
	for _, smpl := range prof.Sample {
		if !hasLabel(smpl.Label[s.Key], s.Value) {
			continue
		}
		return locationsToFrames(smpl.Location, maxFrames), nil
	}
	return nil, fmt.Errorf("label %s=%s: %w", s.Key, s.Value, ErrGoroutineNotFound)
}

func hasLabel(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// locationsToFrames flattens pprof locations into frames. Inlined functions
// come first within a location, matching the leaf-first order.
func locationsToFrames(locs []*profile.Location, maxFrames int) []Frame {
	frames := make([]Frame, 0, len(locs))
	for _, loc := range locs {
		for _, line := range loc.Line {
			f := Frame{Line: int(line.Line)}
			if line.Function != nil {
				f.Function = line.Function.Name
				f.File = line.Function.Filename
			}
			frames = append(frames, f)
			if maxFrames > 0 && len(frames) == maxFrames {
				return frames
			}
		}
	}
	return frames
}
