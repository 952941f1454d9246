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
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
)

// Snapshotter takes bounded stack snapshots of one target goroutine.
type Snapshotter struct {
	source    StackSource
	maxFrames int
	budget    time.Duration
	now       func() time.Time
}

// NewSnapshotter binds a snapshotter to source. maxFrames and budget <= 0
// mean no limit.
func NewSnapshotter(source StackSource, maxFrames int, budget time.Duration) *Snapshotter {
	return &Snapshotter{
		source:    source,
		maxFrames: maxFrames,
		budget:    budget,
		now:       time.Now,
	}
}

// Capture takes one snapshot. It never panics: failures produce a sample
// without a stack and SampleCodeCaptureFailed.
func (s *Snapshotter) Capture() (smpl Sample) {
	start := time.Now()
	smpl.Timestamp = s.now()
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Debug("stack capture panicked")
			smpl.Stack = nil
			smpl.Code = SampleCodeCaptureFailed
		}
		smpl.Overhead = time.Since(start)
	}()

	if s.source == nil {
		smpl.Code = SampleCodeCaptureFailed
		return smpl
	}

	ctx := context.Background()
	if s.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.budget)
		defer cancel()
	}

	frames, err := s.source.Stack(ctx, s.maxFrames)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("capture exceeded budget of %v: %w", s.budget, ctx.Err())
	}
	if err != nil {
		log.WithError(err).Debug("stack capture failed")
		smpl.Code = SampleCodeCaptureFailed
		return smpl
	}
	if frames == nil {
		frames = []Frame{}
	}
	smpl.Stack = truncateFrames(frames, s.maxFrames)
	return smpl
}

// fingerprint hashes a frame list for cheap equality checks and cache keys.
func fingerprint(frames []Frame) uint64 {
	h := xxh3.New()
	var line [20]byte
	for _, f := range frames {
		_, _ = h.WriteString(f.Function)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(f.File)
		_, _ = h.Write(strconv.AppendInt(line[:0], int64(f.Line), 10))
		_, _ = h.Write([]byte{'\n'})
	}
	return h.Sum64()
}

func sameFrames(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
