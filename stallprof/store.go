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
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// IntervalStore keeps the blockage intervals of the current session.
//
// Readers load an immutable slice through an atomic pointer and never block;
// writers serialize on mu and publish a new slice.
type IntervalStore struct {
	mu             sync.Mutex
	intervals      atomic.Pointer[[]Interval]
	session        atomic.Pointer[string]
	maxIntervals   int
	maxWithSamples int
	metrics        *metrics
}

// NewIntervalStore creates an empty store. maxIntervals caps the number of
// stored intervals, maxWithSamples the number that keep their samples;
// values <= 0 mean no limit.
func NewIntervalStore(maxIntervals, maxWithSamples int) *IntervalStore {
	s := &IntervalStore{
		maxIntervals:   maxIntervals,
		maxWithSamples: maxWithSamples,
		metrics:        newMetrics(nil),
	}
	s.intervals.Store(&[]Interval{})
	s.newSession()
	return s
}

func (s *IntervalStore) newSession() {
	id := uuid.NewString()
	s.session.Store(&id)
}

// SessionID identifies the current session.
func (s *IntervalStore) SessionID() string {
	return *s.session.Load()
}

// All returns the stored intervals. The slice must not be modified.
func (s *IntervalStore) All() []Interval {
	return *s.intervals.Load()
}

// Len returns the number of stored intervals.
func (s *IntervalStore) Len() int {
	return len(*s.intervals.Load())
}

// Full reports whether the store has reached its interval cap.
func (s *IntervalStore) Full() bool {
	return s.maxIntervals > 0 && s.Len() >= s.maxIntervals
}

// Record appends iv unless the store is full, then applies the eviction
// policy. It reports whether iv was kept.
func (s *IntervalStore) Record(iv Interval) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.intervals.Load()
	if s.maxIntervals > 0 && len(cur) >= s.maxIntervals {
		return false
	}
	next := make([]Interval, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, iv)
	s.evictLocked(next)
	s.intervals.Store(&next)
	return true
}

// evictLocked clears samples of the shortest sample-carrying intervals until
// at most maxWithSamples remain. It modifies next in place, which is safe as
// next has not been published yet.
func (s *IntervalStore) evictLocked(next []Interval) {
	if s.maxWithSamples <= 0 {
		return
	}
	for countWithSamples(next) > s.maxWithSamples {
		victim := shortestWithSamples(next)
		if victim < 0 {
			return
		}
		log.WithFields(log.Fields{
			"start":    next[victim].Start,
			"duration": next[victim].Duration(),
		}).Debug("evicting samples of shortest interval")
		next[victim] = next[victim].clearSamples()
		s.metrics.evicted.Add(context.Background(), 1)
	}
}

func countWithSamples(intervals []Interval) int {
	n := 0
	for _, iv := range intervals {
		if iv.HasSamples() {
			n++
		}
	}
	return n
}

// shortestWithSamples returns the index of the sample-carrying interval with
// the smallest duration, the earliest on ties, or -1.
func shortestWithSamples(intervals []Interval) int {
	victim := -1
	for i, iv := range intervals {
		if !iv.HasSamples() {
			continue
		}
		if victim < 0 || iv.Duration() < intervals[victim].Duration() {
			victim = i
		}
	}
	return victim
}

// OnSessionBoundary drops the intervals that have closed and keeps the open
// ones for the next session.
func (s *IntervalStore) OnSessionBoundary() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.intervals.Load()
	next := make([]Interval, 0, len(cur))
	for _, iv := range cur {
		if iv.Open() {
			next = append(next, iv)
		}
	}
	s.intervals.Store(&next)
	s.newSession()
}

// PruneReported starts a new session like OnSessionBoundary, but drops only
// the closed intervals that are part of reported. Intervals that closed after
// the report was taken carry over with the open ones.
func (s *IntervalStore) PruneReported(reported []Interval) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.intervals.Load()
	next := make([]Interval, 0, len(cur))
	for _, iv := range cur {
		if iv.Open() || !containsClosed(reported, iv) {
			next = append(next, iv)
		}
	}
	s.intervals.Store(&next)
	s.newSession()
}

func containsClosed(intervals []Interval, iv Interval) bool {
	for _, r := range intervals {
		if !r.Open() && r.Start.Equal(iv.Start) && r.End.Equal(iv.End) {
			return true
		}
	}
	return false
}

// Clear empties the store.
func (s *IntervalStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals.Store(&[]Interval{})
}
