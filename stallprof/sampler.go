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
	"time"

	log "github.com/sirupsen/logrus"
)

// Sampler turns blockage events into intervals of stack samples of the
// monitored goroutine.
//
// HandleEvent calls are serialized. Intervals, InFlight and
// CapturedIntervals never wait for them.
type Sampler struct {
	store      *IntervalStore
	maxSamples int
	maxFrames  int
	budget     time.Duration
	now        func() time.Time
	metrics    *metrics

	mu      sync.Mutex
	source  StackSource
	blocked bool
	snap    *Snapshotter
	start   time.Time
	buf     []Sample
	// taken counts the samples of the open interval that are not limit
	// markers.
	taken    int
	last     []Frame
	lastHash uint64

	inFlight atomic.Pointer[Interval]
	crashed  atomic.Bool
}

// NewSampler creates a sampler that records finished intervals into store.
// source may be nil until SetSource is called.
func NewSampler(store *IntervalStore, source StackSource, cfg Config) *Sampler {
	return &Sampler{
		store:      store,
		source:     source,
		maxSamples: cfg.MaxSamplesPerInterval,
		maxFrames:  cfg.MaxFrames,
		budget:     cfg.CaptureBudget,
		now:        time.Now,
		metrics:    newMetrics(cfg.MeterProvider),
	}
}

// SetSource changes the target for the next blockage.
func (s *Sampler) SetSource(source StackSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// Blocked reports whether an interval is open.
func (s *Sampler) Blocked() bool {
	return s.inFlight.Load() != nil
}

// HandleEvent implements Listener.
func (s *Sampler) HandleEvent(ev Event) {
	if s.crashed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case EventBlocked:
		s.onBlocked(ev.Time)
	case EventBlockedInterval:
		s.onBlockedInterval(ev.Time)
	case EventUnblocked:
		s.onUnblocked(ev.Time)
	}
}

func (s *Sampler) onBlocked(t time.Time) {
	if s.blocked {
		return
	}
	s.blocked = true
	s.snap = NewSnapshotter(s.source, s.maxFrames, s.budget)
	s.snap.now = s.now
	s.start = t
	s.buf = nil
	s.taken = 0
	s.last = nil
	s.lastHash = 0
	s.inFlight.Store(&Interval{Start: t})
	log.WithField("start", t).Debug("monitored goroutine blocked")
}

func (s *Sampler) onBlockedInterval(t time.Time) {
	if !s.blocked {
		return
	}
	var smpl Sample
	if s.maxSamples > 0 && s.taken >= s.maxSamples {
		smpl = Sample{Timestamp: t, Code: SampleCodeLimitReached}
	} else {
		smpl = s.snap.Capture()
		s.taken++
		s.dedupe(&smpl)
	}
	s.buf = append(s.buf, smpl)
	s.metrics.recordSample(smpl)

	// Readers only ever see buf[:n], appends past n do not touch it.
	n := len(s.buf)
	s.inFlight.Store(&Interval{Start: s.start, Samples: s.buf[:n:n]})
}

// dedupe replaces a stack identical to the last stored one with a marker.
func (s *Sampler) dedupe(smpl *Sample) {
	if smpl.Stack == nil {
		return
	}
	h := fingerprint(smpl.Stack)
	if s.last != nil && h == s.lastHash && sameFrames(smpl.Stack, s.last) {
		smpl.Stack = nil
		smpl.Duplicate = true
		return
	}
	s.last = smpl.Stack
	s.lastHash = h
}

func (s *Sampler) onUnblocked(t time.Time) {
	if !s.blocked {
		return
	}
	n := len(s.buf)
	iv := Interval{Start: s.start, End: t, Samples: s.buf[:n:n]}
	s.blocked = false
	s.snap = nil
	s.buf = nil
	s.last = nil

	if s.store.Full() || !s.store.Record(iv) {
		log.WithFields(log.Fields{
			"start":    iv.Start,
			"duration": iv.Duration(),
		}).Warn("session interval store full, discarding interval")
		s.metrics.discarded.Add(context.Background(), 1)
	} else {
		log.WithFields(log.Fields{
			"start":    iv.Start,
			"duration": iv.Duration(),
			"samples":  n,
		}).Debug("monitored goroutine unblocked")
	}
	// Cleared after recording so a concurrent reader never misses the
	// interval, see Intervals.
	s.inFlight.Store(nil)
}

// InFlight returns a snapshot of the open interval with LastKnown set to
// now. The live interval is not affected.
func (s *Sampler) InFlight() (Interval, bool) {
	p := s.inFlight.Load()
	if p == nil {
		return Interval{}, false
	}
	iv := *p
	iv.LastKnown = s.now()
	return iv, true
}

// Intervals returns the stored intervals followed by a snapshot of the open
// one, if any.
func (s *Sampler) Intervals() []Interval {
	live, ok := s.InFlight()
	stored := s.store.All()
	out := make([]Interval, len(stored), len(stored)+1)
	copy(out, stored)
	if ok && !recordedAt(stored, live.Start) {
		out = append(out, live)
	}
	return out
}

// recordedAt reports whether a closed interval starting at start is stored,
// which happens when an unblock races with the reader.
func recordedAt(stored []Interval, start time.Time) bool {
	for i := len(stored) - 1; i >= 0; i-- {
		if !stored[i].Open() && stored[i].Start.Equal(start) {
			return true
		}
	}
	return false
}

// CapturedIntervals returns all intervals for reporting, or nil when none
// carries samples. The managed sampler has nothing to force-complete, so
// receivedTermination only matters for NativeSampler.
func (s *Sampler) CapturedIntervals(receivedTermination bool) []Interval {
	out := s.Intervals()
	if !anyHasSamples(out) {
		return nil
	}
	return out
}

// handleCrash moves the open interval into the store and stops further
// event handling. It takes no locks held by the event path.
func (s *Sampler) handleCrash() {
	if s.crashed.Swap(true) {
		return
	}
	live, ok := s.InFlight()
	if !ok {
		return
	}
	if !s.store.Record(live) {
		s.metrics.discarded.Add(context.Background(), 1)
	}
	s.inFlight.Store(nil)
}
