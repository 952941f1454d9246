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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type reportCall struct {
	intervals []Interval
	native    []NativeInterval
	meta      ReportMeta
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []reportCall
	err   error
	// during runs once inside the next ReportIntervals call.
	during func()
}

func (r *recordingReporter) ReportIntervals(intervals []Interval, native []NativeInterval, meta ReportMeta) error {
	r.mu.Lock()
	during := r.during
	r.during = nil
	r.calls = append(r.calls, reportCall{intervals: intervals, native: native, meta: meta})
	err := r.err
	r.mu.Unlock()
	if during != nil {
		during()
	}
	return err
}

func (r *recordingReporter) Calls() []reportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportCall(nil), r.calls...)
}

func resetSingleton() {
	setupMutex.Lock()
	globalState = nil
	isInitialized = false
	setupMutex.Unlock()
}

// quietConfig never detects a blockage on its own.
func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.BlockedThreshold = time.Hour
	cfg.ReportInterval = 0
	return &cfg
}

func TestSingletonSetup(t *testing.T) {
	t.Run("GetStateBeforeSetup", func(t *testing.T) {
		resetSingleton()

		_, err := GetState()
		require.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("SingleSetup", func(t *testing.T) {
		resetSingleton()

		state, err := Setup(context.Background(), quietConfig(), nil)
		require.NoError(t, err)
		require.NotNil(t, state)

		retrievedState, err := GetState()
		require.NoError(t, err)
		require.Equal(t, state, retrievedState)

		require.NoError(t, state.Close())
		require.NoError(t, state.Close())

		_, err = GetState()
		require.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("DoubleSetup", func(t *testing.T) {
		resetSingleton()

		state1, err := Setup(context.Background(), quietConfig(), nil)
		require.NoError(t, err)

		_, err = Setup(context.Background(), quietConfig(), &recordingReporter{})
		require.ErrorIs(t, err, ErrAlreadyInitialized)

		require.NoError(t, state1.Close())

		// Setup works again after Close.
		state2, err := Setup(context.Background(), nil, nil)
		require.NoError(t, err)
		require.NoError(t, state2.Close())
	})
}

func TestStateFlush(t *testing.T) {
	rep := &recordingReporter{}
	s := newState(*quietConfig(), rep)
	s.sampler.SetSource(&fakeSource{stacks: distinctStacks(3)})

	require.NoError(t, s.Flush())
	require.Empty(t, rep.Calls())

	s.sampler.HandleEvent(Event{Type: EventBlocked, Time: at(0)})
	s.sampler.HandleEvent(Event{Type: EventBlockedInterval, Time: at(100)})
	s.sampler.HandleEvent(Event{Type: EventUnblocked, Time: at(200)})

	require.NoError(t, s.Flush())
	calls := rep.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].intervals, 1)
	require.Nil(t, calls[0].native)
	require.False(t, calls[0].meta.Termination)
	require.Equal(t, s.store.SessionID(), calls[0].meta.SessionID)

	rep.err = errors.New("collector down")
	err := s.Flush()
	require.Error(t, err)
	require.ErrorIs(t, err, rep.err)
}

func TestStateFlushLoopRotatesSession(t *testing.T) {
	resetSingleton()
	rep := &recordingReporter{}
	cfg := quietConfig()
	cfg.ReportInterval = 10 * time.Millisecond

	state, err := Setup(context.Background(), cfg, rep)
	require.NoError(t, err)
	defer state.Close()
	state.Sampler().SetSource(&fakeSource{stacks: distinctStacks(3)})
	session := state.Store().SessionID()

	state.Sampler().HandleEvent(Event{Type: EventBlocked, Time: at(0)})
	state.Sampler().HandleEvent(Event{Type: EventBlockedInterval, Time: at(100)})
	state.Sampler().HandleEvent(Event{Type: EventUnblocked, Time: at(200)})

	require.Eventually(t, func() bool {
		return len(rep.Calls()) > 0 && state.Store().Len() == 0
	}, waitFor, tick)

	calls := rep.Calls()
	require.Equal(t, session, calls[0].meta.SessionID)
	require.NotEqual(t, session, state.Store().SessionID())
}

func TestStateFlushKeepsIntervalsClosedDuringReport(t *testing.T) {
	rep := &recordingReporter{}
	s := newState(*quietConfig(), rep)
	s.sampler.SetSource(&fakeSource{stacks: distinctStacks(3)})

	s.sampler.HandleEvent(Event{Type: EventBlocked, Time: at(0)})
	s.sampler.HandleEvent(Event{Type: EventBlockedInterval, Time: at(100)})
	s.sampler.HandleEvent(Event{Type: EventUnblocked, Time: at(200)})

	// A whole blockage starts and ends while the first report is sent.
	rep.during = func() {
		s.sampler.HandleEvent(Event{Type: EventBlocked, Time: at(1000)})
		s.sampler.HandleEvent(Event{Type: EventBlockedInterval, Time: at(1100)})
		s.sampler.HandleEvent(Event{Type: EventUnblocked, Time: at(3000)})
	}
	session := s.store.SessionID()
	require.NoError(t, s.flushAndRotate())
	require.NotEqual(t, session, s.store.SessionID())

	stored := s.store.All()
	require.Len(t, stored, 1)
	require.True(t, stored[0].Start.Equal(at(1000)))

	require.NoError(t, s.flushAndRotate())
	calls := rep.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].intervals, 1)
	require.True(t, calls[0].intervals[0].Start.Equal(at(0)))
	require.Len(t, calls[1].intervals, 1)
	require.True(t, calls[1].intervals[0].Start.Equal(at(1000)))
	require.True(t, calls[1].intervals[0].End.Equal(at(3000)))
	require.Zero(t, s.store.Len())
}

func TestStateFlushErrorKeepsSession(t *testing.T) {
	rep := &recordingReporter{err: errors.New("collector down")}
	s := newState(*quietConfig(), rep)
	s.sampler.SetSource(&fakeSource{stacks: distinctStacks(3)})

	s.sampler.HandleEvent(Event{Type: EventBlocked, Time: at(0)})
	s.sampler.HandleEvent(Event{Type: EventBlockedInterval, Time: at(100)})
	s.sampler.HandleEvent(Event{Type: EventUnblocked, Time: at(200)})

	session := s.store.SessionID()
	require.Error(t, s.flushAndRotate())
	require.Equal(t, session, s.store.SessionID())
	require.Equal(t, 1, s.store.Len())
}

func TestStateHandleCrash(t *testing.T) {
	rep := &recordingReporter{}
	s := newState(*quietConfig(), rep)
	s.sampler.SetSource(&fakeSource{stacks: distinctStacks(3)})

	s.sampler.HandleEvent(Event{Type: EventBlocked, Time: at(0)})
	s.sampler.HandleEvent(Event{Type: EventBlockedInterval, Time: at(100)})
	s.HandleCrash()
	s.HandleCrash()

	stored := s.Store().All()
	require.Len(t, stored, 1)
	require.True(t, stored[0].Open())
	require.False(t, stored[0].LastKnown.IsZero())
	require.Empty(t, rep.Calls())

	_, err := s.flush(true)
	require.NoError(t, err)
	calls := rep.Calls()
	require.Len(t, calls, 1)
	require.True(t, calls[0].meta.Termination)
	require.Len(t, calls[0].intervals, 1)
}

//go:noinline
func parkInLoop(ch chan struct{}) {
	<-ch
}

func TestLoopSource(t *testing.T) {
	loop := NewLoop(4)
	label := LabelSource{Key: DefaultLabelKey, Value: DefaultLabelValue}
	src := &loopSource{loop: loop, label: label}

	_, err := src.Stack(context.Background(), 0)
	require.ErrorIs(t, err, ErrGoroutineNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()
	release := make(chan struct{})
	defer close(release)
	require.True(t, loop.Post(func() { parkInLoop(release) }))

	parked := func(s StackSource) bool {
		frames, err := s.Stack(ctx, 0)
		if err != nil {
			return false
		}
		for _, f := range frames {
			if strings.HasSuffix(f.Function, ".parkInLoop") {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return parked(src) }, waitFor, tick)

	// A dump that outgrows its buffer is served from the goroutine profile.
	small := &loopSource{loop: loop, label: label, maxDumpBytes: 16}
	require.Eventually(t, func() bool { return parked(small) }, waitFor, tick)
}

//go:noinline
func stallFor(d time.Duration) {
	time.Sleep(d)
}

func TestMonitorEndToEnd(t *testing.T) {
	resetSingleton()
	rep := &recordingReporter{}
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.BlockedThreshold = 50 * time.Millisecond
	cfg.SampleInterval = 10 * time.Millisecond
	cfg.MaxSamplesPerInterval = 5
	cfg.ReportInterval = 0

	state, err := Setup(context.Background(), &cfg, rep)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = state.Loop().Run(ctx)
	}()

	require.True(t, state.Loop().Post(func() { stallFor(300 * time.Millisecond) }))

	require.Eventually(t, func() bool {
		for _, iv := range state.Store().All() {
			if !iv.Open() && iv.HasSamples() {
				return true
			}
		}
		return false
	}, waitFor, tick)

	var found bool
	for _, iv := range state.Store().All() {
		for _, smpl := range iv.Samples {
			for _, f := range smpl.Stack {
				if strings.HasSuffix(f.Function, ".stallFor") {
					found = true
				}
			}
		}
	}
	require.True(t, found, "no sample caught the stalled function")

	cancel()
	<-loopDone
	require.NoError(t, state.Close())
	require.Zero(t, state.Store().Len())

	calls := rep.Calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	require.True(t, last.meta.Termination)
	require.NotEmpty(t, last.intervals)
}
