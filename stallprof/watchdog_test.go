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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualPoster queues posted work until the test runs it.
type manualPoster struct {
	mu     sync.Mutex
	queue  []func()
	reject bool
}

func (p *manualPoster) Post(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false
	}
	p.queue = append(p.queue, fn)
	return true
}

func (p *manualPoster) drain() {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type panicListener struct{}

func (panicListener) HandleEvent(Event) { panic("listener bug") }

func watchdogConfig() Config {
	return Config{
		HeartbeatInterval: 100 * time.Millisecond,
		BlockedThreshold:  time.Second,
		SampleInterval:    100 * time.Millisecond,
	}
}

func TestWatchdogEventSequence(t *testing.T) {
	poster := &manualPoster{}
	rec := &eventRecorder{}
	clock := &fakeClock{t: at(0)}
	w := NewWatchdog(poster, watchdogConfig(), panicListener{}, rec)
	w.now = clock.Now

	w.check(at(0))
	clock.Set(at(50))
	poster.drain()
	require.Empty(t, rec.Events())

	// Heartbeat posted at 100 is never processed.
	w.check(at(100))
	w.check(at(600))
	w.check(at(1099))
	require.Empty(t, rec.Events())

	w.check(at(1100))
	w.check(at(1150))
	w.check(at(1200))
	w.check(at(1300))

	clock.Set(at(1350))
	poster.drain()
	w.check(at(1400))
	w.check(at(1500))

	require.Equal(t, []Event{
		{Type: EventBlocked, Time: at(1100)},
		{Type: EventBlockedInterval, Time: at(1200)},
		{Type: EventBlockedInterval, Time: at(1300)},
		{Type: EventUnblocked, Time: at(1350)},
	}, rec.Events())
}

func TestWatchdogFullQueueCountsAsBlocked(t *testing.T) {
	poster := &manualPoster{reject: true}
	rec := &eventRecorder{}
	w := NewWatchdog(poster, watchdogConfig())
	w.AddListener(rec)

	w.check(at(0))
	w.check(at(1000))
	require.Equal(t, []Event{{Type: EventBlocked, Time: at(1000)}}, rec.Events())

	// The heartbeat is posted once the queue has room again.
	poster.mu.Lock()
	poster.reject = false
	poster.mu.Unlock()
	w.check(at(1050))
	w.now = func() time.Time { return at(1080) }
	poster.drain()
	w.check(at(1100))
	require.Equal(t, []Event{
		{Type: EventBlocked, Time: at(1000)},
		{Type: EventUnblocked, Time: at(1080)},
	}, rec.Events())
}

func TestLoopPost(t *testing.T) {
	loop := NewLoop(1)
	require.True(t, loop.Post(func() {}))
	require.False(t, loop.Post(func() {}))
	require.Zero(t, loop.GoroutineID())
}

func TestLoopRun(t *testing.T) {
	loop := NewLoop(4)
	started := make(chan int64, 1)
	loop.OnStart(func() { started <- CurrentGoroutineID() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	gid := <-started
	require.Equal(t, gid, loop.GoroutineID())

	ran := make(chan int64, 1)
	require.True(t, loop.Post(func() { ran <- CurrentGoroutineID() }))
	require.Equal(t, gid, <-ran)

	require.ErrorIs(t, loop.Run(ctx), ErrLoopRunning)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchdogDetectsStalledLoop(t *testing.T) {
	loop := NewLoop(16)
	rec := &eventRecorder{}
	w := NewWatchdog(loop, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		BlockedThreshold:  50 * time.Millisecond,
		SampleInterval:    10 * time.Millisecond,
	}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()
	go func() { _ = w.Run(ctx) }()

	require.True(t, loop.Post(func() { time.Sleep(300 * time.Millisecond) }))

	require.Eventually(t, func() bool {
		events := rec.Events()
		return len(events) > 0 && events[len(events)-1].Type == EventUnblocked
	}, waitFor, tick)

	events := rec.Events()
	require.Equal(t, EventBlocked, events[0].Type)
	intervals := 0
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, EventBlockedInterval, ev.Type)
		intervals++
	}
	require.Positive(t, intervals)
	require.True(t, events[len(events)-1].Time.After(events[0].Time))
}
