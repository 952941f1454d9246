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

// Watchdog posts heartbeats to the monitored loop and turns late
// heartbeats into blockage events.
type Watchdog struct {
	loop           Poster
	heartbeat      time.Duration
	threshold      time.Duration
	sampleInterval time.Duration
	now            func() time.Time

	mu        sync.Mutex
	listeners []Listener

	// Heartbeat state, written by the loop goroutine.
	pending     atomic.Bool
	respondedAt atomic.Int64

	// Watchdog goroutine state.
	postedAt   time.Time
	queued     bool
	blocked    bool
	lastSample time.Time
}

// NewWatchdog creates a watchdog for loop using the cadence fields of cfg.
func NewWatchdog(loop Poster, cfg Config, listeners ...Listener) *Watchdog {
	cfg = cfg.withDefaults()
	return &Watchdog{
		loop:           loop,
		heartbeat:      cfg.HeartbeatInterval,
		threshold:      cfg.BlockedThreshold,
		sampleInterval: cfg.SampleInterval,
		now:            time.Now,
		listeners:      listeners,
	}
}

// AddListener registers l for subsequent events.
func (w *Watchdog) AddListener(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// Run checks the loop until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	period := w.heartbeat
	if w.sampleInterval < period {
		period = w.sampleInterval
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(w.now())
		}
	}
}

// check runs one watchdog step at time now.
func (w *Watchdog) check(now time.Time) {
	if w.pending.Load() && !w.queued {
		w.queued = w.loop.Post(w.beat)
	}
	if !w.pending.Load() {
		if w.blocked {
			w.blocked = false
			w.emit(Event{Type: EventUnblocked, Time: time.Unix(0, w.respondedAt.Load())})
		}
		if now.Sub(w.postedAt) >= w.heartbeat {
			w.post(now)
		}
		return
	}

	if !w.blocked {
		if now.Sub(w.postedAt) >= w.threshold {
			w.blocked = true
			w.lastSample = now
			log.WithField("threshold", w.threshold).Debug("heartbeat late, monitored loop blocked")
			w.emit(Event{Type: EventBlocked, Time: now})
		}
		return
	}
	if now.Sub(w.lastSample) >= w.sampleInterval {
		w.lastSample = now
		w.emit(Event{Type: EventBlockedInterval, Time: now})
	}
}

func (w *Watchdog) post(now time.Time) {
	w.pending.Store(true)
	w.postedAt = now
	w.queued = w.loop.Post(w.beat)
	if !w.queued {
		// A full queue is a loop that is not draining. The heartbeat counts
		// as pending from now and is posted again on the next check.
		log.Debug("monitored loop queue full, heartbeat not posted")
	}
}

// beat runs on the monitored goroutine.
func (w *Watchdog) beat() {
	w.respondedAt.Store(w.now().UnixNano())
	w.pending.Store(false)
}

func (w *Watchdog) emit(ev Event) {
	w.mu.Lock()
	listeners := append([]Listener(nil), w.listeners...)
	w.mu.Unlock()
	for _, l := range listeners {
		dispatch(l, ev)
	}
}

func dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"event": ev.Type, "panic": r}).Warn("blockage listener panicked")
		}
	}()
	l.HandleEvent(ev)
}
