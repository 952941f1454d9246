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
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var ErrLoopRunning = errors.New("loop already running")

// Poster accepts work for the monitored goroutine.
type Poster interface {
	// Post enqueues fn without blocking and reports whether it was accepted.
	Post(fn func()) bool
}

// Loop is the work queue drained by the monitored goroutine.
type Loop struct {
	work chan func()

	mu      sync.Mutex
	onStart []func()

	running atomic.Bool
	gid     atomic.Int64
}

// NewLoop creates a loop with room for size queued functions.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 64
	}
	return &Loop{work: make(chan func(), size)}
}

// OnStart registers fn to run on the loop goroutine when Run starts, before
// any posted work.
func (l *Loop) OnStart(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStart = append(l.onStart, fn)
}

// Post implements Poster.
func (l *Loop) Post(fn func()) bool {
	select {
	case l.work <- fn:
		return true
	default:
		return false
	}
}

// GoroutineID returns the ID of the goroutine running the loop, 0 before Run.
func (l *Loop) GoroutineID() int64 {
	return l.gid.Load()
}

// Run drains posted work on the calling goroutine until ctx is done. The
// goroutine is locked to its OS thread for the duration so native sampling
// can address it.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.gid.Store(CurrentGoroutineID())
	LabelMonitored(ctx, DefaultLabelKey, DefaultLabelValue)

	l.mu.Lock()
	hooks := append([]func(){}, l.onStart...)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	log.WithField("goroutine", l.gid.Load()).Debug("monitored loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.work:
			fn()
		}
	}
}
