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
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyInitialized = errors.New("stallprof already initialized")
	ErrNotInitialized     = errors.New("stallprof not initialized")
)

var (
	setupMutex    sync.Mutex
	globalState   *State
	isInitialized bool
)

const defaultLoopQueue = 64

// State owns the loop, watchdog, samplers and the session store of a
// process.
type State struct {
	cfg      Config
	reporter Reporter
	exe      ExecutableInfo

	loop     *Loop
	store    *IntervalStore
	sampler  *Sampler
	native   *NativeSampler
	watchdog *Watchdog

	cancel context.CancelFunc
	group  *errgroup.Group

	flushMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Setup creates the process-wide State and starts the watchdog and, when a
// reporter is given, the flush loop. The caller runs State.Loop() on the
// goroutine to be monitored. A nil cfg uses DefaultConfig.
func Setup(ctx context.Context, cfg *Config, reporter Reporter) (*State, error) {
	setupMutex.Lock()
	defer setupMutex.Unlock()

	if isInitialized {
		return nil, ErrAlreadyInitialized
	}

	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	s := newState(c, reporter)
	s.start(ctx)

	globalState = s
	isInitialized = true
	log.WithFields(log.Fields{
		"session":   s.store.SessionID(),
		"threshold": s.cfg.BlockedThreshold,
		"native":    s.native.Available(),
	}).Info("stallprof started")
	return s, nil
}

// GetState returns the State created by Setup.
func GetState() (*State, error) {
	setupMutex.Lock()
	defer setupMutex.Unlock()

	if !isInitialized || globalState == nil {
		return nil, ErrNotInitialized
	}
	return globalState, nil
}

func newState(cfg Config, reporter Reporter) *State {
	cfg = cfg.withDefaults()
	s := &State{
		cfg:      cfg,
		reporter: reporter,
		exe:      SelfExecutableInfo(),
		loop:     NewLoop(defaultLoopQueue),
		store:    NewIntervalStore(cfg.MaxIntervals, cfg.MaxIntervalsWithSamples),
	}
	m := newMetrics(cfg.MeterProvider)
	s.store.metrics = m

	source := &loopSource{loop: s.loop, label: LabelSource{Key: DefaultLabelKey, Value: DefaultLabelValue}}
	s.sampler = NewSampler(s.store, source, cfg)
	s.sampler.metrics = m

	var backend NativeBackend
	if cfg.NativeEnabled {
		backend = NewProcBackend()
	}
	s.native = NewNativeSampler(backend, source, cfg)
	s.native.metrics = m

	s.watchdog = NewWatchdog(s.loop, cfg, s.sampler)
	if s.native.Available() {
		s.watchdog.AddListener(s.native)
		s.loop.OnStart(func() {
			if err := s.native.MonitorCurrentThread(); err != nil {
				log.WithError(err).Warn("native sampling cannot monitor loop thread")
			}
		})
	}
	return s
}

func (s *State) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		return s.watchdog.Run(ctx)
	})
	if s.reporter != nil && s.cfg.ReportInterval > 0 {
		s.group.Go(func() error {
			return s.flushLoop(ctx)
		})
	}
}

func (s *State) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.flushAndRotate(); err != nil {
				log.WithError(err).Warn("error reporting intervals")
			}
		}
	}
}

// flushAndRotate reports the session and, once the reporter accepted it,
// starts a new one without the reported intervals. On error the session is
// kept so the next flush retries it.
func (s *State) flushAndRotate() error {
	r, err := s.flush(false)
	if err != nil || r == nil {
		return err
	}
	s.store.PruneReported(r.intervals)
	s.native.pruneReported(r.native)
	return nil
}

// report is what one flush handed to the reporter.
type report struct {
	intervals []Interval
	native    []NativeInterval
}

// Flush reports the current session without closing it.
func (s *State) Flush() error {
	_, err := s.flush(false)
	return err
}

// flush returns the reported intervals, or nil when there was nothing to
// report.
func (s *State) flush(termination bool) (*report, error) {
	if s.reporter == nil {
		return nil, nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	intervals := s.sampler.CapturedIntervals(termination)
	native := s.native.CapturedIntervals(termination)
	if intervals == nil && native == nil {
		return nil, nil
	}
	meta := ReportMeta{
		SessionID:   s.store.SessionID(),
		Timestamp:   time.Now(),
		Termination: termination,
		Executable:  s.exe,
	}
	if err := s.reporter.ReportIntervals(intervals, native, meta); err != nil {
		return nil, fmt.Errorf("reporting session %s: %w", meta.SessionID, err)
	}
	log.WithFields(log.Fields{
		"session":   meta.SessionID,
		"intervals": len(intervals),
		"native":    len(native),
	}).Debug("reported intervals")
	return &report{intervals: intervals, native: native}, nil
}

// OnSessionBoundary starts a new session. Closed intervals and reported
// native intervals are dropped; an open interval carries over.
func (s *State) OnSessionBoundary() {
	s.store.OnSessionBoundary()
	s.native.OnSessionBoundary()
}

// HandleCrash preserves what is being captured when the process is about to
// die: a running native burst is finished and the open interval is moved to
// the store. It does no I/O; report with Close afterwards if possible.
func (s *State) HandleCrash() {
	s.native.handleCrash()
	s.sampler.handleCrash()
}

// Close stops the watchdog and flush loop, reports the session one last time
// and clears the store.
func (s *State) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		var errs error
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, err)
		}
		s.native.stop()
		if _, err := s.flush(true); err != nil {
			errs = multierr.Append(errs, err)
		}
		s.store.Clear()
		s.native.OnSessionBoundary()

		setupMutex.Lock()
		if globalState == s {
			globalState = nil
			isInitialized = false
		}
		setupMutex.Unlock()

		s.closeErr = errs
		log.Info("stallprof stopped")
	})
	return s.closeErr
}

// Loop returns the loop the monitored goroutine must run.
func (s *State) Loop() *Loop {
	return s.loop
}

// Store returns the session interval store.
func (s *State) Store() *IntervalStore {
	return s.store
}

// Sampler returns the managed sampler.
func (s *State) Sampler() *Sampler {
	return s.sampler
}

// Native returns the native sampler, which may be unavailable.
func (s *State) Native() *NativeSampler {
	return s.native
}

// loopSource follows the goroutine running loop by ID. When the goroutine
// dump outgrows its buffer it falls back to the goroutine profile, which
// finds the loop by the label Loop.Run applies.
type loopSource struct {
	loop         *Loop
	label        LabelSource
	maxDumpBytes int

	mu sync.Mutex
	gs *GoroutineSource
}

func (s *loopSource) Stack(ctx context.Context, maxFrames int) ([]Frame, error) {
	id := s.loop.GoroutineID()
	if id == 0 {
		return nil, fmt.Errorf("loop not running: %w", ErrGoroutineNotFound)
	}
	s.mu.Lock()
	if s.gs == nil || s.gs.ID != id {
		s.gs = &GoroutineSource{ID: id, MaxDumpBytes: s.maxDumpBytes}
	}
	frames, err := s.gs.Stack(ctx, maxFrames)
	s.mu.Unlock()
	if errors.Is(err, ErrDumpTooLarge) {
		log.WithField("goroutine", id).Debug("goroutine dump too large, using goroutine profile")
		return s.label.Stack(ctx, maxFrames)
	}
	return frames, err
}
