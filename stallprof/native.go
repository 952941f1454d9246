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
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNativeUnavailable  = errors.New("native sampling unavailable")
	ErrThreadNotMonitored = errors.New("no thread is monitored")
	ErrBurstRunning       = errors.New("native sampling already running")
)

// Unwinder selects how the native backend unwinds the monitored thread.
type Unwinder int

const (
	// UnwinderKernelStack reads the kernel stack of the thread.
	UnwinderKernelStack Unwinder = iota
	// UnwinderWchan reads only the kernel wait channel, which needs no
	// privileges but yields a single frame.
	UnwinderWchan
)

func (u Unwinder) String() string {
	switch u {
	case UnwinderKernelStack:
		return "kernel_stack"
	case UnwinderWchan:
		return "wchan"
	default:
		return "unknown(" + strconv.Itoa(int(u)) + ")"
	}
}

// ParseUnwinder parses the String form of an Unwinder.
func ParseUnwinder(s string) (Unwinder, error) {
	switch s {
	case "kernel_stack", "stack":
		return UnwinderKernelStack, nil
	case "wchan":
		return UnwinderWchan, nil
	}
	return 0, fmt.Errorf("unknown unwinder %q", s)
}

// NativeFrame is one frame of a native stack.
type NativeFrame struct {
	Address uint64
	Symbol  string
	Offset  uint64
}

// NativeSample is one native stack taken during a burst.
type NativeSample struct {
	Timestamp time.Time
	// Result is 0 on success and an unwinder specific error code otherwise.
	Result         int
	SampleDuration time.Duration
	Frames         []NativeFrame
}

// NativeInterval holds the native samples taken during one blockage.
type NativeInterval struct {
	ThreadID int
	Start    time.Time
	End      time.Time
	Unwinder Unwinder
	Samples  []NativeSample
}

// NativeBackend is the boundary to OS level unwinding of the monitored
// thread.
type NativeBackend interface {
	// Setup prepares the backend once per process.
	Setup(is32Bit bool) error
	// MonitorCurrentThread makes the calling OS thread the sampling target.
	// It is idempotent.
	MonitorCurrentThread() error
	// StartSampling starts sampling the target every interval until
	// FinishSampling.
	StartSampling(u Unwinder, interval time.Duration) error
	// FinishSampling stops sampling and returns the samples taken since
	// StartSampling, or nil.
	FinishSampling() []NativeSample
}

// threadIDer is implemented by backends that know the target thread ID.
type threadIDer interface {
	ThreadID() int
}

// NativeSampler duty-cycles native sampling bursts during blockages.
type NativeSampler struct {
	backend         NativeBackend
	managed         StackSource
	gate            *allowlistGate
	factor          int
	interval        time.Duration
	maxBurst        int
	maxIntervals    int
	unwinder        Unwinder
	ignoreAllowlist bool
	maxFrames       int
	budget          time.Duration
	now             func() time.Time
	intN            func(int) int
	metrics         *metrics

	setupErr  error
	monitored atomic.Bool
	crashed   atomic.Bool

	// Event path state.
	mu         sync.Mutex
	blocked    bool
	suppressed bool
	count      int
	burstTaken bool

	// Burst state, shared by the event path, the burst timer and reporting.
	burstMu  sync.Mutex
	sampling bool
	timer    *time.Timer
	finish   singleflight.Group

	current   atomic.Pointer[NativeInterval]
	listMu    sync.Mutex
	intervals atomic.Pointer[[]NativeInterval]
}

// NewNativeSampler runs the one-time backend setup. A failed setup leaves
// the sampler permanently unavailable; it never affects managed sampling.
// managed is used by the allowlist gate and may be nil.
func NewNativeSampler(backend NativeBackend, managed StackSource, cfg Config) *NativeSampler {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	n := &NativeSampler{
		backend:         backend,
		managed:         managed,
		factor:          cfg.NativeFactor,
		interval:        cfg.NativeSampleInterval,
		maxBurst:        cfg.MaxBurstSamples,
		maxIntervals:    cfg.MaxNativeIntervals,
		unwinder:        cfg.Unwinder,
		ignoreAllowlist: cfg.IgnoreAllowlist,
		maxFrames:       cfg.MaxFrames,
		budget:          cfg.CaptureBudget,
		now:             time.Now,
		intN:            rng.IntN,
		metrics:         newMetrics(cfg.MeterProvider),
	}
	n.intervals.Store(&[]NativeInterval{})

	patterns, err := ParseAllowlist(cfg.Allowlist)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid allowlist entries")
	}
	if len(patterns) > 0 {
		if n.gate, err = newAllowlistGate(patterns); err != nil {
			log.WithError(err).Warn("allowlist gate disabled")
		}
	}

	if backend == nil {
		n.setupErr = ErrNativeUnavailable
		return n
	}
	if err := n.safeSetup(executableIs32Bit()); err != nil {
		n.setupErr = fmt.Errorf("%w: %w", ErrNativeUnavailable, err)
		log.WithError(err).Warn("native sampling disabled for this process")
	}
	return n
}

func (n *NativeSampler) safeSetup(is32Bit bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native setup panicked: %v", r)
		}
	}()
	return n.backend.Setup(is32Bit)
}

// Available reports whether the one-time setup succeeded.
func (n *NativeSampler) Available() bool {
	return n.setupErr == nil
}

// SetupError returns why native sampling is unavailable, or nil.
func (n *NativeSampler) SetupError() error {
	return n.setupErr
}

// MonitorCurrentThread must be called from the monitored goroutine while it
// is locked to its OS thread.
func (n *NativeSampler) MonitorCurrentThread() error {
	if !n.Available() {
		return n.setupErr
	}
	if err := n.backend.MonitorCurrentThread(); err != nil {
		return fmt.Errorf("monitoring current thread: %w", err)
	}
	n.monitored.Store(true)
	return nil
}

// Sampling reports whether a burst is running.
func (n *NativeSampler) Sampling() bool {
	n.burstMu.Lock()
	defer n.burstMu.Unlock()
	return n.sampling
}

// HandleEvent implements Listener.
func (n *NativeSampler) HandleEvent(ev Event) {
	if !n.Available() || n.crashed.Load() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	switch ev.Type {
	case EventBlocked:
		n.onBlocked(ev.Time)
	case EventBlockedInterval:
		n.onBlockedInterval()
	case EventUnblocked:
		n.onUnblocked(ev.Time)
	}
}

func (n *NativeSampler) onBlocked(t time.Time) {
	if n.blocked || !n.monitored.Load() {
		return
	}
	n.blocked = true
	n.burstTaken = false
	n.suppressed = n.shouldSuppress()
	if n.suppressed {
		n.metrics.suppressed.Add(context.Background(), 1)
		log.Debug("blockage matches allowlist, skipping native sampling")
		return
	}
	offset := n.intN(n.factor)
	n.count = (n.factor - offset) % n.factor
	iv := &NativeInterval{Start: t, Unwinder: n.unwinder}
	if tid, ok := n.backend.(threadIDer); ok {
		iv.ThreadID = tid.ThreadID()
	}
	n.current.Store(iv)
}

// shouldSuppress runs the allowlist gate once over the managed stack.
func (n *NativeSampler) shouldSuppress() bool {
	if n.ignoreAllowlist || n.gate == nil || n.managed == nil {
		return false
	}
	ctx := context.Background()
	if n.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.budget)
		defer cancel()
	}
	frames, err := n.managed.Stack(ctx, n.maxFrames)
	if err != nil {
		log.WithError(err).Debug("allowlist check could not read managed stack")
		return false
	}
	return n.gate.suppress(frames)
}

func (n *NativeSampler) onBlockedInterval() {
	if !n.blocked || n.suppressed {
		return
	}
	n.count = (n.count - 1 + n.factor) % n.factor
	if n.count != 0 || n.burstTaken {
		return
	}
	n.burstTaken = true
	n.startBurst()
}

func (n *NativeSampler) startBurst() {
	n.burstMu.Lock()
	defer n.burstMu.Unlock()
	// An event that passed the check in HandleEvent before handleCrash must
	// not start a burst nobody finishes.
	if n.sampling || n.crashed.Load() {
		return
	}
	if err := n.backend.StartSampling(n.unwinder, n.interval); err != nil {
		log.WithError(err).Debug("starting native sampling failed")
		return
	}
	n.sampling = true
	if n.maxBurst > 0 {
		n.timer = time.AfterFunc(n.interval*time.Duration(n.maxBurst), n.finishBurst)
	}
	n.metrics.bursts.Add(context.Background(), 1)
}

// finishBurst stops a running burst and attaches its samples to the current
// interval. Concurrent callers share one FinishSampling call and all return
// after the samples are attached.
func (n *NativeSampler) finishBurst() {
	_, _, _ = n.finish.Do("finish", func() (any, error) {
		n.burstMu.Lock()
		if !n.sampling {
			n.burstMu.Unlock()
			return nil, nil
		}
		n.sampling = false
		if n.timer != nil {
			n.timer.Stop()
			n.timer = nil
		}
		n.burstMu.Unlock()

		samples := n.safeFinish()
		n.attach(samples)
		return nil, nil
	})
}

func (n *NativeSampler) safeFinish() (samples []NativeSample) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Debug("native finish panicked")
			samples = nil
		}
	}()
	return n.backend.FinishSampling()
}

func (n *NativeSampler) attach(samples []NativeSample) {
	if len(samples) == 0 {
		return
	}
	cur := n.current.Load()
	if cur == nil {
		return
	}
	next := *cur
	room := len(samples)
	if n.maxBurst > 0 {
		room = n.maxBurst - len(next.Samples)
		if room <= 0 {
			return
		}
		if room > len(samples) {
			room = len(samples)
		}
	}
	merged := make([]NativeSample, 0, len(next.Samples)+room)
	merged = append(merged, next.Samples...)
	merged = append(merged, samples[:room]...)
	next.Samples = merged
	n.current.Store(&next)
}

func (n *NativeSampler) onUnblocked(t time.Time) {
	if !n.blocked {
		return
	}
	n.blocked = false
	if n.suppressed {
		return
	}
	// A running burst is always finished before its interval closes.
	n.finishBurst()
	cur := n.current.Load()
	if cur == nil {
		return
	}
	iv := *cur
	iv.End = t
	if len(iv.Samples) > 0 {
		n.record(iv)
	}
	n.current.Store(nil)
}

func (n *NativeSampler) record(iv NativeInterval) {
	n.listMu.Lock()
	defer n.listMu.Unlock()
	cur := *n.intervals.Load()
	if n.maxIntervals > 0 && len(cur) >= n.maxIntervals {
		n.metrics.discarded.Add(context.Background(), 1)
		return
	}
	next := make([]NativeInterval, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, iv)
	n.intervals.Store(&next)
}

// CapturedIntervals returns the native intervals for reporting, or nil when
// none has samples. Unless receivedTermination is set, a running burst is
// finished first so its samples are not lost; this blocks the caller.
func (n *NativeSampler) CapturedIntervals(receivedTermination bool) []NativeInterval {
	if !receivedTermination && n.Sampling() {
		n.finishBurst()
	}
	stored := *n.intervals.Load()
	out := make([]NativeInterval, len(stored), len(stored)+1)
	copy(out, stored)
	if cur := n.current.Load(); cur != nil && len(cur.Samples) > 0 {
		out = append(out, *cur)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// OnSessionBoundary drops the reported native intervals.
func (n *NativeSampler) OnSessionBoundary() {
	n.listMu.Lock()
	defer n.listMu.Unlock()
	n.intervals.Store(&[]NativeInterval{})
}

// pruneReported drops the native intervals that are part of reported and
// keeps those recorded after the report was taken.
func (n *NativeSampler) pruneReported(reported []NativeInterval) {
	n.listMu.Lock()
	defer n.listMu.Unlock()
	cur := *n.intervals.Load()
	next := make([]NativeInterval, 0, len(cur))
	for _, iv := range cur {
		if !containsNative(reported, iv) {
			next = append(next, iv)
		}
	}
	n.intervals.Store(&next)
}

func containsNative(intervals []NativeInterval, iv NativeInterval) bool {
	for _, r := range intervals {
		if r.ThreadID == iv.ThreadID && r.Start.Equal(iv.Start) && r.End.Equal(iv.End) {
			return true
		}
	}
	return false
}

// handleCrash finishes a running burst and keeps the open interval. It does
// not take the event path lock.
func (n *NativeSampler) handleCrash() {
	if n.crashed.Swap(true) {
		return
	}
	n.finishBurst()
	if cur := n.current.Load(); cur != nil && len(cur.Samples) > 0 {
		n.record(*cur)
		n.current.Store(nil)
	}
}

// stop finishes a running burst, used at teardown.
func (n *NativeSampler) stop() {
	n.finishBurst()
}
