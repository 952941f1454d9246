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
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Config holds the tunables of the watchdog and samplers. Limits that are
// zero or negative mean "no limit".
type Config struct {
	// HeartbeatInterval is how often the watchdog posts a heartbeat.
	HeartbeatInterval time.Duration
	// BlockedThreshold is how long a heartbeat may stay unprocessed before
	// the loop is considered blocked.
	BlockedThreshold time.Duration
	// SampleInterval is the tick cadence while blocked.
	SampleInterval time.Duration

	MaxSamplesPerInterval int
	MaxFrames             int
	// CaptureBudget bounds a single stack capture.
	CaptureBudget time.Duration
	// MaxIntervals caps how many intervals a session keeps.
	MaxIntervals int
	// MaxIntervalsWithSamples caps how many stored intervals keep samples.
	MaxIntervalsWithSamples int

	NativeEnabled bool
	// NativeFactor is the duty-cycle factor: at most one native burst per
	// NativeFactor ticks.
	NativeFactor         int
	NativeSampleInterval time.Duration
	MaxBurstSamples      int
	MaxNativeIntervals   int
	Unwinder             Unwinder
	IgnoreAllowlist      bool
	// Allowlist holds "pkg/path" or "pkg/path.Func" patterns of callers
	// known to block benignly. Native sampling is skipped for them.
	Allowlist []string

	// ReportInterval is the period of the Reporter flush loop, 0 disables it.
	ReportInterval time.Duration
	// Seed seeds the duty-cycle offset, 0 picks a random seed.
	Seed uint64

	Verbose       bool
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the configuration used when Setup gets nil.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       100 * time.Millisecond,
		BlockedThreshold:        1 * time.Second,
		SampleInterval:          100 * time.Millisecond,
		MaxSamplesPerInterval:   80,
		MaxFrames:               200,
		CaptureBudget:           50 * time.Millisecond,
		MaxIntervals:            120,
		MaxIntervalsWithSamples: 5,
		NativeEnabled:           false,
		NativeFactor:            5,
		NativeSampleInterval:    20 * time.Millisecond,
		MaxBurstSamples:         10,
		MaxNativeIntervals:      10,
		Unwinder:                UnwinderKernelStack,
		ReportInterval:          30 * time.Second,
	}
}

// withDefaults fills cadence fields that cannot sensibly be zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.BlockedThreshold <= 0 {
		c.BlockedThreshold = d.BlockedThreshold
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.NativeFactor <= 0 {
		c.NativeFactor = 1
	}
	if c.NativeSampleInterval <= 0 {
		c.NativeSampleInterval = d.NativeSampleInterval
	}
	return c
}
