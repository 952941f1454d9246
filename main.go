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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffyaml"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.uber.org/multierr"

	"github.com/parca-dev/stallprof/stallprof"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("stallprof failed")
	}
}

func run(args []string) error {
	cfg := stallprof.DefaultConfig()
	fs := flag.NewFlagSet("stallprof", flag.ContinueOnError)
	var (
		logLevel  = fs.String("log-level", "info", "log level (debug, info, warn, error)")
		format    = fs.String("format", "json", "report format written to stdout (json, otlp)")
		pprofOut  = fs.String("pprof-out", "", "write the managed samples of each report as a pprof profile to this file")
		stalls    = fs.String("stall", "1500ms,300ms,3s", "comma separated stalls to run on the monitored loop")
		gap       = fs.Duration("stall-gap", 500*time.Millisecond, "pause between stalls")
		duration  = fs.Duration("duration", 0, "stop after this long, 0 runs until interrupted")
		unwinder  = fs.String("unwinder", cfg.Unwinder.String(), "native unwinder (kernel_stack, wchan)")
		allowlist = fs.String("allowlist", "", "comma separated package or package.Func patterns that skip native sampling")
		_         = fs.String("config", "", "config file (YAML)")
	)
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "heartbeat interval")
	fs.DurationVar(&cfg.BlockedThreshold, "threshold", cfg.BlockedThreshold, "time without heartbeat before the loop counts as blocked")
	fs.DurationVar(&cfg.SampleInterval, "sample-interval", cfg.SampleInterval, "sampling interval while blocked")
	fs.IntVar(&cfg.MaxSamplesPerInterval, "max-samples", cfg.MaxSamplesPerInterval, "max samples per interval, <=0 unlimited")
	fs.IntVar(&cfg.MaxFrames, "max-frames", cfg.MaxFrames, "max frames per sample, <=0 unlimited")
	fs.DurationVar(&cfg.CaptureBudget, "capture-budget", cfg.CaptureBudget, "time budget of one stack capture")
	fs.IntVar(&cfg.MaxIntervals, "max-intervals", cfg.MaxIntervals, "max intervals per session, <=0 unlimited")
	fs.IntVar(&cfg.MaxIntervalsWithSamples, "max-intervals-with-samples", cfg.MaxIntervalsWithSamples, "max intervals that keep samples, <=0 unlimited")
	fs.BoolVar(&cfg.NativeEnabled, "native", cfg.NativeEnabled, "enable native sampling bursts")
	fs.IntVar(&cfg.NativeFactor, "native-factor", cfg.NativeFactor, "at most one native burst per this many ticks")
	fs.DurationVar(&cfg.NativeSampleInterval, "native-interval", cfg.NativeSampleInterval, "native sampling interval")
	fs.IntVar(&cfg.MaxBurstSamples, "max-burst-samples", cfg.MaxBurstSamples, "max native samples per burst")
	fs.IntVar(&cfg.MaxNativeIntervals, "max-native-intervals", cfg.MaxNativeIntervals, "max native intervals per session")
	fs.BoolVar(&cfg.IgnoreAllowlist, "ignore-allowlist", cfg.IgnoreAllowlist, "sample natively even for allowlisted stacks")
	fs.DurationVar(&cfg.ReportInterval, "report-interval", cfg.ReportInterval, "report and rotate the session this often")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "duty-cycle seed, 0 for random")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "debug logging")

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("STALLPROF"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
	); err != nil {
		return err
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if cfg.Unwinder, err = stallprof.ParseUnwinder(*unwinder); err != nil {
		return err
	}
	cfg.Allowlist = splitList(*allowlist)
	plan, err := parseStalls(*stalls)
	if err != nil {
		return err
	}

	rep := &writerReporter{out: os.Stdout, format: *format, pprofOut: *pprofOut}
	if rep.format != "json" && rep.format != "otlp" {
		return fmt.Errorf("unknown format %q", rep.format)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := sigCtx
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	state, err := stallprof.Setup(ctx, &cfg, rep)
	if err != nil {
		return err
	}
	loop := state.Loop()

	go func() {
		for _, d := range plan {
			select {
			case <-ctx.Done():
				return
			case <-time.After(*gap):
			}
			if !loop.Post(func() {
				log.WithField("stall", d).Info("stalling monitored loop")
				time.Sleep(d)
			}) {
				log.Warn("monitored loop queue full, dropping stall")
			}
		}
	}()

	// The monitored loop runs on the main goroutine.
	runErr := loop.Run(ctx)
	if sigCtx.Err() != nil {
		state.HandleCrash()
	}
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}
	return multierr.Combine(runErr, state.Close())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseStalls(s string) ([]time.Duration, error) {
	var plan []time.Duration
	for _, part := range splitList(s) {
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid stall %q: %w", part, err)
		}
		plan = append(plan, d)
	}
	return plan, nil
}

// writerReporter writes every report to out and optionally the managed
// samples to a pprof file.
type writerReporter struct {
	out      io.Writer
	format   string
	pprofOut string

	mu sync.Mutex
}

type report struct {
	Meta      stallprof.ReportMeta       `json:"meta"`
	Intervals []stallprof.Interval       `json:"intervals,omitempty"`
	Native    []stallprof.NativeInterval `json:"native,omitempty"`
}

func (r *writerReporter) ReportIntervals(intervals []stallprof.Interval, native []stallprof.NativeInterval, meta stallprof.ReportMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		data []byte
		err  error
	)
	switch r.format {
	case "otlp":
		var m ptrace.JSONMarshaler
		data, err = m.MarshalTraces(stallprof.IntervalsToTraces(intervals, native, meta))
	default:
		data, err = json.Marshal(report{Meta: meta, Intervals: intervals, Native: native})
	}
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')
	if _, err := r.out.Write(data); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if r.pprofOut != "" && len(intervals) > 0 {
		if err := writeProfile(r.pprofOut, intervals); err != nil {
			return err
		}
	}
	return nil
}

func writeProfile(path string, intervals []stallprof.Interval) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := stallprof.IntervalsToProfile(intervals).Write(f); err != nil {
		return multierr.Append(fmt.Errorf("writing profile: %w", err), f.Close())
	}
	return f.Close()
}
