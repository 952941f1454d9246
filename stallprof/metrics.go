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
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/parca-dev/stallprof"

var (
	attrKindDuplicate    = metric.WithAttributes(attribute.String("kind", "duplicate"))
	attrKindLimitReached = metric.WithAttributes(attribute.String("kind", "limit_reached"))
	attrKindFailed       = metric.WithAttributes(attribute.String("kind", "capture_failed"))
	attrKindStack        = metric.WithAttributes(attribute.String("kind", "stack"))
)

// metrics are the self-observability instruments of the samplers. The
// zero value is not usable, use newMetrics.
type metrics struct {
	samples    metric.Int64Counter
	overhead   metric.Float64Histogram
	discarded  metric.Int64Counter
	evicted    metric.Int64Counter
	bursts     metric.Int64Counter
	suppressed metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m, err := buildMetrics(mp.Meter(meterName))
	if err != nil {
		log.WithError(err).Warn("falling back to no-op metrics")
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.samples, err = meter.Int64Counter("stallprof.samples",
		metric.WithDescription("Samples recorded while the monitored goroutine was blocked")); err != nil {
		return nil, err
	}
	if m.overhead, err = meter.Float64Histogram("stallprof.sample.overhead",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent taking one stack sample")); err != nil {
		return nil, err
	}
	if m.discarded, err = meter.Int64Counter("stallprof.intervals.discarded",
		metric.WithDescription("Finished intervals dropped because the session store was full")); err != nil {
		return nil, err
	}
	if m.evicted, err = meter.Int64Counter("stallprof.intervals.evicted",
		metric.WithDescription("Stored intervals whose samples were cleared")); err != nil {
		return nil, err
	}
	if m.bursts, err = meter.Int64Counter("stallprof.native.bursts",
		metric.WithDescription("Native sampling bursts started")); err != nil {
		return nil, err
	}
	if m.suppressed, err = meter.Int64Counter("stallprof.native.suppressed",
		metric.WithDescription("Blockages skipped by the allowlist gate")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) recordSample(smpl Sample) {
	ctx := context.Background()
	switch {
	case smpl.Code == SampleCodeLimitReached:
		m.samples.Add(ctx, 1, attrKindLimitReached)
		return
	case smpl.Code == SampleCodeCaptureFailed:
		m.samples.Add(ctx, 1, attrKindFailed)
	case smpl.Duplicate:
		m.samples.Add(ctx, 1, attrKindDuplicate)
	default:
		m.samples.Add(ctx, 1, attrKindStack)
	}
	m.overhead.Record(ctx, float64(smpl.Overhead)/float64(time.Millisecond))
}
