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
	"encoding/binary"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
)

const scopeName = "github.com/parca-dev/stallprof"

// Span and attribute names of the trace payload.
const (
	spanInterval       = "stall.interval"
	spanNativeInterval = "stall.native_interval"
	eventSample        = "stall.sample"
	eventNativeSample  = "stall.native_sample"

	attrIntervalCode   = "stall.interval_code"
	attrLastKnown      = "stall.last_known_time_unix_nano"
	attrOverheadMs     = "stall.sample_overhead_ms"
	attrSampleCode     = "stall.sample_code"
	attrDuplicate      = "stall.sample_duplicate"
	attrFrames         = "stall.frames"
	attrThreadID       = "stall.thread_id"
	attrUnwinder       = "stall.unwinder"
	attrNativeResult   = "stall.native_result"
	attrSampleDuration = "stall.sample_duration_ms"

	attrSessionID  = "session.id"
	attrBuildID    = "process.executable.build_id.go"
	attrGoVersion  = "process.runtime.version"
	attrExecutable = "process.executable.path"
)

// IntervalsToTraces maps one report onto OTLP traces: one span per interval
// with a span event per sample, all under a trace derived from the session.
func IntervalsToTraces(intervals []Interval, native []NativeInterval, meta ReportMeta) ptrace.Traces {
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	res := rs.Resource().Attributes()
	res.PutStr(attrSessionID, meta.SessionID)
	if meta.Executable.BuildID != "" {
		res.PutStr(attrBuildID, meta.Executable.BuildID)
	}
	if meta.Executable.GoVersion != "" {
		res.PutStr(attrGoVersion, meta.Executable.GoVersion)
	}
	if meta.Executable.Path != "" {
		res.PutStr(attrExecutable, meta.Executable.Path)
	}

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName(scopeName)
	traceID := sessionTraceID(meta.SessionID)

	var n uint64
	for _, iv := range intervals {
		n++
		span := ss.Spans().AppendEmpty()
		span.SetName(spanInterval)
		span.SetTraceID(traceID)
		span.SetSpanID(spanID(n))
		span.SetStartTimestamp(pcommon.NewTimestampFromTime(iv.Start))
		end := iv.End
		if end.IsZero() {
			end = iv.LastKnown
		}
		if !end.IsZero() {
			span.SetEndTimestamp(pcommon.NewTimestampFromTime(end))
		}
		attrs := span.Attributes()
		attrs.PutStr(attrIntervalCode, iv.Code.String())
		if !iv.LastKnown.IsZero() {
			attrs.PutInt(attrLastKnown, iv.LastKnown.UnixNano())
		}
		for _, smpl := range iv.Samples {
			ev := span.Events().AppendEmpty()
			ev.SetName(eventSample)
			ev.SetTimestamp(pcommon.NewTimestampFromTime(smpl.Timestamp))
			ea := ev.Attributes()
			ea.PutDouble(attrOverheadMs, durationMs(smpl.Overhead))
			ea.PutStr(attrSampleCode, smpl.Code.String())
			ea.PutBool(attrDuplicate, smpl.Duplicate)
			if smpl.Stack != nil {
				frames := ea.PutEmptySlice(attrFrames)
				frames.EnsureCapacity(len(smpl.Stack))
				for _, f := range smpl.Stack {
					frames.AppendEmpty().SetStr(f.String())
				}
			}
		}
	}

	for _, niv := range native {
		n++
		span := ss.Spans().AppendEmpty()
		span.SetName(spanNativeInterval)
		span.SetTraceID(traceID)
		span.SetSpanID(spanID(n))
		span.SetStartTimestamp(pcommon.NewTimestampFromTime(niv.Start))
		if !niv.End.IsZero() {
			span.SetEndTimestamp(pcommon.NewTimestampFromTime(niv.End))
		}
		attrs := span.Attributes()
		attrs.PutInt(attrThreadID, int64(niv.ThreadID))
		attrs.PutStr(attrUnwinder, niv.Unwinder.String())
		for _, smpl := range niv.Samples {
			ev := span.Events().AppendEmpty()
			ev.SetName(eventNativeSample)
			ev.SetTimestamp(pcommon.NewTimestampFromTime(smpl.Timestamp))
			ea := ev.Attributes()
			ea.PutInt(attrNativeResult, int64(smpl.Result))
			ea.PutDouble(attrSampleDuration, durationMs(smpl.SampleDuration))
			frames := ea.PutEmptySlice(attrFrames)
			frames.EnsureCapacity(len(smpl.Frames))
			for _, f := range smpl.Frames {
				frames.AppendEmpty().SetStr(nativeFrameString(f))
			}
		}
	}
	return td
}

// sessionTraceID uses the session UUID as trace ID, or a random one when the
// session ID is not a UUID.
func sessionTraceID(session string) pcommon.TraceID {
	id, err := uuid.Parse(session)
	if err != nil {
		id = uuid.New()
	}
	return pcommon.TraceID(id)
}

func spanID(n uint64) pcommon.SpanID {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], n)
	return pcommon.SpanID(id)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func nativeFrameString(f NativeFrame) string {
	if f.Symbol == "" {
		return "0x" + strconv.FormatUint(f.Address, 16)
	}
	if f.Offset == 0 {
		return f.Symbol
	}
	return f.Symbol + "+0x" + strconv.FormatUint(f.Offset, 16)
}
