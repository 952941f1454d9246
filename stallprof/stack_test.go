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
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDump = `goroutine 1 [running]:
main.main()
	/src/app/main.go:12 +0x1d

goroutine 7 [chan receive]:
main.(*worker).wait(0xc000010000)
	/src/app/worker.go:40 +0x45
main.(*worker).run(0xc000010000, {0x1, 0x2})
	/src/app/worker.go:22 +0x2b
created by main.start in goroutine 1
	/src/app/main.go:30 +0x65

goroutine 70 [select]:
net/http.(*persistConn).writeLoop(0xc0001b8000)
	/usr/local/go/src/net/http/transport.go:2421 +0xe5
`

func TestFindGoroutine(t *testing.T) {
	block := findGoroutine([]byte(sampleDump), 7)
	require.NotNil(t, block)
	require.True(t, strings.HasPrefix(string(block), "main.(*worker).wait"))

	// 7 must not match goroutine 70.
	block = findGoroutine([]byte(sampleDump), 70)
	require.True(t, strings.HasPrefix(string(block), "net/http.(*persistConn).writeLoop"))

	require.Nil(t, findGoroutine([]byte(sampleDump), 8))
	require.Nil(t, findGoroutine(nil, 1))
}

func TestParseFrames(t *testing.T) {
	frames := parseFrames(findGoroutine([]byte(sampleDump), 7), 0)
	require.Equal(t, []Frame{
		{Function: "main.(*worker).wait", File: "/src/app/worker.go", Line: 40},
		{Function: "main.(*worker).run", File: "/src/app/worker.go", Line: 22},
	}, frames)

	frames = parseFrames(findGoroutine([]byte(sampleDump), 7), 1)
	require.Len(t, frames, 1)

	elided := "main.f()\n\t/a.go:1 +0x1\n...additional frames elided...\n"
	require.Len(t, parseFrames([]byte(elided), 0), 1)
}

func TestCurrentGoroutineID(t *testing.T) {
	id := CurrentGoroutineID()
	require.NotZero(t, id)

	other := make(chan int64)
	go func() { other <- CurrentGoroutineID() }()
	require.NotEqual(t, id, <-other)
}

//go:noinline
func parkOn(ch chan struct{}) {
	<-ch
}

func TestGoroutineSource(t *testing.T) {
	release := make(chan struct{})
	ids := make(chan int64)
	go func() {
		ids <- CurrentGoroutineID()
		parkOn(release)
	}()
	defer close(release)
	id := <-ids

	src := NewGoroutineSource(id)
	require.Eventually(t, func() bool {
		frames, err := src.Stack(context.Background(), 0)
		if err != nil {
			return false
		}
		for _, f := range frames {
			if strings.HasSuffix(f.Function, ".parkOn") {
				return true
			}
		}
		return false
	}, waitFor, tick)

	frames, err := src.Stack(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
}

func TestGoroutineSourceErrors(t *testing.T) {
	_, err := NewGoroutineSource(1 << 40).Stack(context.Background(), 0)
	require.ErrorIs(t, err, ErrGoroutineNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewGoroutineSource(CurrentGoroutineID()).Stack(ctx, 0)
	require.True(t, errors.Is(err, context.Canceled))

	src := &GoroutineSource{ID: CurrentGoroutineID(), MaxDumpBytes: 16}
	_, err = src.Stack(context.Background(), 0)
	require.ErrorIs(t, err, ErrDumpTooLarge)
}

func TestTruncateFrames(t *testing.T) {
	frames := stackOf("a", "b", "c")
	require.Len(t, truncateFrames(frames, 2), 2)
	require.Len(t, truncateFrames(frames, 0), 3)
	require.Len(t, truncateFrames(frames, 10), 3)

	// The truncated slice cannot be appended into the original.
	short := truncateFrames(frames, 1)
	_ = append(short, Frame{Function: "x"})
	require.Equal(t, "b", frames[1].Function)
}
