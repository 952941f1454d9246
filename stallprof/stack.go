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
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

const (
	// minDumpBytes is the initial buffer for a full goroutine dump.
	minDumpBytes = 1 << 20
	// DefaultMaxDumpBytes bounds the buffer used for a full goroutine dump.
	DefaultMaxDumpBytes = 64 << 20
)

var (
	ErrGoroutineNotFound = errors.New("goroutine not found in dump")
	ErrDumpTooLarge      = errors.New("goroutine dump exceeds buffer limit")
)

// StackSource produces the current stack of one target goroutine.
type StackSource interface {
	// Stack returns at most maxFrames frames, leaf first. maxFrames <= 0
	// means no limit.
	Stack(ctx context.Context, maxFrames int) ([]Frame, error)
}

// GoroutineSource reads the stack of a goroutine by ID out of a full
// goroutine dump.
type GoroutineSource struct {
	ID int64
	// MaxDumpBytes caps the dump buffer, DefaultMaxDumpBytes when <= 0.
	MaxDumpBytes int

	// lastSize is the last dump size, used to size the next buffer. Only
	// touched from the sampling path.
	lastSize int
}

// NewGoroutineSource returns a source for the goroutine with the given ID.
func NewGoroutineSource(id int64) *GoroutineSource {
	return &GoroutineSource{ID: id}
}

func (s *GoroutineSource) Stack(ctx context.Context, maxFrames int) ([]Frame, error) {
	dump, err := s.dump(ctx)
	if err != nil {
		return nil, err
	}
	block := findGoroutine(dump, s.ID)
	if block == nil {
		return nil, fmt.Errorf("goroutine %d: %w", s.ID, ErrGoroutineNotFound)
	}
	return parseFrames(block, maxFrames), nil
}

// dump grows the buffer until the whole dump fits, checking ctx between
// attempts.
func (s *GoroutineSource) dump(ctx context.Context) ([]byte, error) {
	limit := s.MaxDumpBytes
	if limit <= 0 {
		limit = DefaultMaxDumpBytes
	}
	n := s.lastSize + s.lastSize/4
	if n < minDumpBytes {
		n = minDumpBytes
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if n > limit {
			n = limit
		}
		buf := make([]byte, n)
		written := runtime.Stack(buf, true)
		if written < len(buf) {
			s.lastSize = written
			return buf[:written], nil
		}
		if n == limit {
			return nil, ErrDumpTooLarge
		}
		n *= 2
	}
}

// findGoroutine returns the block of a dump belonging to goroutine id,
// excluding the header line.
func findGoroutine(dump []byte, id int64) []byte {
	header := []byte("goroutine " + strconv.FormatInt(id, 10) + " [")
	for len(dump) > 0 {
		var block []byte
		if i := bytes.Index(dump, []byte("\n\n")); i >= 0 {
			block, dump = dump[:i], dump[i+2:]
		} else {
			block, dump = dump, nil
		}
		if !bytes.HasPrefix(block, header) {
			continue
		}
		if nl := bytes.IndexByte(block, '\n'); nl >= 0 {
			return block[nl+1:]
		}
		return []byte{}
	}
	return nil
}

// parseFrames parses the "function(args)\n\tfile:line +0x.." pairs of a
// goroutine block.
func parseFrames(block []byte, maxFrames int) []Frame {
	lines := strings.Split(string(block), "\n")
	frames := make([]Frame, 0, len(lines)/2)
	for i := 0; i+1 < len(lines); i += 2 {
		fn := lines[i]
		loc := strings.TrimSpace(lines[i+1])
		if strings.HasPrefix(fn, "created by ") {
			// The creation site is not part of the running stack.
			break
		}
		if strings.HasPrefix(fn, "...") {
			// "...additional frames elided..."
			break
		}
		if p := strings.LastIndexByte(fn, '('); p > 0 {
			fn = fn[:p]
		}
		f := Frame{Function: fn}
		if sp := strings.IndexByte(loc, ' '); sp >= 0 {
			loc = loc[:sp]
		}
		if c := strings.LastIndexByte(loc, ':'); c >= 0 {
			f.File = loc[:c]
			f.Line, _ = strconv.Atoi(loc[c+1:])
		} else {
			f.File = loc
		}
		frames = append(frames, f)
		if maxFrames > 0 && len(frames) == maxFrames {
			break
		}
	}
	return frames
}

// CurrentGoroutineID returns the ID of the calling goroutine, or 0 if it
// cannot be determined.
func CurrentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if sp := bytes.IndexByte(b, ' '); sp > 0 {
		id, err := strconv.ParseInt(string(b[:sp]), 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

// truncateFrames caps frames to maxFrames, <= 0 means no limit.
func truncateFrames(frames []Frame, maxFrames int) []Frame {
	if maxFrames > 0 && len(frames) > maxFrames {
		return frames[:maxFrames:maxFrames]
	}
	return frames
}
