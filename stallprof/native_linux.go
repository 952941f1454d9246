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

//go:build linux

package stallprof

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Native sample results.
const (
	NativeResultOK = iota
	NativeResultPermission
	NativeResultReadFailed
	NativeResultEmpty
	// NativeResultRunning means the thread was on a CPU, not waiting in the
	// kernel, so there was no wait stack to read.
	NativeResultRunning
)

const defaultMaxQueued = 256

// ProcBackend samples the monitored OS thread through procfs. The kernel
// stack unwinder needs CAP_SYS_ADMIN; the wchan unwinder works unprivileged.
type ProcBackend struct {
	ProcRoot string
	// MaxQueued bounds the samples buffered between start and finish.
	MaxQueued int

	pid   int
	tid   atomic.Int64
	ready atomic.Bool

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	samples *queue.Queue
}

// NewProcBackend returns a backend reading /proc.
func NewProcBackend() *ProcBackend {
	return &ProcBackend{ProcRoot: "/proc", MaxQueued: defaultMaxQueued}
}

// Setup checks that procfs lists the threads of this process. Procfs stacks
// come symbolized by the kernel, so the bitness hint is only logged.
func (p *ProcBackend) Setup(is32Bit bool) error {
	p.pid = os.Getpid()
	tasks, err := listTasks(p.ProcRoot, p.pid)
	if err != nil {
		return fmt.Errorf("procfs unavailable: %w", err)
	}
	log.WithFields(log.Fields{"pid": p.pid, "threads": len(tasks), "32bit": is32Bit}).Debug("native backend ready")
	p.samples = queue.New()
	p.ready.Store(true)
	return nil
}

func (p *ProcBackend) MonitorCurrentThread() error {
	if !p.ready.Load() {
		return ErrNativeUnavailable
	}
	tid := unix.Gettid()
	if !taskExists(p.ProcRoot, p.pid, tid) {
		return fmt.Errorf("thread %d not found in %s", tid, p.ProcRoot)
	}
	if old := p.tid.Swap(int64(tid)); old != 0 && old != int64(tid) {
		log.WithFields(log.Fields{"old": old, "new": tid}).Debug("monitored thread changed")
	}
	return nil
}

// ThreadID returns the monitored thread, 0 if none.
func (p *ProcBackend) ThreadID() int {
	return int(p.tid.Load())
}

func (p *ProcBackend) StartSampling(u Unwinder, interval time.Duration) error {
	tid := p.ThreadID()
	if tid == 0 {
		return ErrThreadNotMonitored
	}
	if interval <= 0 {
		return fmt.Errorf("invalid sampling interval %v", interval)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrBurstRunning
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(u, tid, interval, p.stop, p.done)
	return nil
}

func (p *ProcBackend) run(u Unwinder, tid int, interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.push(p.sample(u, tid))
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (p *ProcBackend) push(s NativeSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MaxQueued > 0 && p.samples.Length() >= p.MaxQueued {
		return
	}
	p.samples.Add(s)
}

// FinishSampling stops the sampling goroutine, waiting for an in-progress
// read, and drains the buffered samples.
func (p *ProcBackend) FinishSampling() []NativeSample {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.samples.Length() == 0 {
		return nil
	}
	out := make([]NativeSample, 0, p.samples.Length())
	for p.samples.Length() > 0 {
		out = append(out, p.samples.Remove().(NativeSample))
	}
	return out
}

func (p *ProcBackend) sample(u Unwinder, tid int) NativeSample {
	start := time.Now()
	s := NativeSample{Timestamp: start}
	dir := filepath.Join(p.ProcRoot, strconv.Itoa(p.pid), "task", strconv.Itoa(tid))

	var (
		data []byte
		err  error
	)
	switch u {
	case UnwinderWchan:
		data, err = os.ReadFile(filepath.Join(dir, "wchan"))
		if err == nil {
			s.Frames = parseWchan(data)
		}
	default:
		data, err = os.ReadFile(filepath.Join(dir, "stack"))
		if err == nil {
			s.Frames = parseKernelStack(data)
		}
	}
	switch {
	case errors.Is(err, os.ErrPermission):
		s.Result = NativeResultPermission
	case err != nil:
		s.Result = NativeResultReadFailed
	case len(s.Frames) == 0 && readTaskState(dir) == "R":
		s.Result = NativeResultRunning
	case len(s.Frames) == 0:
		s.Result = NativeResultEmpty
	}
	s.SampleDuration = time.Since(start)
	return s
}

// parseKernelStack parses /proc/<pid>/task/<tid>/stack lines such as
// "[<0>] do_select+0x5e9/0x7a0".
func parseKernelStack(data []byte) []NativeFrame {
	var frames []NativeFrame
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var f NativeFrame
		if strings.HasPrefix(line, "[<") {
			end := strings.Index(line, ">]")
			if end < 0 {
				continue
			}
			f.Address, _ = strconv.ParseUint(strings.TrimPrefix(line[2:end], "0x"), 16, 64)
			line = strings.TrimSpace(line[end+2:])
		}
		sym := line
		if plus := strings.IndexByte(line, '+'); plus >= 0 {
			sym = line[:plus]
			off := line[plus+1:]
			if slash := strings.IndexByte(off, '/'); slash >= 0 {
				off = off[:slash]
			}
			f.Offset, _ = strconv.ParseUint(strings.TrimPrefix(off, "0x"), 16, 64)
		}
		f.Symbol = sym
		frames = append(frames, f)
	}
	return frames
}

// parseWchan turns the wait channel symbol into a single frame. "0" means
// the thread is running.
func parseWchan(data []byte) []NativeFrame {
	sym := strings.TrimSpace(string(data))
	if sym == "" || sym == "0" {
		return nil
	}
	return []NativeFrame{{Symbol: sym}}
}
