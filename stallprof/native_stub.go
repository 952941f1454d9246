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

//go:build !linux

package stallprof

import (
	"errors"
	"time"
)

var ErrNotLinux = errors.New("native sampling requires Linux procfs")

// ProcBackend is unavailable outside Linux; Setup always fails so the
// native sampler disables itself.
type ProcBackend struct{}

func NewProcBackend() *ProcBackend {
	return &ProcBackend{}
}

func (p *ProcBackend) Setup(is32Bit bool) error {
	return ErrNotLinux
}

func (p *ProcBackend) MonitorCurrentThread() error {
	return ErrNotLinux
}

func (p *ProcBackend) StartSampling(u Unwinder, interval time.Duration) error {
	return ErrNotLinux
}

func (p *ProcBackend) FinishSampling() []NativeSample {
	return nil
}
