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
	"debug/buildinfo"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ELFReader opens executables to describe the running process.
type ELFReader interface {
	Open(path string) (ELFFile, error)
}

// ELFFile is an open executable.
type ELFFile interface {
	Close() error
	// Is32Bit reports whether the executable targets a 32-bit ABI. It is
	// the hint handed to NativeBackend.Setup.
	Is32Bit() bool
	// BuildID returns the Go or GNU build ID, empty if there is none.
	BuildID() (string, error)
	// GoVersion returns the toolchain version the binary was built with.
	GoVersion() (string, error)
}

// ExecutableInfo describes the running executable in reports.
type ExecutableInfo struct {
	Path      string
	BuildID   string
	GoVersion string
	Is32Bit   bool
}

type debugELFReader struct{}

// DefaultELFReader returns an ELFReader based on debug/elf.
func DefaultELFReader() ELFReader {
	return debugELFReader{}
}

func (debugELFReader) Open(path string) (ELFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &debugELFFile{file: f, elf: ef}, nil
}

type debugELFFile struct {
	file *os.File
	elf  *elf.File
}

func (f *debugELFFile) Close() error {
	f.elf.Close()
	return f.file.Close()
}

func (f *debugELFFile) Is32Bit() bool {
	return f.elf.Class == elf.ELFCLASS32
}

const (
	noteGNUBuildID = 3
	noteGoBuildID  = 4
)

func (f *debugELFFile) BuildID() (string, error) {
	var gnu string
	for _, prog := range f.elf.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		notes, err := readNotes(prog.Open(), f.elf.ByteOrder)
		if err != nil {
			continue
		}
		for _, n := range notes {
			switch {
			case n.Name == "Go" && n.Type == noteGoBuildID:
				return string(n.Desc), nil
			case n.Name == "GNU" && n.Type == noteGNUBuildID:
				gnu = hex.EncodeToString(n.Desc)
			}
		}
	}
	// gccgo only carries the GNU note.
	return gnu, nil
}

func (f *debugELFFile) GoVersion() (string, error) {
	bi, err := buildinfo.Read(f.file)
	if err != nil {
		return "", err
	}
	if bi.GoVersion == "" {
		return "", errors.New("go version not found")
	}
	return bi.GoVersion, nil
}

type elfNote struct {
	Name string
	Type uint32
	Desc []byte
}

// readNotes decodes a PT_NOTE segment. Names and descriptors are padded to
// four bytes.
func readNotes(r io.Reader, order binary.ByteOrder) ([]elfNote, error) {
	var notes []elfNote
	for {
		var hdr [3]uint32
		if err := binary.Read(r, order, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return notes, nil
			}
			return notes, err
		}
		nameSize, descSize, typ := hdr[0], hdr[1], hdr[2]

		name := make([]byte, (nameSize+3)&^3)
		if _, err := io.ReadFull(r, name); err != nil {
			return notes, err
		}
		name = name[:nameSize]
		if nameSize > 0 && name[nameSize-1] == 0 {
			name = name[:nameSize-1]
		}
		desc := make([]byte, (descSize+3)&^3)
		if _, err := io.ReadFull(r, desc); err != nil {
			return notes, err
		}
		notes = append(notes, elfNote{Name: string(name), Type: typ, Desc: desc[:descSize]})
	}
}

// ReadExecutableInfo describes the executable at path. Fields that cannot
// be read stay empty; the bitness falls back to the running process.
func ReadExecutableInfo(reader ELFReader, path string) (ExecutableInfo, error) {
	info := ExecutableInfo{Path: path, Is32Bit: strconv.IntSize == 32}
	f, err := reader.Open(path)
	if err != nil {
		return info, fmt.Errorf("opening executable %s: %w", path, err)
	}
	defer f.Close()

	info.Is32Bit = f.Is32Bit()
	if id, err := f.BuildID(); err == nil {
		info.BuildID = id
	}
	if v, err := f.GoVersion(); err == nil {
		info.GoVersion = v
	}
	return info, nil
}

var (
	selfInfoOnce sync.Once
	selfInfo     ExecutableInfo
)

// SelfExecutableInfo describes the running executable, read once.
func SelfExecutableInfo() ExecutableInfo {
	selfInfoOnce.Do(func() {
		path, err := os.Executable()
		if err != nil {
			selfInfo = ExecutableInfo{Is32Bit: strconv.IntSize == 32}
			return
		}
		selfInfo, err = ReadExecutableInfo(DefaultELFReader(), path)
		if err != nil {
			log.WithError(err).Debug("reading executable info")
		}
	})
	return selfInfo
}

func executableIs32Bit() bool {
	return SelfExecutableInfo().Is32Bit
}
