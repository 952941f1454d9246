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
	"fmt"
	"strings"

	"github.com/elastic/go-freelru"
)

// FramePattern matches frames of a known-benign caller. Package is the
// import path; Function, when set, is the symbol within the package, for
// example "Read" or "(*Conn).Read".
type FramePattern struct {
	Package  string
	Function string
}

func (p FramePattern) String() string {
	if p.Function == "" {
		return p.Package
	}
	return p.Package + "." + p.Function
}

// ParseFramePattern parses "pkg/path" or "pkg/path.Func" style patterns.
func ParseFramePattern(s string) (FramePattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FramePattern{}, fmt.Errorf("empty frame pattern")
	}
	pkg, sym := splitFunctionName(s)
	if pkg == "" {
		return FramePattern{}, fmt.Errorf("frame pattern %q has no package", s)
	}
	return FramePattern{Package: pkg, Function: sym}, nil
}

// ParseAllowlist parses every entry, skipping and reporting invalid ones.
func ParseAllowlist(entries []string) ([]FramePattern, error) {
	patterns := make([]FramePattern, 0, len(entries))
	var bad []string
	for _, e := range entries {
		p, err := ParseFramePattern(e)
		if err != nil {
			bad = append(bad, e)
			continue
		}
		patterns = append(patterns, p)
	}
	if len(bad) > 0 {
		return patterns, fmt.Errorf("invalid allowlist entries: %q", bad)
	}
	return patterns, nil
}

// splitFunctionName splits a fully qualified Go function name into import
// path and symbol: "a/b/c.(*T).M" -> "a/b/c", "(*T).M". A name with no dot
// after the last slash is treated as a bare package path. The runtime writes
// dots in the last path element as %2e; they are unescaped in pkg.
func splitFunctionName(name string) (pkg, sym string) {
	slash := strings.LastIndexByte(name, '/')
	dot := strings.IndexByte(name[slash+1:], '.')
	if dot < 0 {
		return strings.ReplaceAll(name, "%2e", "."), ""
	}
	dot += slash + 1
	return strings.ReplaceAll(name[:dot], "%2e", "."), name[dot+1:]
}

// Match reports whether f belongs to the pattern. A pattern such as
// "gopkg.in/yaml.v3" may name a package whose last element has a dot, so
// every split of Function at a dot is tried as well.
func (p FramePattern) Match(f Frame) bool {
	pkg, sym := splitFunctionName(f.Function)
	if matchSymbol(pkg, sym, p.Package, p.Function) {
		return true
	}
	prefix, rest := p.Package, p.Function
	for rest != "" {
		i := strings.IndexByte(rest, '.')
		if i < 0 {
			return inPackage(pkg, prefix+"."+rest)
		}
		prefix, rest = prefix+"."+rest[:i], rest[i+1:]
		if matchSymbol(pkg, sym, prefix, rest) {
			return true
		}
	}
	return false
}

func matchSymbol(pkg, sym, wantPkg, wantSym string) bool {
	if !inPackage(pkg, wantPkg) {
		return false
	}
	if wantSym == "" {
		return true
	}
	return sym == wantSym || strings.HasSuffix(sym, "."+wantSym)
}

// inPackage reports whether pkg is path or one of its subpackages.
func inPackage(pkg, path string) bool {
	return pkg == path || strings.HasPrefix(pkg, path+"/")
}

// MatchAllowlist reports whether any frame matches any pattern.
func MatchAllowlist(frames []Frame, allowlist []FramePattern) bool {
	for _, f := range frames {
		for _, p := range allowlist {
			if p.Match(f) {
				return true
			}
		}
	}
	return false
}

const allowlistCacheSize = 256

// allowlistGate caches MatchAllowlist verdicts per stack fingerprint, as a
// blocked loop tends to block in the same few places.
type allowlistGate struct {
	patterns []FramePattern
	verdicts *freelru.SyncedLRU[uint64, bool]
}

func newAllowlistGate(patterns []FramePattern) (*allowlistGate, error) {
	lru, err := freelru.NewSynced[uint64, bool](allowlistCacheSize, hashUint64)
	if err != nil {
		return nil, err
	}
	return &allowlistGate{patterns: patterns, verdicts: lru}, nil
}

func hashUint64(k uint64) uint32 {
	return uint32(k ^ (k >> 32))
}

// suppress reports whether sampling should be skipped for frames.
func (g *allowlistGate) suppress(frames []Frame) bool {
	if g == nil || len(g.patterns) == 0 {
		return false
	}
	key := fingerprint(frames)
	if v, ok := g.verdicts.Get(key); ok {
		return v
	}
	v := MatchAllowlist(frames, g.patterns)
	g.verdicts.Add(key, v)
	return v
}
