// SPDX-License-Identifier: Apache-2.0
//
// Copyright 2025 Binaek Sarkar
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loader implements the confined ES module graph: the Path
// Resolver (canonicalize-or-reject against a fixed root) and the Module
// Loader (read resolved ids, memoized via perch).
package loader

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/binaek/ssrsandbox/xerr"
)

// allowedExt is the ES-module-compatible extension allowlist. The
// resolver never infers an extension — the specifier must name the
// file explicitly (spec §4.A tie-break).
var allowedExt = map[string]struct{}{
	".js":  {},
	".mjs": {},
	".jsx": {},
}

// remoteScheme matches a specifier that names a URL with a scheme other
// than a plain relative/absolute filesystem path: http(s), a file: URL
// with a host, data:, or any other bare "scheme:" prefix.
var remoteScheme = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// Resolver canonicalizes specifiers against a fixed, symlink-resolved
// root directory. It is stateless; the Module Loader memoizes on top
// of it.
type Resolver struct {
	Root string // canonical absolute root directory
}

// NewResolver builds a Resolver bound to a canonical root. Callers must
// pass an already symlink-resolved, absolute directory (see config.New).
func NewResolver(root string) *Resolver {
	return &Resolver{Root: root}
}

// Resolve implements spec §4.A: remote-scheme rejection, relative/
// absolute join against referrerDir (or Root when referrerDir is
// empty), symlink canonicalization, containment, and existence/type
// checks, in that order.
func (r *Resolver) Resolve(specifier, referrerDir string) (string, error) {
	if looksRemote(specifier) {
		return "", xerr.ErrRemoteImport(specifier)
	}

	var joined string
	if filepath.IsAbs(specifier) {
		joined = specifier
	} else if referrerDir != "" {
		joined = filepath.Join(referrerDir, specifier)
	} else {
		joined = filepath.Join(r.Root, specifier)
	}
	joined = filepath.Clean(joined)

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// a target that cannot be canonicalized is still checked for
		// containment lexically, so an escape is never reported as NotFound
		if !withinRoot(r.Root, joined) {
			return "", xerr.ErrPathTraversal(joined, r.Root)
		}
		return "", xerr.ErrNotFound(specifier)
	}

	if !withinRoot(r.Root, real) {
		return "", xerr.ErrPathTraversal(real, r.Root)
	}

	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return "", xerr.ErrNotFound(specifier)
	}

	ext := strings.ToLower(filepath.Ext(real))
	if _, ok := allowedExt[ext]; !ok {
		return "", xerr.ErrNotFound(specifier)
	}

	return real, nil
}

func looksRemote(specifier string) bool {
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") {
		return false
	}
	if filepath.IsAbs(specifier) {
		return false
	}
	// A bare "C:\..." Windows drive letter would also match the regex;
	// this sandbox only ever runs against POSIX-style chunks-dirs, so
	// that ambiguity is accepted.
	return remoteScheme.MatchString(specifier)
}

func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}
