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

package loader

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/binaek/ssrsandbox/perch"
	"github.com/binaek/ssrsandbox/xerr"
)

// resolveMemoTTL and readMemoTTL are deliberately long: a module's
// resolved id and bytes cannot change for the life of a runtime
// generation (spec §3, module identifier lifecycle), so memoization
// only needs to outlive a single render, not be globally fresh.
const (
	resolveMemoTTL = time.Hour
	readMemoTTL    = time.Hour
)

// Loader resolves and reads module source for one runtime generation.
// It is the only component that touches the filesystem on the engine's
// behalf; every specifier — the initial entry and every nested static
// or dynamic import — passes through Resolve before Read ever runs.
type Loader struct {
	resolver *Resolver

	resolveCache *perch.Perch[string]
	readCache    *perch.Perch[[]byte]
}

// New builds a Loader bound to root. capacity bounds the number of
// distinct (referrer,specifier) resolutions and distinct module bodies
// memoized at once — generous defaults are fine since a runtime
// generation's whole module graph is reclaimed on teardown anyway.
func New(root string, capacity int) *Loader {
	if capacity <= 0 {
		capacity = 256
	}
	return &Loader{
		resolver:     NewResolver(root),
		resolveCache: perch.New[string](capacity),
		readCache:    perch.New[[]byte](capacity),
	}
}

// Resolve memoizes Resolver.Resolve by the (referrerDir, specifier) pair.
func (l *Loader) Resolve(ctx context.Context, specifier, referrerDir string) (string, error) {
	key := referrerDir + "\x00" + specifier
	return l.resolveCache.Get(ctx, key, resolveMemoTTL, func(_ context.Context, _ string) (string, error) {
		return l.resolver.Resolve(specifier, referrerDir)
	})
}

// Load reads the resolved id's source bytes, memoized by id. id must
// have been produced by Resolve (spec §4.B).
func (l *Loader) Load(ctx context.Context, id string) ([]byte, error) {
	return l.readCache.Get(ctx, id, readMemoTTL, func(_ context.Context, id string) ([]byte, error) {
		b, err := os.ReadFile(id)
		if err != nil {
			return nil, xerr.ErrLoadIO(id, err)
		}
		return b, nil
	})
}

// Dir returns the directory a specifier resolved beneath id should use
// as its own referrerDir for further relative resolution.
func Dir(id string) string {
	return filepath.Dir(id)
}
