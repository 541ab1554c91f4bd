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
	"os"
	"path/filepath"
	"testing"

	"github.com/binaek/ssrsandbox/xerr"
	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	real, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return real
}

func TestResolverRemoteScheme(t *testing.T) {
	root := newTestRoot(t)
	r := NewResolver(root)

	for _, specifier := range []string{
		"https://x.example/y.js",
		"http://x.example/y.js",
		"data:text/javascript,alert(1)",
		"file://host/etc/passwd",
	} {
		_, err := r.Resolve(specifier, "")
		require.Error(t, err)
		require.Equal(t, "RemoteImport", xerr.Kind(err))
	}
}

func TestResolverTraversal(t *testing.T) {
	root := newTestRoot(t)
	outside := filepath.Join(filepath.Dir(root), "outside.js")
	require.NoError(t, os.WriteFile(outside, []byte("export default () => 'x'"), 0o644))
	defer os.Remove(outside)

	r := NewResolver(root)
	_, err := r.Resolve("../outside.js", root)
	require.Error(t, err)
	require.Equal(t, "PathTraversal", xerr.Kind(err))
}

func TestResolverNotFound(t *testing.T) {
	root := newTestRoot(t)
	r := NewResolver(root)

	_, err := r.Resolve("missing.js", "")
	require.Error(t, err)
	require.Equal(t, "NotFound", xerr.Kind(err))
}

func TestResolverRejectsUnknownExtension(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "entry.cjs"), []byte("module.exports = {}"), 0o644))

	r := NewResolver(root)
	_, err := r.Resolve("entry.cjs", "")
	require.Error(t, err)
	require.Equal(t, "NotFound", xerr.Kind(err))
}

func TestResolverAcceptsRelativeAndAbsolute(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pages"), 0o755))
	entry := filepath.Join(root, "entry.js")
	page := filepath.Join(root, "pages", "page.js")
	require.NoError(t, os.WriteFile(entry, []byte("export default () => 'x'"), 0o644))
	require.NoError(t, os.WriteFile(page, []byte("export default () => 'y'"), 0o644))

	r := NewResolver(root)

	id, err := r.Resolve("entry.js", "")
	require.NoError(t, err)
	require.Equal(t, entry, id)

	id2, err := r.Resolve("./pages/page.js", root)
	require.NoError(t, err)
	require.Equal(t, page, id2)
}

func TestResolverFollowsSymlinkOutOfRoot(t *testing.T) {
	root := newTestRoot(t)
	outsideDir := t.TempDir()
	outsideFile := filepath.Join(outsideDir, "evil.js")
	require.NoError(t, os.WriteFile(outsideFile, []byte("export default () => 'evil'"), 0o644))

	link := filepath.Join(root, "link.js")
	require.NoError(t, os.Symlink(outsideFile, link))

	r := NewResolver(root)
	_, err := r.Resolve("link.js", "")
	require.Error(t, err)
	require.Equal(t, "PathTraversal", xerr.Kind(err))
}
