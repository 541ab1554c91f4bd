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

package driver

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/binaek/ssrsandbox/config"
	"github.com/binaek/ssrsandbox/sandbox"
	"github.com/stretchr/testify/require"
)

func TestProtocolRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOk(&buf, "hello"))
	require.Equal(t, "Status:Ok\nLength:5\n\nhello", buf.String())
}

func TestProtocolErrorFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, "boom"))
	require.Equal(t, "Status:Error\nLength:4\n\nboom", buf.String())
}

func TestReadRequest(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("entry.js\n{\"a\":1}\n"))
	req, err := ReadRequest(r)
	require.NoError(t, err)
	require.Equal(t, "entry.js", req.Entry)
	require.Equal(t, `{"a":1}`, req.PropsJSON)
}

func TestReadRequestEOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	_, err := ReadRequest(r)
	require.ErrorIs(t, err, io.EOF)
}

func newDriverTestHost(t *testing.T) *sandbox.Host {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "entry.js"),
		[]byte(`export default (p) => "hello " + p.name;`), 0o644))
	cfg, err := config.New(root, 0, 0, nil)
	require.NoError(t, err)
	return sandbox.NewHost(cfg)
}

func TestRunOnce(t *testing.T) {
	host := newDriverTestHost(t)
	var stdout, stderr bytes.Buffer

	err := RunOnce(context.Background(), host, "entry.js", `{"name":"Ada"}`, &stdout, &stderr)
	require.NoError(t, err)
	require.Equal(t, "hello Ada", stdout.String())
}

func TestServeHandlesSequentialRequests(t *testing.T) {
	host := newDriverTestHost(t)

	in := strings.NewReader("entry.js\n{\"name\":\"Ada\"}\nentry.js\n{\"name\":\"Bob\"}\n")
	var out bytes.Buffer

	err := Serve(context.Background(), host, in, &out)
	require.NoError(t, err)

	responses := out.String()
	require.Contains(t, responses, "Status:Ok\nLength:9\n\nhello Ada")
	require.Contains(t, responses, "Status:Ok\nLength:9\n\nhello Bob")
}

func TestServeSurfacesRenderErrorsWithoutExiting(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "entry.js"),
		[]byte(`export default () => { throw new Error("boom"); };`), 0o644))
	cfg, err := config.New(root, 0, 0, nil)
	require.NoError(t, err)
	host := sandbox.NewHost(cfg)

	in := strings.NewReader("entry.js\n{}\n")
	var out bytes.Buffer

	err = Serve(context.Background(), host, in, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "Status:Error")
	require.Contains(t, out.String(), "boom")
}
