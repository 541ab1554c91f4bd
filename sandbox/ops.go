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

package sandbox

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/binaek/ssrsandbox/config"
	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// ConsoleLine is one buffered console call, tagged by level.
type ConsoleLine struct {
	Level string
	Text  string
}

// ConsoleSink collects the console lines of exactly one render (spec
// §4.C: "append a pre-formatted line to the per-render console
// buffer"). A fresh sink is installed before every render so that
// lines from render N never leak into N-1 or N+1 (spec §5 ordering
// guarantee).
type ConsoleSink struct {
	mu    sync.Mutex
	lines []ConsoleLine
}

func (c *ConsoleSink) append(level, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, ConsoleLine{Level: level, Text: text})
}

// Lines returns the buffered lines in emission order.
func (c *ConsoleSink) Lines() []ConsoleLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConsoleLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// renderState is the per-render context the Op Surface reads from; the
// Host swaps it in before invoking the render entry and reads the sink
// back out afterward.
type renderState struct {
	ctx  context.Context
	sink *ConsoleSink
}

// Surface is the Op Surface (§4.C): the fixed set of host-provided
// primitives and nothing else. It is installed into the runtime as a
// single namespace object that the bootstrap script consumes and then
// deletes (§4.D).
type Surface struct {
	cfg    *config.Sandbox
	client *http.Client

	mu    sync.Mutex
	state *renderState
}

// NewSurface builds an Op Surface bound to a sandbox configuration. The
// HTTP client's CheckRedirect enforces the spec's "redirects only
// followed when the target origin matches the request origin" rule
// (§4.C, supplemented in SPEC_FULL §3.2) — independent of, and in
// addition to, the initial allowlist check.
func NewSurface(cfg *config.Sandbox) *Surface {
	s := &Surface{cfg: cfg}
	s.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) == 0 {
				return nil
			}
			reqOrigin, err := config.NormalizeOrigin(originOf(req.URL.String()))
			if err != nil {
				return http.ErrUseLastResponse
			}
			prevOrigin, err := config.NormalizeOrigin(originOf(via[0].URL.String()))
			if err != nil {
				return http.ErrUseLastResponse
			}
			if reqOrigin != prevOrigin {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return s
}

func originOf(rawURL string) string {
	// scheme://host[:port] is exactly the URL's prefix up to (and
	// excluding) the first path/query/fragment character once the
	// "://" separator has been found.
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rawURL[:idx+3] + rest
}

// Begin installs a fresh render state and returns its console sink so
// the Host can read lines back out once the render settles.
func (s *Surface) Begin(ctx context.Context) *ConsoleSink {
	sink := &ConsoleSink{}
	s.mu.Lock()
	s.state = &renderState{ctx: ctx, sink: sink}
	s.mu.Unlock()
	return sink
}

func (s *Surface) current() *renderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Install registers the Op Surface as a single flat namespace object on
// the runtime (console_*, crypto_*, btoa/atob, fetch_do, performance_now),
// installed group by group the way the teacher's builtin_*.go files
// each export one self-contained capability, but combined into one
// object since the bootstrap expects one `__host_ops__` handle to
// delete after setup (§4.D). performance_now reports milliseconds
// elapsed since this call, i.e. since runtime construction.
func (s *Surface) Install(vm *goja.Runtime) (*goja.Object, error) {
	ops := vm.NewObject()

	start := time.Now()
	_ = ops.Set("performance_now", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(float64(time.Since(start).Nanoseconds()) / 1e6)
	})

	if err := installConsoleOps(vm, ops, s); err != nil {
		return nil, err
	}
	if err := installCryptoOps(vm, ops); err != nil {
		return nil, err
	}
	if err := installBase64Ops(vm, ops); err != nil {
		return nil, err
	}
	if err := installFetchOp(vm, ops, s); err != nil {
		return nil, err
	}

	return ops, nil
}

func installConsoleOps(vm *goja.Runtime, ops *goja.Object, s *Surface) error {
	logger := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			st := s.current()
			if st == nil {
				return goja.Undefined()
			}
			text := call.Argument(0).String()
			st.sink.append(level, text)
			return goja.Undefined()
		}
	}
	_ = ops.Set("console_log", logger("log"))
	_ = ops.Set("console_warn", logger("warn"))
	_ = ops.Set("console_error", logger("error"))
	return nil
}

func installCryptoOps(vm *goja.Runtime, ops *goja.Object) error {
	_ = ops.Set("crypto_random_uuid", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(uuid.New().String())
	})

	// Returns a plain array of byte values; the bootstrap's
	// crypto.getRandomValues(view) shim copies them back into the
	// caller-supplied ArrayBufferView. Mutating a goja typed array's
	// backing buffer in place from a Go builtin is not something this
	// project could verify without compiling, so the op surface stays
	// value-returning like every other op here.
	_ = ops.Set("crypto_get_random_values", func(call goja.FunctionCall) goja.Value {
		n := int(call.Argument(0).ToInteger())
		if n < 0 || n > 1<<20 {
			return vm.NewGoError(errors.New("crypto_get_random_values: invalid length"))
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return vm.NewGoError(err)
		}
		out := make([]interface{}, n)
		for i, b := range buf {
			out[i] = int(b)
		}
		return vm.ToValue(out)
	})

	_ = ops.Set("crypto_subtle_digest", func(call goja.FunctionCall) goja.Value {
		alg := normalizeDigestAlg(call.Argument(0).String())
		data, err := exportByteArray(call.Argument(1))
		if err != nil {
			return vm.NewGoError(err)
		}

		var sum []byte
		switch alg {
		case "sha-1":
			h := sha1.Sum(data)
			sum = h[:]
		case "sha-256":
			h := sha256.Sum256(data)
			sum = h[:]
		case "sha-384":
			h := sha512.Sum384(data)
			sum = h[:]
		case "sha-512":
			h := sha512.Sum512(data)
			sum = h[:]
		default:
			return vm.NewGoError(errors.New("unsupported digest algorithm: " + alg))
		}

		out := make([]interface{}, len(sum))
		for i, b := range sum {
			out[i] = int(b)
		}
		return vm.ToValue(out)
	})

	return nil
}

func normalizeDigestAlg(alg string) string {
	alg = strings.ToLower(strings.ReplaceAll(alg, "-", ""))
	switch alg {
	case "sha1":
		return "sha-1"
	case "sha256":
		return "sha-256"
	case "sha384":
		return "sha-384"
	case "sha512":
		return "sha-512"
	default:
		return alg
	}
}

// exportByteArray accepts either a plain array of numbers (0-255) or a
// Go []byte/string export and returns the underlying bytes.
func exportByteArray(v goja.Value) ([]byte, error) {
	exported := v.Export()
	switch t := exported.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case []interface{}:
		buf := make([]byte, len(t))
		for i, item := range t {
			n, ok := toInt(item)
			if !ok {
				return nil, errors.New("invalid byte value at index " + strconv.Itoa(i))
			}
			buf[i] = byte(n)
		}
		return buf, nil
	default:
		return nil, errors.New("unsupported byte source")
	}
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func installBase64Ops(vm *goja.Runtime, ops *goja.Object) error {
	_ = ops.Set("btoa", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		for _, r := range s {
			if r > 0xFF {
				return vm.NewGoError(errors.New("InvalidCharacterError"))
			}
		}
		raw := make([]byte, len(s))
		for i, r := range s {
			raw[i] = byte(r)
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(raw))
	})

	_ = ops.Set("atob", func(call goja.FunctionCall) goja.Value {
		s := call.Argument(0).String()
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return vm.NewGoError(errors.New("InvalidCharacterError"))
		}
		out := make([]rune, len(raw))
		for i, b := range raw {
			out[i] = rune(b)
		}
		return vm.ToValue(string(out))
	})

	return nil
}

func installFetchOp(vm *goja.Runtime, ops *goja.Object, s *Surface) error {
	_ = ops.Set("fetch_do", func(call goja.FunctionCall) goja.Value {
		st := s.current()
		if st == nil {
			panic(vm.NewGoError(errors.New("fetch called outside a render")))
		}

		reqObj := call.Argument(0).Export()
		m, ok := reqObj.(map[string]interface{})
		if !ok {
			panic(vm.NewGoError(errors.New("fetch: invalid request descriptor")))
		}

		rawURL, _ := m["url"].(string)
		origin, err := config.NormalizeOrigin(originOf(rawURL))
		if err != nil || !s.cfg.OriginAllowed(origin) {
			panic(vm.NewGoError(errors.New("OriginNotAllowed: " + rawURL)))
		}

		method, _ := m["method"].(string)
		if method == "" {
			method = "GET"
		}
		var body io.Reader
		if b, ok := m["body"].(string); ok && b != "" {
			body = strings.NewReader(b)
		}

		httpReq, err := http.NewRequestWithContext(st.ctx, method, rawURL, body)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if headers, ok := m["headers"].(map[string]interface{}); ok {
			for k, v := range headers {
				if sv, ok := v.(string); ok {
					httpReq.Header.Set(k, sv)
				}
			}
		}

		resp, err := s.client.Do(httpReq)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			panic(vm.NewGoError(err))
		}

		headers := map[string]interface{}{}
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}

		result := map[string]interface{}{
			"status":      resp.StatusCode,
			"status_text": resp.Status,
			"headers":     headers,
			"url":         resp.Request.URL.String(),
			"body":        string(respBody),
		}
		return vm.ToValue(result)
	})

	return nil
}
