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

// Package sandbox is the Isolate Host (§4.E): it owns the single goja
// runtime, installs the Op Surface and bootstrap, enforces the heap and
// wall-clock limits, and is the sole caller of user code.
package sandbox

import (
	"context"
	_ "embed"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/binaek/ssrsandbox/config"
	"github.com/binaek/ssrsandbox/loader"
	"github.com/binaek/ssrsandbox/xerr"
	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
)

//go:embed bootstrap.js
var bootstrapSource string

// heapPollInterval bounds how quickly a heap-limit violation is noticed.
// The check is racy by design (spec §4.E): committed heap may cross
// max_heap_bytes slightly before the watchdog observes it.
const heapPollInterval = 5 * time.Millisecond

// Host is the Isolate Host. A Host is not safe for concurrent Render
// calls (spec §5: renders on a Host are strictly serial); callers must
// serialize their own access.
type Host struct {
	cfg     *config.Sandbox
	ldr     *loader.Loader
	surface *Surface

	vm           *goja.Runtime
	programCache map[string]*goja.Program
	exportsCache map[string]*goja.Object

	mu         sync.Mutex
	currentCtx context.Context
}

// NewHost builds a Host bound to a sandbox configuration. The runtime
// itself is not constructed until the first Render call (spec §4.E:
// "ensure_runtime() lazily constructs a fresh runtime when none
// exists").
func NewHost(cfg *config.Sandbox) *Host {
	return &Host{
		cfg:     cfg,
		ldr:     loader.New(cfg.RootDir, 256),
		surface: NewSurface(cfg),
	}
}

// RenderResult is the successful outcome of a render.
type RenderResult struct {
	Body    string
	Console []ConsoleLine
	// ColdStart reports whether this render paid for a fresh runtime
	// generation (the previous one was never built, or was torn down
	// by a prior Timeout/HeapExhausted) rather than reusing a warm VM.
	ColdStart bool
}

// Render implements the single public Host operation (spec §4.E).
func (h *Host) Render(ctx context.Context, entry string, props interface{}) (*RenderResult, error) {
	coldStart := h.vm == nil
	if err := h.ensureRuntime(); err != nil {
		return nil, xerr.ErrBootstrap(err)
	}

	renderCtx := ctx
	var cancel context.CancelFunc
	if h.cfg.MaxRenderMS > 0 {
		renderCtx, cancel = context.WithTimeout(ctx, time.Duration(h.cfg.MaxRenderMS)*time.Millisecond)
		defer cancel()
	}
	h.mu.Lock()
	h.currentCtx = renderCtx
	h.mu.Unlock()

	// Begin after renderCtx exists: fetch_do binds its HTTP request to
	// this context, so a render's outbound calls must inherit the same
	// deadline the watchdog enforces, not the caller's un-bounded ctx.
	sink := h.surface.Begin(renderCtx)

	stopWatchdog, heapTripped, timeoutTripped := h.startWatchdog(renderCtx)
	defer stopWatchdog()

	renderFn, ok := goja.AssertFunction(h.vm.Get("__ssr_internal_render__"))
	if !ok {
		h.teardown()
		return nil, xerr.ErrBootstrap(fmt.Errorf("__ssr_internal_render__ is not callable"))
	}

	resultVal, callErr := renderFn(goja.Undefined(), h.vm.ToValue(entry), h.vm.ToValue(props))

	if *heapTripped {
		h.teardown()
		return nil, xerr.ErrHeapExhausted
	}
	if *timeoutTripped {
		h.teardown()
		return nil, xerr.ErrTimeout
	}
	if callErr != nil {
		return nil, xerr.ErrRender(callErr.Error())
	}

	body, err := h.settle(resultVal)
	if err != nil {
		if *heapTripped {
			h.teardown()
			return nil, xerr.ErrHeapExhausted
		}
		if *timeoutTripped {
			h.teardown()
			return nil, xerr.ErrTimeout
		}
		return nil, xerr.ErrRender(err.Error())
	}

	return &RenderResult{Body: body, Console: sink.Lines(), ColdStart: coldStart}, nil
}

// settle resolves resultVal, which may be a plain value or a native
// goja Promise produced by an async render function or by the
// bootstrap's own Promise-returning closure. goja drains its job queue
// synchronously within the call that produced resultVal, so a pending
// state here can only mean the runtime was interrupted mid-flight.
func (h *Host) settle(v goja.Value) (string, error) {
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return coerceBody(p.Result()), nil
		case goja.PromiseStateRejected:
			return "", fmt.Errorf("%v", p.Result())
		default:
			return "", fmt.Errorf("render did not settle")
		}
	}
	return coerceBody(v), nil
}

func coerceBody(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// startWatchdog arms the deadline and heap watchdogs (spec §5: "a
// second OS thread may exist as a deadline watchdog whose sole
// permitted action is to signal the engine to terminate"). Grounded on
// the ctx.Done()-to-vm.Interrupt() pattern used for JS execution
// timeouts across the example corpus.
func (h *Host) startWatchdog(ctx context.Context) (stop func(), heapTripped, timeoutTripped *bool) {
	done := make(chan struct{})
	heapTripped = new(bool)
	timeoutTripped = new(bool)

	// bound to this generation's VM: teardown may clear h.vm before stop runs
	vm := h.vm
	vm.ClearInterrupt()

	go func() {
		select {
		case <-ctx.Done():
			*timeoutTripped = true
			vm.Interrupt("timeout")
		case <-done:
		}
	}()

	var heapDone chan struct{}
	if h.cfg.MaxHeapBytes > 0 {
		heapDone = make(chan struct{})
		go func() {
			ticker := time.NewTicker(heapPollInterval)
			defer ticker.Stop()
			var stats goruntime.MemStats
			for {
				select {
				case <-ticker.C:
					goruntime.ReadMemStats(&stats)
					if int64(stats.HeapAlloc) >= h.cfg.MaxHeapBytes {
						*heapTripped = true
						vm.Interrupt("heap exhausted")
						return
					}
				case <-heapDone:
					return
				}
			}
		}()
	}

	return func() {
		close(done)
		if heapDone != nil {
			close(heapDone)
		}
		vm.ClearInterrupt()
	}, heapTripped, timeoutTripped
}

// teardown discards the runtime and its caches (spec §4.E / §3
// "runtime generation"); the next Render call rebuilds lazily.
func (h *Host) teardown() {
	h.vm = nil
	h.programCache = nil
	h.exportsCache = nil
	h.ldr = loader.New(h.cfg.RootDir, 256)
}

// ensureRuntime lazily constructs a fresh runtime, installs the Op
// Surface, and runs the bootstrap script exactly once per generation
// (spec §4.D, §4.E).
func (h *Host) ensureRuntime() error {
	if h.vm != nil {
		return nil
	}

	vm := goja.New()
	h.programCache = map[string]*goja.Program{}
	h.exportsCache = map[string]*goja.Object{}
	h.vm = vm

	ops, err := h.surface.Install(vm)
	if err != nil {
		h.teardown()
		return err
	}
	if err := vm.Set("__host_ops__", ops); err != nil {
		h.teardown()
		return err
	}

	nativeImport := func(call goja.FunctionCall) goja.Value {
		specifier := call.Argument(0).String()
		ex, err := h.requireModule(h.renderCtx(), "", specifier)
		if err != nil {
			panic(importError(vm, err))
		}
		return ex
	}
	if err := vm.Set("__native_import__", nativeImport); err != nil {
		h.teardown()
		return err
	}

	if _, err := vm.RunString(bootstrapSource); err != nil {
		h.teardown()
		return err
	}

	return nil
}

// importError turns a module import failure into the JS error thrown at
// the import site, prefixed with its xerr kind name (e.g.
// "PathTraversal: ...") so the kind survives into the render error,
// the dispatcher's error cache and Status:Error bodies.
func importError(vm *goja.Runtime, err error) *goja.Object {
	if kind := xerr.Kind(err); kind != "Unknown" {
		err = fmt.Errorf("%s: %w", kind, err)
	}
	return vm.NewGoError(err)
}

func (h *Host) renderCtx() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentCtx != nil {
		return h.currentCtx
	}
	return context.Background()
}

// requireModule resolves, loads, transpiles and evaluates a module,
// wiring it into the VM exactly the way the teacher's AliasRuntime.Require
// wires a CommonJS require: the compiled module body is invoked as
// `(require, module, exports) => {...}`, with `require` passed
// directly as a call argument rather than installed as a transient
// global (spec modules are ES; esbuild lowers them to this same
// factory shape, so one require mechanism serves both the top-level
// entry and every nested static or dynamic import).
func (h *Host) requireModule(ctx context.Context, fromDir, specifier string) (*goja.Object, error) {
	id, err := h.ldr.Resolve(ctx, specifier, fromDir)
	if err != nil {
		return nil, err
	}

	if ex, ok := h.exportsCache[id]; ok {
		return ex, nil
	}

	program, ok := h.programCache[id]
	if !ok {
		src, err := h.ldr.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		code, err := transpileModule(id, src)
		if err != nil {
			return nil, err
		}
		program, err = goja.Compile(id, wrapAsFactory(code), true)
		if err != nil {
			return nil, err
		}
		h.programCache[id] = program
	}

	moduleObj := h.vm.NewObject()
	exportsObj := h.vm.NewObject()
	_ = moduleObj.Set("exports", exportsObj)

	// placeholder for circular imports, same as the teacher's pattern
	h.exportsCache[id] = exportsObj

	fnVal, err := h.vm.RunProgram(program)
	if err != nil {
		delete(h.exportsCache, id)
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		delete(h.exportsCache, id)
		return nil, fmt.Errorf("module %s did not evaluate to a function", id)
	}

	childDir := loader.Dir(id)
	childRequire := func(call goja.FunctionCall) goja.Value {
		childSpec := call.Argument(0).String()
		ex, err := h.requireModule(ctx, childDir, childSpec)
		if err != nil {
			panic(importError(h.vm, err))
		}
		return ex
	}

	if _, err := fn(fnVal, h.vm.ToValue(childRequire), moduleObj, exportsObj); err != nil {
		delete(h.exportsCache, id)
		return nil, err
	}

	final := moduleObj.Get("exports").ToObject(h.vm)
	h.exportsCache[id] = final
	return final, nil
}

// transpileModule lowers ESM (or plain JS, which passes through
// unchanged) to CommonJS so it can run as a require(...)-style factory
// inside goja, mirroring the teacher's TranspileTS but without the
// TypeScript loader branch — spec §4.B scopes modules to ES-module
// JS/JSX, never TypeScript.
func transpileModule(id string, source []byte) (string, error) {
	res := api.Transform(string(source), api.TransformOptions{
		Loader:           loaderFor(id),
		Target:           api.ES2019,
		Format:           api.FormatCommonJS,
		Platform:         api.PlatformDefault,
		LegalComments:    api.LegalCommentsNone,
		SourcesContent:   api.SourcesContentExclude,
		Charset:          api.CharsetUTF8,
		MinifyWhitespace: false,
	})
	if len(res.Errors) > 0 {
		return "", xerr.ErrRender(fmt.Sprintf("esbuild: %s", res.Errors[0].Text))
	}
	return string(res.Code), nil
}

func loaderFor(id string) api.Loader {
	if len(id) >= 4 && id[len(id)-4:] == ".jsx" {
		return api.LoaderJSX
	}
	return api.LoaderJS
}

// wrapAsFactory mirrors the teacher's WrapAsIIFE: compile every module
// to a callable `(require, module, exports) => {...}` factory so the
// Host can invoke it with a VM-scoped require and CJS module/exports.
func wrapAsFactory(js string) string {
	return "(function(require, module, exports) {\n" + js + "\n})"
}
