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

// Package xerr defines the error kinds the sandbox raises, every one of
// which maps to a row in the error handling table: resolver/loader
// failures, dispatcher failures, op-surface rejections and host-lifetime
// failures.
package xerr

import "github.com/pkg/errors"

type RemoteImportError struct{ specifier string }

func (e RemoteImportError) Error() string { return "remote import rejected: " + e.specifier }

func ErrRemoteImport(specifier string) error {
	return RemoteImportError{specifier: specifier}
}

type PathTraversalError struct{ path, root string }

func (e PathTraversalError) Error() string {
	return "path traversal: " + e.path + " escapes root " + e.root
}

func ErrPathTraversal(path, root string) error {
	return PathTraversalError{path: path, root: root}
}

type NotFoundError struct{ path string }

func (e NotFoundError) Error() string { return "not found: " + e.path }

func ErrNotFound(path string) error {
	return NotFoundError{path: path}
}

type LoadIOError struct{ path string }

func (e LoadIOError) Error() string { return "load failed: " + e.path }

func ErrLoadIO(path string, cause error) error {
	return errors.Wrap(LoadIOError{path: path}, cause.Error())
}

type NoRenderExportError struct{ entry string }

func (e NoRenderExportError) Error() string {
	return "no callable default or render export: " + e.entry
}

func ErrNoRenderExport(entry string) error {
	return NoRenderExportError{entry: entry}
}

type ModulePreviouslyFailedError struct {
	entry  string
	reason string
}

func (e ModulePreviouslyFailedError) Error() string {
	return "module previously failed: " + e.entry + ": " + e.reason
}

func ErrModulePreviouslyFailed(entry, reason string) error {
	return ModulePreviouslyFailedError{entry: entry, reason: reason}
}

type RenderError struct{ message string }

func (e RenderError) Error() string { return e.message }

func ErrRender(message string) error {
	return RenderError{message: message}
}

type OriginNotAllowedError struct{ origin string }

func (e OriginNotAllowedError) Error() string { return "origin not allowed: " + e.origin }

func ErrOriginNotAllowed(origin string) error {
	return OriginNotAllowedError{origin: origin}
}

type TimeoutError struct{}

func (e TimeoutError) Error() string { return "render timed out" }

var ErrTimeout error = TimeoutError{}

type HeapExhaustedError struct{}

func (e HeapExhaustedError) Error() string { return "heap limit exceeded" }

var ErrHeapExhausted error = HeapExhaustedError{}

type BootstrapError struct{}

func (e BootstrapError) Error() string { return "runtime bootstrap failed" }

func ErrBootstrap(cause error) error {
	return errors.Wrap(BootstrapError{}, cause.Error())
}

type ArgumentError struct{ reason string }

func (e ArgumentError) Error() string { return "argument error: " + e.reason }

func ErrArgument(reason string) error {
	return ArgumentError{reason: reason}
}

// Kind maps err to its spec-level kind name. The Host prefixes module
// import failures with it, so the name is carried in the message the
// dispatcher's error cache stores (keyed by entry) and in Status:Error
// bodies; the Driver also records it as a span's outcome.
func Kind(err error) string {
	switch errors.Cause(err).(type) {
	case RemoteImportError:
		return "RemoteImport"
	case PathTraversalError:
		return "PathTraversal"
	case NotFoundError:
		return "NotFound"
	case LoadIOError:
		return "LoadIO"
	case NoRenderExportError:
		return "NoRenderExport"
	case ModulePreviouslyFailedError:
		return "ModulePreviouslyFailed"
	case RenderError:
		return "RenderError"
	case OriginNotAllowedError:
		return "OriginNotAllowed"
	case TimeoutError:
		return "Timeout"
	case HeapExhaustedError:
		return "HeapExhausted"
	case BootstrapError:
		return "BootstrapError"
	case ArgumentError:
		return "ArgumentError"
	default:
		return "Unknown"
	}
}
