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

package cmd

import (
	"log/slog"
	"os"
)

// level backs the process's single logger; it starts at Info and is
// adjusted once --log-level is parsed (spec §6: no environment
// variables are consulted, so this can only ever be set from a flag).
var level = &slog.LevelVar{}

// NewDefaultLogger builds the process logger. Logs go to stderr, never
// stdout — stdout carries the single-shot render body or the server's
// line protocol, and a stray log line would corrupt either framing.
func NewDefaultLogger() *slog.Logger {
	level.Set(slog.LevelInfo)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	})
	return slog.New(handler)
}

func applyLogLevel(raw string) {
	switch raw {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}
