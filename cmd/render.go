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
	"context"
	"os"

	"github.com/binaek/cling"
	"github.com/binaek/ssrsandbox/config"
	"github.com/binaek/ssrsandbox/driver"
	"github.com/binaek/ssrsandbox/otel"
	"github.com/binaek/ssrsandbox/sandbox"
	"github.com/binaek/ssrsandbox/xerr"
)

// addRenderCmd wires the Driver (§4.G). Single-shot mode supplies
// --entry (and optionally --props); server mode is selected with
// --server and reads framed requests from stdin instead. Every flag
// here is read only from the CLI — no flag in this project chains
// FromEnv, since the sandbox's environment surface is zero (spec §6).
func addRenderCmd(cli *cling.CLI) {
	cli.WithCommand(
		cling.NewCommand("render", renderCmd).
			WithArgument(cling.NewStringCmdInput("chunks-dir").
				WithDescription("Directory all module resolution is confined beneath").
				AsArgument(),
			).
			WithFlag(cling.
				NewStringCmdInput("entry").
				WithDefault("").
				WithDescription("Entry module specifier for single-shot mode").
				AsFlag(),
			).
			WithFlag(cling.
				NewStringCmdInput("props").
				WithDefault("{}").
				WithDescription("Props JSON for single-shot mode").
				AsFlag(),
			).
			WithFlag(cling.
				NewBoolCmdInput("server").
				WithDefault(false).
				WithDescription("Run as a co-process reading framed requests from stdin").
				AsFlag(),
			).
			WithFlag(cling.
				NewIntCmdInput("max-heap-size").
				WithDefault(0).
				WithDescription("Heap limit in MB; 0 = unlimited").
				AsFlag(),
			).
			WithFlag(cling.
				NewIntCmdInput("timeout").
				WithDefault(0).
				WithDescription("Per-render wall-clock limit in ms; 0 = unlimited").
				AsFlag(),
			).
			WithFlag(cling.
				NewCmdSliceInput[string]("allow-origin").
				WithDefault([]string{}).
				WithDescription("Origin (scheme://host[:port]) to permit for fetch; repeatable").
				AsFlag(),
			).
			WithFlag(cling.
				NewStringCmdInput("log-level").
				WithDefault("info").
				WithValidator(cling.NewEnumValidator("debug", "info", "warn", "error")).
				WithDescription("Log level. One of: debug, info, warn, error").
				AsFlag(),
			).
			WithFlag(cling.
				NewBoolCmdInput("otel-enabled").
				WithDefault(false).
				WithDescription("Enable OpenTelemetry tracing").
				AsFlag(),
			).
			WithFlag(cling.
				NewStringCmdInput("otel-endpoint").
				WithDefault("http://localhost:4317").
				WithDescription("OpenTelemetry endpoint to send traces to").
				AsFlag(),
			).
			WithFlag(cling.
				NewStringCmdInput("otel-protocol").
				WithDefault("grpc").
				WithValidator(cling.NewEnumValidator("http", "grpc")).
				WithDescription("OpenTelemetry protocol. Allowed values: http, grpc.").
				AsFlag(),
			),
	)
}

type renderCmdArgs struct {
	ChunksDir    string   `cling-name:"chunks-dir"`
	Entry        string   `cling-name:"entry"`
	Props        string   `cling-name:"props"`
	Server       bool     `cling-name:"server"`
	MaxHeapSize  int      `cling-name:"max-heap-size"`
	Timeout      int      `cling-name:"timeout"`
	AllowOrigin  []string `cling-name:"allow-origin"`
	LogLevel     string   `cling-name:"log-level"`
	OtelEnabled  bool     `cling-name:"otel-enabled"`
	OtelEndpoint string   `cling-name:"otel-endpoint"`
	OtelProtocol string   `cling-name:"otel-protocol"`
}

func renderCmd(ctx context.Context, args []string) error {
	input := renderCmdArgs{}
	if err := cling.Hydrate(ctx, args, &input); err != nil {
		return err
	}

	applyLogLevel(input.LogLevel)

	if input.OtelEnabled {
		otelCleanup, err := otel.InitProvider(ctx, otel.Config{
			Enabled:        true,
			Endpoint:       input.OtelEndpoint,
			Protocol:       input.OtelProtocol,
			ServiceName:    "ssr-sandbox",
			ServiceVersion: "0.1.0",
		})
		if err != nil {
			return err
		}
		defer func() { _ = otelCleanup(context.WithoutCancel(ctx)) }()
	}

	cfg, err := config.New(input.ChunksDir, input.MaxHeapSize, int64(input.Timeout), input.AllowOrigin)
	if err != nil {
		return xerr.ErrArgument(err.Error())
	}

	host := sandbox.NewHost(cfg)

	if input.Server {
		return driver.Serve(ctx, host, os.Stdin, os.Stdout)
	}

	if input.Entry == "" {
		return xerr.ErrArgument("--entry is required outside --server mode")
	}
	return driver.RunOnce(ctx, host, input.Entry, input.Props, os.Stdout, os.Stderr)
}
