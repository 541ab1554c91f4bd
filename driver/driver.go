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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/binaek/ssrsandbox/sandbox"
	"github.com/binaek/ssrsandbox/xerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// tracer is a no-op unless otel.InitProvider has installed a real
// TracerProvider; every render still gets a span either way, it just
// goes nowhere until tracing is enabled.
var tracer = otel.Tracer("github.com/binaek/ssrsandbox/driver")

// traceRender wraps one Host.Render call in a "render.request" span
// (SPEC_FULL.md otel row: attributes entry, outcome, cold_start).
func traceRender(ctx context.Context, host *sandbox.Host, entry string, props interface{}) (*sandbox.RenderResult, error) {
	ctx, span := tracer.Start(ctx, "render.request")
	defer span.End()

	span.SetAttributes(attribute.String("entry", entry))

	res, err := host.Render(ctx, entry, props)

	outcome := "ok"
	if err != nil {
		outcome = xerr.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if res != nil {
		span.SetAttributes(attribute.Bool("cold_start", res.ColdStart))
	}

	return res, err
}

// RunOnce implements single-shot mode (§4.G): one render, body to
// stdout, console lines to stderr.
func RunOnce(ctx context.Context, host *sandbox.Host, entry, propsJSON string, stdout, stderr io.Writer) error {
	props, err := decodeProps(propsJSON)
	if err != nil {
		return xerr.ErrArgument(err.Error())
	}

	res, err := traceRender(ctx, host, entry, props)
	if err != nil {
		return err
	}

	for _, line := range res.Console {
		fmt.Fprintf(stderr, "[%s] %s\n", line.Level, line.Text)
	}
	_, err = io.WriteString(stdout, res.Body)
	return err
}

// Serve implements co-process mode (§4.G, §6): reads framed requests
// from stdin, writes framed responses to stdout, until EOF. Reading
// the next request is run on its own goroutine so that an external
// shutdown signal (ctx cancellation) can interrupt a blocked read
// between requests instead of waiting indefinitely on stdin.
func Serve(ctx context.Context, host *sandbox.Host, stdin io.Reader, stdout io.Writer) error {
	r := bufio.NewReader(stdin)

	for {
		req, err := readRequestCancelable(ctx, r)
		if err == io.EOF {
			return nil
		}
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil
		}
		if err != nil {
			return err
		}

		if err := handleRequest(ctx, host, req, stdout); err != nil {
			slog.ErrorContext(ctx, "failed writing response", slog.Any("error", err))
			return err
		}
	}
}

func handleRequest(ctx context.Context, host *sandbox.Host, req *Request, stdout io.Writer) error {
	props, err := decodeProps(req.PropsJSON)
	if err != nil {
		return WriteError(stdout, xerr.ErrArgument(err.Error()).Error())
	}

	res, renderErr := traceRender(ctx, host, req.Entry, props)
	if renderErr != nil {
		return WriteError(stdout, renderErr.Error())
	}
	return WriteOk(stdout, res.Body)
}

// readRequestCancelable races a blocking ReadRequest against ctx so a
// server shutdown signal is honored even while idle between requests.
func readRequestCancelable(ctx context.Context, r *bufio.Reader) (*Request, error) {
	type result struct {
		req *Request
		err error
	}
	ch := make(chan result, 1)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		req, err := ReadRequest(r)
		ch <- result{req: req, err: err}
		return nil
	})

	select {
	case <-ctx.Done():
		// the read goroutine is left to finish against a now-closed or
		// abandoned stream; Serve returns without waiting on it.
		return nil, ctx.Err()
	case res := <-ch:
		_ = g.Wait()
		return res.req, res.err
	}
}

func decodeProps(raw string) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid props JSON: %w", err)
	}
	return v, nil
}
