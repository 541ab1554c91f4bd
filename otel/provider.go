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

// Package otel wires optional trace export and a slog log bridge for
// the sandbox process. There is exactly one Host per process and
// renders are strictly serial, so there is no per-request or
// per-goroutine population worth a periodic runtime-metrics sweep —
// the teacher's gauge collector is dropped rather than adapted (see
// the project's design ledger).
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds configuration for OpenTelemetry initialization.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
}

type ShutdownFn func(context.Context) error

// InitProvider initializes the trace provider and the slog log bridge,
// returning a combined cleanup function.
func InitProvider(ctx context.Context, config Config) (ShutdownFn, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpointURL, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var cleanupFuncs []func(context.Context) error

	traceExporter, traceCleanup, err := createTraceExporter(ctx, config.Protocol, endpointURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	cleanupFuncs = append(cleanupFuncs, traceCleanup)

	tracerProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	cleanupFuncs = append(cleanupFuncs, tracerProvider.Shutdown)

	logExporter, logCleanup, err := createLogExporter(ctx, config.Protocol, endpointURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	cleanupFuncs = append(cleanupFuncs, logCleanup)

	loggerProvider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(logExporter)),
		log.WithResource(res),
	)
	cleanupFuncs = append(cleanupFuncs, loggerProvider.Shutdown)

	otel.SetTracerProvider(tracerProvider)
	global.SetLoggerProvider(loggerProvider)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger := otelslog.NewLogger(config.ServiceName)
	slog.SetDefault(logger)

	return func(ctx context.Context) error {
		var allErr error
		for _, cleanup := range cleanupFuncs {
			if err := cleanup(ctx); err != nil {
				allErr = errors.Join(allErr, err)
			}
		}
		return allErr
	}, nil
}

func createTraceExporter(ctx context.Context, protocol string, endpointURL *url.URL) (trace.SpanExporter, func(context.Context) error, error) {
	switch protocol {
	case "grpc":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpointURL.Host),
			otlptracegrpc.WithInsecure(),
		)
		return exporter, exporter.Shutdown, err
	case "http":
		endpoint := fmt.Sprintf("%s://%s", endpointURL.Scheme, endpointURL.Host)
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(endpoint),
		)
		return exporter, exporter.Shutdown, err
	default:
		return nil, nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}

func createLogExporter(ctx context.Context, protocol string, endpointURL *url.URL) (log.Exporter, func(context.Context) error, error) {
	switch protocol {
	case "grpc":
		exporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpoint(endpointURL.Host),
			otlploggrpc.WithInsecure(),
		)
		return exporter, exporter.Shutdown, err
	case "http":
		endpoint := fmt.Sprintf("%s://%s", endpointURL.Scheme, endpointURL.Host)
		exporter, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(endpoint),
		)
		return exporter, exporter.Shutdown, err
	default:
		return nil, nil, fmt.Errorf("unsupported protocol: %s", protocol)
	}
}
