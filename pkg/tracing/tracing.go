// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tracing installs the OpenTelemetry tracer provider used by the
// Aleutian Assist binaries.
package tracing

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EnvEndpoint names the OTLP collector address, e.g. "localhost:4317".
const EnvEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context)

// Init installs a batching OTLP/gRPC tracer provider for service.
//
// # Description
//
// When $OTEL_EXPORTER_OTLP_ENDPOINT is unset the global no-op provider
// is left in place and the returned ShutdownFunc does nothing, so spans
// cost nothing on a laptop without a collector. The W3C trace context
// and baggage propagators are installed either way.
//
// # Outputs
//
//   - ShutdownFunc: Always non-nil. Bounded to five seconds.
//   - error: Exporter or resource construction failed.
func Init(ctx context.Context, service string, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	endpoint := os.Getenv(EnvEndpoint)
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return func(context.Context) {}, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return func(context.Context) {}, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(service)))
	if err != nil {
		_ = conn.Close()
		return func(context.Context) {}, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", slog.String("endpoint", endpoint), slog.String("service", service))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
		_ = conn.Close()
	}, nil
}
