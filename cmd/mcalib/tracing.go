package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// setupTracing returns the tracer calibrations report spans to and a
// shutdown hook that flushes pending spans. exporter is "none", "stdout" or
// a file path.
func setupTracing(exporter string) (trace.Tracer, func(context.Context) error, error) {
	if exporter == "" || exporter == "none" {
		return noop.NewTracerProvider().Tracer(appName), func(context.Context) error { return nil }, nil
	}

	var w io.Writer = os.Stdout
	var file *os.File
	if exporter != "stdout" {
		f, err := os.Create(exporter)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		w, file = f, f
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(appName),
			semconv.ServiceVersion(version),
		)),
	)
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if file != nil {
			if cerr := file.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}
	return tp.Tracer(appName, trace.WithInstrumentationVersion(version)), shutdown, nil
}
