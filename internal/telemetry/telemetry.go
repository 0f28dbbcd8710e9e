// Package telemetry sets up OpenTelemetry tracing. Spans are written as
// JSON to a file so a session's timeline can be inspected afterwards.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops tracing.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider that writes spans to w. It
// returns a no-op shutdown when w is nil, leaving the default no-op
// provider in place.
func Init(w io.Writer, version string) (Shutdown, error) {
	if w == nil {
		return noop, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "pkgforge"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// InitFile is Init writing to path. The file is closed by the returned
// shutdown.
func InitFile(path, version string) (Shutdown, error) {
	if path == "" {
		return noop, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	shutdown, err := Init(f, version)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		serr := shutdown(ctx)
		if cerr := f.Close(); serr == nil {
			serr = cerr
		}
		return serr
	}, nil
}
