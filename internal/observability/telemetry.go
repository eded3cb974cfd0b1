// Package observability wires OpenTelemetry tracing for the guard, the
// reply.io client and the stats HTTP surface. Until Init enables it every
// span is a no-op and no headers are injected.
package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/oriys/quasar"

// Config selects where spans go. Exporter is "otlp-http" (the default) or
// "none", which samples spans and drops them.
type Config struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"` // host:port of the collector
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

type tracing struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

var (
	active   atomic.Pointer[tracing]
	disabled = noop.NewTracerProvider().Tracer(instrumentation)
)

// Init installs a tracer provider built from cfg. With Enabled unset it
// switches tracing off again.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		active.Store(nil)
		return nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	name := cfg.ServiceName
	if name == "" {
		name = "quasar"
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	active.Store(&tracing{tp: tp, tracer: tp.Tracer(instrumentation)})
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case "none":
		return discard{}, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 0 && rate < 1 {
		return sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.AlwaysSample()
}

// Shutdown flushes buffered spans, waiting at most five seconds.
func Shutdown(ctx context.Context) error {
	t := active.Load()
	if t == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.tp.Shutdown(ctx)
}

// Tracer returns the active tracer, or a no-op one.
func Tracer() trace.Tracer {
	if t := active.Load(); t != nil {
		return t.tracer
	}
	return disabled
}

// Enabled reports whether Init turned tracing on.
func Enabled() bool { return active.Load() != nil }

type discard struct{}

func (discard) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discard) Shutdown(context.Context) error { return nil }
