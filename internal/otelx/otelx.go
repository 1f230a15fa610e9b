// Package otelx configures tracing for one satsync invocation. Spans are
// batched to a local collector over OTLP gRPC and flushed when the command
// exits.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/linnemanlabs-satsync/internal/xerrors"
)

type Options struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	// Sample is the root sampling ratio. Runs are rare and long, so the
	// default keeps every trace.
	Sample  float64
	Service string
	Command string
	Version string
	RunID   string
}

// Init installs the global tracer provider and returns a shutdown func that
// flushes pending spans. With tracing disabled spans are recorded by an SDK
// provider without exporters so trace ids still reach the logs.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}
	if o.Endpoint == "" {
		return nil, xerrors.New("otlp endpoint is required when tracing is enabled")
	}
	if o.Sample <= 0 || o.Sample > 1 {
		o.Sample = 1
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// the exporter dials lazily; bound setup so an absent collector never
	// delays a run
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "create otlp exporter")
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(Attributes(o)...),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := tp.ForceFlush(ctx); err != nil {
			_ = tp.Shutdown(ctx)
			return xerrors.Wrap(err, "flush spans")
		}
		return tp.Shutdown(ctx)
	}, nil
}

// Attributes are the resource attributes identifying this invocation.
func Attributes(o Options) []attribute.KeyValue {
	service := o.Service
	if service == "" {
		service = "satsync"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(service),
		semconv.ServiceVersionKey.String(o.Version),
	}
	if o.Command != "" {
		attrs = append(attrs, attribute.String("satsync.command", o.Command))
	}
	if o.RunID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(o.RunID))
	}
	return attrs
}
