// Package backend owns the otel TracerProvider every instrumented call
// site records into: sampler, id generator, batch processor and exporter.
package backend

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tr "go.opentelemetry.io/otel/trace"
)

type Backend struct {
	tracerProvider *sdktr.TracerProvider
	batcher        *BatchProcessor
	ids            *IDGenerator

	ShutdownCtx context.Context
}

type Options struct {
	ServiceName    string
	ServiceVersion string
	Sampler        sdktr.Sampler
	Exporter       sdktr.SpanExporter
	Batch          config.Exporter

	// extra processors, e.g. a tracetest.SpanRecorder under testing
	Processors []sdktr.SpanProcessor
}

func New(opts Options) *Backend {
	var b Backend
	b.ShutdownCtx = context.Background()
	b.ids = NewIDGenerator()

	exporter := opts.Exporter
	if exporter == nil {
		exporter = DiscardExporter{}
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = sdktr.AlwaysSample()
	}
	b.batcher = NewBatchProcessor(exporter, opts.Batch)

	providerOpts := []sdktr.TracerProviderOption{
		sdktr.WithSampler(sampler),
		sdktr.WithIDGenerator(b.ids),
		sdktr.WithSpanProcessor(b.batcher),
		sdktr.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.ServiceVersion),
		)),
	}
	for _, p := range opts.Processors {
		providerOpts = append(providerOpts, sdktr.WithSpanProcessor(p))
	}
	b.tracerProvider = sdktr.NewTracerProvider(providerOpts...)
	return &b
}

// NewFromConfig builds the exporter named in cfg and the backend around it.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Backend, error) {
	exporter, err := NewExporter(ctx, cfg.Exporter)
	if err != nil {
		return nil, err
	}
	b := New(Options{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Sampler:        cfg.Policy(),
		Exporter:       exporter,
		Batch:          cfg.Exporter,
	})
	logrus.WithField("exporter", cfg.Exporter.Kind).
		WithField("sampler", cfg.Policy().Description()).
		Info("callscope tracing backend ready")
	return b, nil
}

// Install makes the backend the global provider and registers the W3C
// propagators used by natively instrumented transports.
func (b *Backend) Install() {
	otel.SetTracerProvider(b.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

func (b *Backend) Tracer(scope string) tr.Tracer {
	return b.tracerProvider.Tracer(scope)
}

// Reserve pre-draws the trace id of the next root span started under ctx.
func (b *Backend) Reserve(ctx context.Context) (context.Context, tr.TraceID) {
	return b.ids.Reserve(ctx)
}

// Release undoes Reserve for contexts derived after the root span started.
func (b *Backend) Release(ctx context.Context) context.Context {
	return b.ids.Release(ctx)
}

func (b *Backend) Stats() Stats {
	return b.batcher.Stats()
}

func (b *Backend) Batcher() *BatchProcessor {
	return b.batcher
}

func (b *Backend) Flush(ctx context.Context) error {
	return b.tracerProvider.ForceFlush(ctx)
}

func (b *Backend) Shutdown(ctx context.Context) error {
	if err := b.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}
