package backend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stleox/callscope/pkg/config"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
)

// NewExporter builds the span exporter named by cfg.Kind.
func NewExporter(ctx context.Context, cfg config.Exporter) (sdktr.SpanExporter, error) {
	switch cfg.Kind {
	case config.ExporterOTLP:
		return NewGRPCExporter(ctx, cfg)
	case config.ExporterStdout:
		return NewStdoutExporter(os.Stdout)
	case config.ExporterOlap:
		olap, err := NewOlapExporter(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("creating olap exporter: %w", err)
		}
		return olap, nil
	case config.ExporterNone, "":
		return DiscardExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Kind)
	}
}

func NewGRPCExporter(ctx context.Context, cfg config.Exporter) (sdktr.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC exporter: %w", err)
	}
	return exporter, nil
}

func NewStdoutExporter(w io.Writer) (sdktr.SpanExporter, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return exporter, nil
}

// DiscardExporter accepts and forgets every batch. Only for testing or
// when spans are consumed through the processor stats alone.
type DiscardExporter struct{}

func (DiscardExporter) ExportSpans(context.Context, []sdktr.ReadOnlySpan) error { return nil }

func (DiscardExporter) Shutdown(context.Context) error { return nil }
