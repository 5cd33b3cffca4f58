package observability

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InitTracing exports spans over OTLP/gRPC and installs the tracer provider
// and W3C propagators globally.
//
// Parameters:
//   - ctx: bounds exporter setup
//   - logger: receives exporter errors
//   - serviceName: reported as service.name on every span
//   - endpoint: OTLP collector address, host:port
//   - sampleRate: fraction of root spans kept, 0 to 1; spans with a sampled
//     parent traceparent are always kept
//
// The returned function flushes pending spans and must be called on
// shutdown.
func InitTracing(ctx context.Context, logger *zap.Logger, serviceName, endpoint string, sampleRate float64) (func(), error) {
	res := resource.NewWithAttributes(
		"",
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion()),
		attribute.String("environment", environment()),
	)

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(sampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Tracing initialized",
		zap.String("endpoint", endpoint),
		zap.Float64("sample_rate", sampleRate))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer provider shutdown", zap.Error(err))
		}
	}, nil
}

func rootSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns the tracer for a relay component.
func Tracer(componentName string) trace.Tracer {
	return otel.Tracer("convertrelay/" + componentName)
}

// serviceVersion is the main module version stamped by the go tool, or
// "dev" for local builds.
func serviceVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func environment() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "production"
}
