package middleware

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/testdrivenio/flask-spa-auth/config"
)

const tracerName = "flask-spa-auth"

// InitTracing configures the global OpenTelemetry tracer provider with an
// OTLP/HTTP exporter. The returned provider must be shut down during graceful
// shutdown to flush buffered spans.
func InitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.Service.Name),
		attribute.String("service.version", cfg.Service.Version),
		attribute.String("deployment.environment", cfg.Service.Env),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// TracingMiddleware creates server spans for incoming requests and continues
// traces propagated by callers.
func TracingMiddleware() gin.HandlerFunc {
	return otelgin.Middleware(tracerName)
}

// StartSpan starts a child span from the request context. Handlers and logic
// methods use this so spans nest under the server span created by
// TracingMiddleware.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}
