// Package telemetry wires up OpenTelemetry tracing for the runtime's two
// cross-actor flows worth watching end-to-end: an operation's
// init->executing->terminal lifecycle (C7/C8) and a bridge forward
// (C3). Grounded on the teacher's internal/telemetry/telemetry.go
// (otel/sdk + otel/trace setup style), adapted per SPEC_FULL.md to drop
// the OTLP gRPC exporter — this runtime has no collector sidecar
// assumption — in favor of the stdout exporter, active only when
// TEDGE_OTLP_ENDPOINT is set (kept as the "is tracing on" switch even
// though the stdout exporter ignores its value, so enabling tracing
// doesn't require inventing a second env var).
package telemetry

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the single tracer every actor package pulls spans from.
var Tracer = otel.Tracer("github.com/tedge-io/tedge-agent")

// Init sets up tracing when TEDGE_OTLP_ENDPOINT is set; otherwise it
// installs the no-op global provider otel defaults to and returns a
// no-op shutdown, so instrumented code never needs to check "is tracing
// enabled" itself.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("TEDGE_OTLP_ENDPOINT")
	if endpoint == "" {
		log.Debug().Msg("telemetry: TEDGE_OTLP_ENDPOINT unset, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	log.Info().Str("service", serviceName).Msg("telemetry: tracing enabled (stdout exporter)")
	return tp.Shutdown, nil
}

// StartOperationSpan opens a span covering one cloud operation's lifecycle,
// tagged with the fields useful when correlating C7/C8 logs.
func StartOperationSpan(ctx context.Context, opType, cmdID, entity string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "operation."+opType,
		trace.WithAttributes(
			attribute.String("tedge.cmd_id", cmdID),
			attribute.String("tedge.entity", entity),
		),
	)
}

// StartBridgeSpan opens a span covering one bridge forward.
func StartBridgeSpan(ctx context.Context, direction, topic string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "bridge.forward",
		trace.WithAttributes(
			attribute.String("tedge.direction", direction),
			attribute.String("tedge.topic", topic),
		),
	)
}
