package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "tumbler"

// StartPhaseSpan starts a span for one loop phase of a project iteration.
func StartPhaseSpan(ctx context.Context, projectName, phase string, iteration int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "loop."+phase,
		trace.WithAttributes(
			attribute.String("project.name", projectName),
			attribute.Int("project.iteration", iteration),
		),
	)
}

// StartSandboxSpan starts a span for one sandbox phase container run. The
// phase span nests under the loop's verifying span through the context.
func StartSandboxSpan(ctx context.Context, phase, image string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sandbox."+phase,
		trace.WithAttributes(
			attribute.String("sandbox.image", image),
		),
	)
}
