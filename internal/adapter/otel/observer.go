package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/domain/event"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
)

// Observe subscribes to the bus and updates metric instruments from the
// event stream until ctx is cancelled. Keeping measurement on the consumer
// side leaves the loop free of telemetry plumbing.
func (m *Metrics) Observe(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("",
		event.TypePhaseChange, event.TypeProjectComplete, event.TypeProjectFailed,
		event.TypeUsageUpdate, event.TypeSandboxPhase)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			attrs := metric.WithAttributes(attribute.String("project", ev.Project))
			switch ev.Type {
			case event.TypePhaseChange:
				if phase, _ := ev.Data["phase"].(string); phase == string(project.PhasePlanning) {
					m.ProjectsStarted.Add(ctx, 1, attrs)
				}
			case event.TypeProjectComplete:
				m.ProjectsCompleted.Add(ctx, 1, attrs)
			case event.TypeProjectFailed:
				m.ProjectsFailed.Add(ctx, 1, attrs)
			case event.TypeUsageUpdate:
				if cost, ok := ev.Data["cost"].(float64); ok {
					m.IterationCost.Record(ctx, cost, attrs)
				}
			case event.TypeSandboxPhase:
				phase, _ := ev.Data["phase"].(string)
				status, _ := ev.Data["status"].(string)
				m.SandboxPhases.Add(ctx, 1, metric.WithAttributes(
					attribute.String("project", ev.Project),
					attribute.String("phase", phase),
					attribute.String("status", status)))
				if d, ok := ev.Data["duration_s"].(float64); ok {
					m.PhaseDuration.Record(ctx, d, attrs)
				}
			}
		}
	}
}
