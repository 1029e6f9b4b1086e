package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tumbler"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	ProjectsStarted   metric.Int64Counter
	ProjectsCompleted metric.Int64Counter
	ProjectsFailed    metric.Int64Counter
	PhaseDuration     metric.Float64Histogram
	IterationCost     metric.Float64Histogram
	SandboxPhases     metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ProjectsStarted, err = meter.Int64Counter("tumbler.projects.started",
		metric.WithDescription("Number of project loops started"))
	if err != nil {
		return nil, err
	}

	m.ProjectsCompleted, err = meter.Int64Counter("tumbler.projects.completed",
		metric.WithDescription("Number of projects converged"))
	if err != nil {
		return nil, err
	}

	m.ProjectsFailed, err = meter.Int64Counter("tumbler.projects.failed",
		metric.WithDescription("Number of projects marked failed"))
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("tumbler.sandbox.phase_duration_seconds",
		metric.WithDescription("Sandbox phase duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.IterationCost, err = meter.Float64Histogram("tumbler.iteration.cost_usd",
		metric.WithDescription("LLM cost per agent call in USD"))
	if err != nil {
		return nil, err
	}

	m.SandboxPhases, err = meter.Int64Counter("tumbler.sandbox.phases",
		metric.WithDescription("Sandbox phases executed"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
