package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "aegiscore"

// Metrics holds all AegisCore metric instruments.
type Metrics struct {
	WorkSubmitted  metric.Int64Counter
	WorkDispatched metric.Int64Counter
	WorkRequeued   metric.Int64Counter
	WorkFailed     metric.Int64Counter
	WorkCompleted  metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
	Escalations    metric.Int64Counter
	AgentStatus    metric.Int64Counter
	DispatchDelay  metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.WorkSubmitted, err = meter.Int64Counter("aegiscore.work.submitted",
		metric.WithDescription("Number of work items accepted"))
	if err != nil {
		return nil, err
	}

	m.WorkDispatched, err = meter.Int64Counter("aegiscore.work.dispatched",
		metric.WithDescription("Number of dispatches delivered to agents"))
	if err != nil {
		return nil, err
	}

	m.WorkRequeued, err = meter.Int64Counter("aegiscore.work.requeued",
		metric.WithDescription("Number of requeues after failure or timeout"))
	if err != nil {
		return nil, err
	}

	m.WorkFailed, err = meter.Int64Counter("aegiscore.work.failed",
		metric.WithDescription("Number of terminally failed work items"))
	if err != nil {
		return nil, err
	}

	m.WorkCompleted, err = meter.Int64Counter("aegiscore.work.completed",
		metric.WithDescription("Number of completed work items"))
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("aegiscore.queue.depth",
		metric.WithDescription("Current work queue depth"))
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("aegiscore.decisions.escalated",
		metric.WithDescription("Number of decisions escalated to human review"))
	if err != nil {
		return nil, err
	}

	m.AgentStatus, err = meter.Int64Counter("aegiscore.agents.transitions",
		metric.WithDescription("Number of agent status transitions"))
	if err != nil {
		return nil, err
	}

	m.DispatchDelay, err = meter.Float64Histogram("aegiscore.dispatch.delay_seconds",
		metric.WithDescription("Time from submission to dispatch in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
