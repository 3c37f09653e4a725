package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all coordination-core metrics instruments.
type Metrics struct {
	TaskDuration       metric.Float64Histogram
	TaskFailures       metric.Int64Counter
	SpawnDuration      metric.Float64Histogram
	SpawnFailures      metric.Int64Counter
	ActiveAgents       metric.Int64UpDownCounter
	ReadyQueueDepth    metric.Int64UpDownCounter
	RecoveryAttempts   metric.Int64Counter
	RecoveryEscalated  metric.Int64Counter
	HandoversTriggered metric.Int64Counter
	ProgressEvents     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("apm_auto.task.duration",
		metric.WithDescription("Task assignment-to-completion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("apm_auto.task.failures",
		metric.WithDescription("Tasks that ended blocked or escalated rather than completed"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnDuration, err = meter.Float64Histogram("apm_auto.spawn.duration",
		metric.WithDescription("Worker process spawn latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnFailures, err = meter.Int64Counter("apm_auto.spawn.failures",
		metric.WithDescription("Worker process spawn attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("apm_auto.agents.active",
		metric.WithDescription("Number of agents currently in the Active state"),
	)
	if err != nil {
		return nil, err
	}

	m.ReadyQueueDepth, err = meter.Int64UpDownCounter("apm_auto.tasks.ready",
		metric.WithDescription("Number of tasks currently ready to assign"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryAttempts, err = meter.Int64Counter("apm_auto.recovery.attempts",
		metric.WithDescription("Crash-recovery attempts made"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryEscalated, err = meter.Int64Counter("apm_auto.recovery.escalated",
		metric.WithDescription("Agents escalated to terminated after exhausting recovery retries"),
	)
	if err != nil {
		return nil, err
	}

	m.HandoversTriggered, err = meter.Int64Counter("apm_auto.handover.triggered",
		metric.WithDescription("Context-handover events triggered by context-window pressure"),
	)
	if err != nil {
		return nil, err
	}

	m.ProgressEvents, err = meter.Int64Counter("apm_auto.progress.events",
		metric.WithDescription("Progress-file events ingested (completion, blocker, handover)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
