package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the runner's metric instruments. Names follow the coordinator
// call lifecycle (claim/heartbeat/complete/escalate) and the two WebSocket
// surfaces (push client, gateway client).
type Metrics struct {
	TasksClaimed     metric.Int64Counter
	TasksCompleted   metric.Int64Counter // by status: done/failed/cancelled
	TaskDuration     metric.Float64Histogram
	HeartbeatErrors  metric.Int64Counter
	EscalationsTotal metric.Int64Counter
	WireCallDuration metric.Float64Histogram
	PushReconnects   metric.Int64Counter
	GatewayCalls     metric.Int64Counter
	GatewayErrors    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksClaimed, err = meter.Int64Counter("runner.tasks.claimed",
		metric.WithDescription("Tasks successfully claimed from the coordinator")); err != nil {
		return nil, err
	}
	if m.TasksCompleted, err = meter.Int64Counter("runner.tasks.completed",
		metric.WithDescription("Tasks completed, labeled by terminal status")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("runner.task.duration",
		metric.WithDescription("Task execution duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.HeartbeatErrors, err = meter.Int64Counter("runner.heartbeat.errors",
		metric.WithDescription("Heartbeat calls that failed")); err != nil {
		return nil, err
	}
	if m.EscalationsTotal, err = meter.Int64Counter("runner.escalations",
		metric.WithDescription("Approval escalations sent to the coordinator")); err != nil {
		return nil, err
	}
	if m.WireCallDuration, err = meter.Float64Histogram("runner.wire.duration",
		metric.WithDescription("Coordinator REST call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.PushReconnects, err = meter.Int64Counter("runner.push.reconnects",
		metric.WithDescription("Push client reconnect attempts")); err != nil {
		return nil, err
	}
	if m.GatewayCalls, err = meter.Int64Counter("runner.gateway.calls",
		metric.WithDescription("Gateway WebSocket requests sent")); err != nil {
		return nil, err
	}
	if m.GatewayErrors, err = meter.Int64Counter("runner.gateway.errors",
		metric.WithDescription("Gateway WebSocket requests that errored")); err != nil {
		return nil, err
	}

	return m, nil
}
