package monitoring

import (
	"context"
	"time"

	"github.com/compozy/taskengine/engine/infra/monitoring/metrics"
	"github.com/compozy/taskengine/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// EngineMetrics records the activity of the watcher, the action executor,
// the recovery saver and the workflow notifier.
type EngineMetrics struct {
	checks           metric.Int64Counter
	checkedOCIDs     metric.Int64Counter
	occurred         metric.Int64Counter
	actions          metric.Int64Counter
	actionDuration   metric.Float64Histogram
	saves            metric.Int64Counter
	saveDuration     metric.Float64Histogram
	workflowMessages metric.Int64Counter
	registryTasks    metric.Int64ObservableGauge
	registration     metric.Registration
}

func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error
	if m.checks, err = meter.Int64Counter(
		"taskengine_condition_checks",
		metric.WithDescription("Condition check ticks by result"),
	); err != nil {
		return nil, err
	}
	if m.checkedOCIDs, err = meter.Int64Counter(
		"taskengine_conditions_checked",
		metric.WithDescription("Metric series queried from the history service"),
	); err != nil {
		return nil, err
	}
	if m.occurred, err = meter.Int64Counter(
		"taskengine_conditions_occurred",
		metric.WithDescription("Metric series that produced a new stable value"),
	); err != nil {
		return nil, err
	}
	if m.actions, err = meter.Int64Counter(
		"taskengine_actions",
		metric.WithDescription("Action invocations by action and outcome"),
	); err != nil {
		return nil, err
	}
	if m.actionDuration, err = meter.Float64Histogram(
		"taskengine_action_duration",
		metric.WithDescription("Action invocation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.ActionDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if m.saves, err = meter.Int64Counter(
		"taskengine_recovery_saves",
		metric.WithDescription("Recovery file writes by outcome"),
	); err != nil {
		return nil, err
	}
	if m.saveDuration, err = meter.Float64Histogram(
		"taskengine_recovery_save_duration",
		metric.WithDescription("Recovery file write latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.SaveDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if m.workflowMessages, err = meter.Int64Counter(
		"taskengine_workflow_transitions",
		metric.WithDescription("Processed workflow transitions by action, match and delivery"),
	); err != nil {
		return nil, err
	}
	if m.registryTasks, err = meter.Int64ObservableGauge(
		"taskengine_registry_tasks",
		metric.WithDescription("Tasks waiting on conditions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// TrackRegistry reports size as the registry gauge on every collection.
func (m *EngineMetrics) TrackRegistry(meter metric.Meter, size func() int) error {
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.registryTasks, int64(size()))
		return nil
	}, m.registryTasks)
	if err != nil {
		return err
	}
	m.registration = reg
	return nil
}

func (m *EngineMetrics) Close(ctx context.Context) {
	if m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		logger.FromContext(ctx).Error("Failed to unregister registry callback", "error", err)
	}
	m.registration = nil
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeSuccess
}

func (m *EngineMetrics) ObserveCheck(checked, occurred int, err error) {
	ctx := context.Background()
	m.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	m.checkedOCIDs.Add(ctx, int64(checked))
	m.occurred.Add(ctx, int64(occurred))
}

func (m *EngineMetrics) ObserveAction(actionID string, elapsed time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("action_id", actionID),
		attribute.String("outcome", outcome(err)),
	)
	m.actions.Add(ctx, 1, attrs)
	m.actionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *EngineMetrics) ObserveSave(elapsed time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.saves.Add(ctx, 1, attrs)
	m.saveDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *EngineMetrics) ObserveWorkflow(action string, matched, sent bool) {
	m.workflowMessages.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("matched", matched),
		attribute.Bool("sent", sent),
	))
}
