package observer

import (
	"context"
	"encoding/json"
	"time"

	workflows "github.com/Singularity-ng/singularity-workflows"

	"go.opentelemetry.io/otel/metric"
)

// metricsMiddleware implements workflows.TaskMiddleware, recording
// execution count and duration for every task that passes through the
// Worker, the same wrap-and-delegate shape as the teacher's
// WrapProvider/WrapTool instrumentation.
type metricsMiddleware struct {
	inst *Instruments
}

// NewMetricsMiddleware returns a workflows.TaskMiddleware that records
// inst's task counters and histogram around every callable invocation.
// Install it with workflows.WithMiddleware(observer.NewMetricsMiddleware(inst)).
func NewMetricsMiddleware(inst *Instruments) workflows.TaskMiddleware {
	return &metricsMiddleware{inst: inst}
}

func (m *metricsMiddleware) Around(ctx context.Context, msg workflows.TaskMessage, input json.RawMessage, next workflows.Callable) (json.RawMessage, error) {
	start := time.Now()
	out, err := next(ctx, input)
	elapsed := float64(time.Since(start).Milliseconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		AttrStepSlug.String(msg.StepSlug),
		AttrTaskStatus.String(status),
	)
	m.inst.TasksExecuted.Add(ctx, 1, attrs)
	m.inst.TaskDuration.Record(ctx, elapsed, attrs)

	return out, err
}

var _ workflows.TaskMiddleware = (*metricsMiddleware)(nil)

// runMetricsNotifier implements workflows.Notifier, incrementing
// RunsCompleted/RunsFailed for every terminal run. Compose it with
// other Notifiers (e.g. frontend/telegram) via workflows.WithNotifier
// — only one Notifier slot exists per Worker, so wrap a fan-out if both
// are needed.
type runMetricsNotifier struct {
	inst *Instruments
}

// NewRunMetricsNotifier returns a workflows.Notifier that records
// inst's run-completion counters.
func NewRunMetricsNotifier(inst *Instruments) workflows.Notifier {
	return &runMetricsNotifier{inst: inst}
}

func (n *runMetricsNotifier) Notify(ctx context.Context, summary workflows.RunSummary) {
	attrs := metric.WithAttributes(AttrWorkflowSlug.String(summary.WorkflowSlug))
	if summary.Status == workflows.RunCompleted {
		n.inst.RunsCompleted.Add(ctx, 1, attrs)
	} else {
		n.inst.RunsFailed.Add(ctx, 1, attrs)
	}
}

var _ workflows.Notifier = (*runMetricsNotifier)(nil)
