package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrWorkflowSlug = attribute.Key("workflow.slug")
	AttrRunID        = attribute.Key("workflow.run_id")
	AttrStepSlug     = attribute.Key("workflow.step_slug")
	AttrTaskIndex    = attribute.Key("workflow.task_index")
	AttrTaskStatus   = attribute.Key("workflow.task_status")
	AttrAttempt      = attribute.Key("workflow.attempt")
)
