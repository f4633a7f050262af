// Package workflows is a database-driven workflow execution engine. It runs
// directed acyclic graphs of steps to completion with at-least-once
// semantics: a workflow is a set of named steps connected by dependency
// edges, each step either a single task or a map fan-out over an upstream
// array output.
//
// The root package defines the contracts every component implements:
//
//   - [Store] — durable relational state plus the transition functions
//   - [Queue] — the visibility-timeout task queue
//   - [Callable] — user-supplied step logic
//   - [Worker] — polls the queue, invokes callables, reports outcomes
//
// See store/postgres and store/sqlite for Store implementations, and
// mq/pgmq for a Queue implementation.
package workflows

import (
	"encoding/json"
	"time"
)

// --- Step and run status enums ---

// StepKind distinguishes a single-task step from a map fan-out step.
type StepKind string

const (
	// KindSingle steps always produce exactly one task.
	KindSingle StepKind = "single"
	// KindMap steps fan out into N tasks, one per element of an upstream
	// array output (or a fixed count configured at definition time).
	KindMap StepKind = "map"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a StepState.
type StepStatus string

const (
	StepCreated   StepStatus = "created"
	StepStarted   StepStatus = "started"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// TaskStatus is the lifecycle state of a StepTask.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskStarted   TaskStatus = "started"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// --- Definition-time types ---

// StepDefinition describes one step of a Workflow. callable_ref binding
// happens at resolution time (see Resolver); a StepDefinition on its own
// is a pure data record, safe to persist.
type StepDefinition struct {
	Slug      string   `json:"slug"`
	StepIndex int      `json:"step_index"`
	Kind      StepKind `json:"kind"`

	// InitialTasks is the fan-out size. 1 for single steps. For map steps
	// it is either a fixed, positive count, or nil ("unset"/dynamic —
	// determined at runtime from a single producing upstream's array
	// output length).
	InitialTasks *int `json:"initial_tasks,omitempty"`

	MaxAttemptsOverride *int `json:"max_attempts_override,omitempty"`
	TimeoutSOverride    *int `json:"timeout_s_override,omitempty"`

	// Sandboxed routes this step's callable through a StepRunner (e.g.
	// sandbox/docker) instead of direct in-process invocation.
	Sandboxed bool `json:"sandboxed,omitempty"`

	// CallableRef is an opaque identifier, set when the step is defined,
	// that the Definition Resolver looks up in a Registry to bind the
	// step's Callable.
	CallableRef string `json:"callable_ref,omitempty"`
}

// MaxAttempts resolves the effective retry budget for this step given the
// workflow-level default.
func (s StepDefinition) MaxAttempts(workflowDefault int) int {
	if s.MaxAttemptsOverride != nil {
		return *s.MaxAttemptsOverride
	}
	return workflowDefault
}

// TimeoutS resolves the effective visibility/wall-clock timeout in seconds.
func (s StepDefinition) TimeoutS(workflowDefault int) int {
	if s.TimeoutSOverride != nil {
		return *s.TimeoutSOverride
	}
	return workflowDefault
}

// WorkflowDefinition is the definition-time record for a workflow: its
// slug, defaults, steps, and the dependency edges between them (upstream
// sets, keyed by step slug). It is acyclic by construction — see Resolver.
type WorkflowDefinition struct {
	Slug        string                      `json:"slug"`
	MaxAttempts int                         `json:"max_attempts"`
	TimeoutS    int                         `json:"timeout_s"`
	Steps       map[string]StepDefinition   `json:"steps"`
	Deps        map[string][]string         `json:"deps"` // step -> upstreams
}

// ResolvedWorkflow is a WorkflowDefinition with every step's callable bound
// and its topology validated (acyclic, every dependency target known, at
// least one root). Produced by Resolver; consumed by RunInitializer and
// Worker.
type ResolvedWorkflow struct {
	WorkflowDefinition
	Callables map[string]Callable `json:"-"`
	Roots     []string            `json:"roots"`
	// order is the deterministic step_index ascending traversal used by
	// merged-input construction and run output aggregation.
	order []string
}

// Order returns step slugs in ascending step_index order.
func (r *ResolvedWorkflow) Order() []string {
	return r.order
}

// --- Run-time records ---

// Run is one execution of a ResolvedWorkflow.
type Run struct {
	ID             string          `json:"id"`
	WorkflowSlug   string          `json:"workflow_slug"`
	Status         RunStatus       `json:"status"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	RemainingSteps int             `json:"remaining_steps"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// StepState is the per-(run, step) progress record.
type StepState struct {
	RunID     string     `json:"run_id"`
	StepSlug  string     `json:"step_slug"`
	Status    StepStatus `json:"status"`
	RemainingDeps  int    `json:"remaining_deps"`
	InitialTasks   *int   `json:"initial_tasks,omitempty"`
	RemainingTasks int    `json:"remaining_tasks"`
	AttemptsCount  int    `json:"attempts_count"`
	ErrorMessage   string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// StepTask is a single execution of a step, identified by
// (run_id, step_slug, task_index).
type StepTask struct {
	RunID          string          `json:"run_id"`
	StepSlug       string          `json:"step_slug"`
	TaskIndex      int             `json:"task_index"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	LastWorkerID   string          `json:"last_worker_id,omitempty"`

	// TraceID/SpanID are ambient OpenTelemetry correlation fields, set by
	// the Worker and read only by the observer package — never consulted
	// by transition logic.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// StepDependency is a per-run dependency edge: step depends on depends_on_step.
type StepDependency struct {
	RunID         string `json:"run_id"`
	StepSlug      string `json:"step_slug"`
	DependsOnStep string `json:"depends_on_step"`
}

// TaskMessage is the MQ payload carried by a queue message (§6.2).
type TaskMessage struct {
	RunID      string `json:"run_id"`
	StepSlug   string `json:"step_slug"`
	TaskIndex  int    `json:"task_index"`
	IsMapTask  bool   `json:"is_map_task"`
}

// RunSummary is the minimal view handed to event hooks (§7) on run
// completion or failure.
type RunSummary struct {
	RunID        string
	WorkflowSlug string
	Status       RunStatus
	Output       json.RawMessage
	Error        string
}
