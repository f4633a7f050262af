package workflows

import "context"

// Store is the durable relational backend: the workflow/step definition
// tables plus the transition functions that move a Run through its
// lifecycle (§4.5). Every transition is a single logical transaction —
// callers never observe a run half-advanced.
//
// store/postgres and store/sqlite each implement Store over the same
// semantics; both run the transitions as Go functions, each inside a
// database transaction (a pgx.Tx for Postgres, a database/sql Tx for
// SQLite).
type Store interface {
	// --- Definition persistence (read side of ResolveFromStore) ---

	GetWorkflowDefinition(ctx context.Context, slug string) (WorkflowDefinition, error)
	PutWorkflowDefinition(ctx context.Context, def WorkflowDefinition) error

	// --- Run lifecycle ---

	// CreateRun persists a new Run plus its per-run StepState and
	// StepDependency rows (spec §4.2 steps 2-8) and returns the new
	// run's ID. wf must already be resolved and validated.
	CreateRun(ctx context.Context, wf *ResolvedWorkflow, input []byte) (string, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	GetStepState(ctx context.Context, runID, stepSlug string) (StepState, error)
	ListTasks(ctx context.Context, runID, stepSlug string) ([]StepTask, error)

	// --- Transition functions (§4.5) ---

	// StartReadySteps transitions every StepState with remaining_deps=0
	// and status=created to started, and creates its StepTasks (fixed
	// fan-out steps) or defers map steps with unset initial_tasks until
	// their producer completes. Returns the newly queued TaskMessages.
	StartReadySteps(ctx context.Context, runID string) ([]TaskMessage, error)

	// StartTasks marks the given (step, task_index) rows started,
	// incrementing each task's attempts counter.
	StartTasks(ctx context.Context, runID, stepSlug string, taskIndexes []int) error

	// CompleteTask records a successful task outcome: marks the task
	// completed, decrements the owning step's remaining_tasks, and if
	// that reaches zero, completes the step and cascades a
	// remaining_deps decrement to its dependents, starting any step
	// newly at remaining_deps=0. Returns ErrLateCompletion if the run
	// is already terminal.
	CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, output []byte) ([]TaskMessage, error)

	// FailTask records a task failure. If attempts < max_attempts the
	// task is reset to queued for re-enqueue by the caller; otherwise
	// the step, and then the run, are marked failed. Returns whether a
	// retry message should be sent and, when the run just failed, its
	// final summary.
	FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, errMsg string) (retry bool, summary *RunSummary, err error)

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
}
