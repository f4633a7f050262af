package workflows

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec §7. Wrap with fmt.Errorf("...: %w", ...)
// so errors.Is still matches after context is added.
var (
	// ErrValidation covers bad slugs, unknown dependencies, cycles, and
	// missing roots — rejected at definition resolution, never reaches
	// the Store.
	ErrValidation = errors.New("workflows: validation error")
	// ErrDefinitionMissing covers an unknown workflow slug or a step
	// without a bound callable.
	ErrDefinitionMissing = errors.New("workflows: definition missing")
	// ErrTransientStore covers connection loss or serialization failures
	// from the Store; callers retry at the transition call site.
	ErrTransientStore = errors.New("workflows: transient store error")
	// ErrTransientQueue covers MQ read/write errors; the worker retries
	// after backoff.
	ErrTransientQueue = errors.New("workflows: transient queue error")
	// ErrTaskTimeout means a callable exceeded its effective timeout.
	ErrTaskTimeout = errors.New("workflows: task timeout")
	// ErrTaskError means a callable returned err(...) or panicked.
	ErrTaskError = errors.New("workflows: task error")
	// ErrTypeViolation means a downstream map step required an array
	// output from its producer and got something else. Terminal: the
	// run is marked failed.
	ErrTypeViolation = errors.New("workflows: type violation")
	// ErrExhaustedRetries means a task's attempts reached max_attempts.
	ErrExhaustedRetries = errors.New("workflows: exhausted retries")
	// ErrLateCompletion means complete_task/fail_task ran against an
	// already-terminal run; the caller should treat this as a no-op ack.
	ErrLateCompletion = errors.New("workflows: late completion")
	// ErrNoRootSteps means a workflow has zero steps with no dependencies.
	ErrNoRootSteps = fmt.Errorf("%w: no root steps", ErrValidation)
)

// ErrCycleDetected is returned by the Definition Resolver when the step
// graph contains a cycle. Path lists, sorted by slug, every step the
// topological sort could not order: the steps on a cycle together with
// any step downstream of one. It does not give the cycle's edge order.
type ErrCycleDetected struct {
	Path []string
}

func (e *ErrCycleDetected) Error() string {
	return fmt.Sprintf("workflows: cycle detected: %v", e.Path)
}

func (e *ErrCycleDetected) Unwrap() error { return ErrValidation }

// ErrUnknownDependency is returned when a step's After() edge references a
// step slug that does not exist in the definition.
type ErrUnknownDependency struct {
	StepSlug      string
	ReferencedDep string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("workflows: step %q depends on unknown step %q", e.StepSlug, e.ReferencedDep)
}

func (e *ErrUnknownDependency) Unwrap() error { return ErrValidation }

// ErrMissingCallable is returned when a step has no bound callable at
// resolution time.
type ErrMissingCallable struct {
	StepSlug string
}

func (e *ErrMissingCallable) Error() string {
	return fmt.Sprintf("workflows: missing callable for step %q", e.StepSlug)
}

func (e *ErrMissingCallable) Unwrap() error { return ErrDefinitionMissing }

// ErrWorkflowNotFound is returned by ResolveFromStore when the slug has no
// persisted definition.
type ErrWorkflowNotFound struct {
	Slug string
}

func (e *ErrWorkflowNotFound) Error() string {
	return fmt.Sprintf("workflows: workflow %q not found", e.Slug)
}

func (e *ErrWorkflowNotFound) Unwrap() error { return ErrDefinitionMissing }
