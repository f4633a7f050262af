package workflows

import (
	"context"
	"encoding/json"
	"fmt"
)

// Callable is the user-supplied logic bound to a step. It receives the
// merged-input JSON for one task (§6.3) and returns either the task's
// output or an error. A non-nil error (however produced) is recorded as a
// task failure and retried up to the step's effective max attempts.
//
// Implementations must be safe for concurrent use: the Worker may invoke
// the same Callable for distinct tasks on different goroutines at once.
type Callable func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Ok wraps a Go value into the (output, error) shape a
// Callable returns, marshaling v to JSON. Most callables end with
// `return workflows.Ok(v)` or `return workflows.Err(err)`.
func Ok(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflows: marshal callable output: %w", err)
	}
	return b, nil
}

// Err wraps err as a callable failure, tagging it with ErrTaskError so
// callers can distinguish a deliberate callable failure from a framework
// fault (timeout, store error) with errors.Is.
func Err(err error) (json.RawMessage, error) {
	if err == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrTaskError, err)
}

// Registry binds step CallableRef strings to Callables for the
// code-registry resolution path (NewWorkflowDefinition + resolve). The
// persisted-store path (ResolveFromStore) looks CallableRef up in a
// Registry too, so both paths share one binding surface.
type Registry struct {
	callables map[string]Callable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{callables: make(map[string]Callable)}
}

// Register binds ref to fn, overwriting any existing binding.
func (r *Registry) Register(ref string, fn Callable) *Registry {
	r.callables[ref] = fn
	return r
}

// Lookup returns the Callable bound to ref, or nil if unbound.
func (r *Registry) Lookup(ref string) (Callable, bool) {
	fn, ok := r.callables[ref]
	return fn, ok
}
