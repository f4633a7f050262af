package workflows

import (
	"context"
	"encoding/json"
	"fmt"
)

// NewRun starts a new execution of wf against input (spec §4.2). Root
// validation (step 1) runs here, in Go, before any Store call, so
// ErrNoRootSteps never reaches the database; the remaining steps
// (persist Run + StepStates + StepDependencies, all at remaining_deps
// computed from the edge count) are one call to Store.CreateRun, a
// single logical transaction.
func NewRun(ctx context.Context, store Store, wf *ResolvedWorkflow, input json.RawMessage) (string, error) {
	if len(wf.Roots) == 0 {
		return "", ErrNoRootSteps
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	runID, err := store.CreateRun(ctx, wf, input)
	if err != nil {
		return "", fmt.Errorf("workflows: create run for %q: %w", wf.Slug, err)
	}
	return runID, nil
}
