package workflows

import (
	"context"
	"encoding/json"
	"fmt"
)

// AggregatedStepOutput returns a step's output in the shape downstream
// merged input sees it: for a single step, its one task's output; for a
// map step, an array of task outputs ordered by task_index (§4.5, §6.3).
func AggregatedStepOutput(ctx context.Context, store Store, runID, stepSlug string, kind StepKind) (json.RawMessage, error) {
	tasks, err := store.ListTasks(ctx, runID, stepSlug)
	if err != nil {
		return nil, fmt.Errorf("workflows: aggregate step %q: %w", stepSlug, err)
	}
	if kind == KindSingle {
		if len(tasks) == 0 {
			return json.RawMessage("null"), nil
		}
		return tasks[0].Output, nil
	}

	ordered := make([]json.RawMessage, len(tasks))
	for _, t := range tasks {
		if t.TaskIndex < 0 || t.TaskIndex >= len(ordered) {
			return nil, fmt.Errorf("workflows: aggregate step %q: task_index %d out of range", stepSlug, t.TaskIndex)
		}
		ordered[t.TaskIndex] = t.Output
	}
	b, err := json.Marshal(ordered)
	if err != nil {
		return nil, fmt.Errorf("workflows: aggregate step %q: marshal: %w", stepSlug, err)
	}
	return b, nil
}

// MergedInput builds the JSON object a task's Callable receives (§6.3):
// run.input plus each upstream's aggregated output nested under the
// upstream's slug (ascending step_index, shallow merge — a later
// upstream never overwrites an earlier one's top-level key), plus
// "item" for a map task, taken from its single producing upstream's
// array output at taskIndex.
func MergedInput(ctx context.Context, store Store, resolved *ResolvedWorkflow, run *Run, stepSlug string, taskIndex int) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(run.Input) > 0 && string(run.Input) != "null" {
		if err := json.Unmarshal(run.Input, &merged); err != nil {
			return nil, fmt.Errorf("workflows: run input is not a JSON object: %w", err)
		}
	}

	upstreams := resolved.Deps[stepSlug]
	orderedUpstreams := orderBySlugIndex(resolved, upstreams)

	var producerOutput json.RawMessage
	for _, u := range orderedUpstreams {
		upstreamDef := resolved.Steps[u]
		out, err := AggregatedStepOutput(ctx, store, run.ID, u, upstreamDef.Kind)
		if err != nil {
			return nil, err
		}
		if _, exists := merged[u]; !exists {
			merged[u] = out
		}
		if len(orderedUpstreams) == 1 {
			producerOutput = out
		}
	}

	step := resolved.Steps[stepSlug]
	if step.Kind == KindMap {
		var items []json.RawMessage
		if err := json.Unmarshal(producerOutput, &items); err != nil {
			return nil, fmt.Errorf("%w: map step %q producer output is not an array: %v", ErrTypeViolation, stepSlug, err)
		}
		if taskIndex < 0 || taskIndex >= len(items) {
			return nil, fmt.Errorf("%w: map step %q task_index %d out of range", ErrTypeViolation, stepSlug, taskIndex)
		}
		merged["item"] = items[taskIndex]
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("workflows: marshal merged input for step %q: %w", stepSlug, err)
	}
	return b, nil
}

// orderBySlugIndex returns slugs in ascending StepIndex order, per the
// workflow's definition.
func orderBySlugIndex(resolved *ResolvedWorkflow, slugs []string) []string {
	ordered := make([]string, len(slugs))
	copy(ordered, slugs)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			if resolved.Steps[ordered[j-1]].StepIndex <= resolved.Steps[ordered[j]].StepIndex {
				break
			}
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	return ordered
}
