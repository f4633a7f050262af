package workflows

import (
	"context"
	"fmt"
	"sort"
)

// resolveTopology validates a WorkflowDefinition's step graph — every
// dependency target exists, the graph is acyclic, and at least one step
// has no dependencies — and returns its root step slugs plus all step
// slugs in ascending step_index order. Both ResolveFromStore and the
// code-registry builder call this so the two resolution paths can never
// diverge on what counts as a valid workflow.
func resolveTopology(def *WorkflowDefinition) (roots []string, order []string, err error) {
	for slug, step := range def.Steps {
		if err := ValidateSlug(slug); err != nil {
			return nil, nil, err
		}
		if err := ValidateSlug(step.Slug); err != nil {
			return nil, nil, err
		}
	}

	for slug, deps := range def.Deps {
		if _, ok := def.Steps[slug]; !ok {
			return nil, nil, &ErrUnknownDependency{StepSlug: slug, ReferencedDep: slug}
		}
		for _, dep := range deps {
			if _, ok := def.Steps[dep]; !ok {
				return nil, nil, &ErrUnknownDependency{StepSlug: slug, ReferencedDep: dep}
			}
		}
	}

	// A map step with no fixed InitialTasks defers its fan-out to its
	// producing upstream's array output at runtime, which is only
	// well-defined when there is exactly one such upstream.
	for slug, step := range def.Steps {
		if step.Kind == KindMap && step.InitialTasks == nil && len(def.Deps[slug]) != 1 {
			return nil, nil, fmt.Errorf("%w: dynamic map step %q must have exactly one upstream dependency", ErrValidation, slug)
		}
	}

	// Kahn's algorithm: in-degree = len(upstreams), dependents = dep -> [step].
	inDegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for slug := range def.Steps {
		inDegree[slug] = len(def.Deps[slug])
	}
	for slug, deps := range def.Deps {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], slug)
		}
	}

	var queue []string
	for slug, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, slug)
			roots = append(roots, slug)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(def.Steps) {
		path := make([]string, 0, len(def.Steps)-visited)
		for slug, deg := range inDegree {
			if deg > 0 {
				path = append(path, slug)
			}
		}
		sort.Strings(path)
		return nil, nil, &ErrCycleDetected{Path: path}
	}
	if len(roots) == 0 && len(def.Steps) > 0 {
		return nil, nil, ErrNoRootSteps
	}

	order = make([]string, 0, len(def.Steps))
	for slug := range def.Steps {
		order = append(order, slug)
	}
	sort.Slice(order, func(i, j int) bool {
		return def.Steps[order[i]].StepIndex < def.Steps[order[j]].StepIndex
	})
	sort.Strings(roots)

	return roots, order, nil
}

// bindCallables looks every step's CallableRef up in reg, returning
// ErrMissingCallable for the first step whose ref is unbound.
func bindCallables(def *WorkflowDefinition, reg *Registry) (map[string]Callable, error) {
	bound := make(map[string]Callable, len(def.Steps))
	for slug, step := range def.Steps {
		fn, ok := reg.Lookup(step.CallableRef)
		if !ok {
			return nil, &ErrMissingCallable{StepSlug: slug}
		}
		bound[slug] = fn
	}
	return bound, nil
}

// resolve validates def's topology and binds its callables from reg,
// producing the ResolvedWorkflow both resolution paths share.
func resolve(def WorkflowDefinition, reg *Registry) (*ResolvedWorkflow, error) {
	roots, order, err := resolveTopology(&def)
	if err != nil {
		return nil, err
	}
	callables, err := bindCallables(&def, reg)
	if err != nil {
		return nil, err
	}
	return &ResolvedWorkflow{
		WorkflowDefinition: def,
		Callables:          callables,
		Roots:              roots,
		order:              order,
	}, nil
}

// ResolveFromStore loads a persisted WorkflowDefinition by slug and
// resolves it against reg — the "persisted store" resolution path
// (spec §4.3). Returns ErrWorkflowNotFound if no definition is stored
// under slug.
func ResolveFromStore(ctx context.Context, store Store, slug string, reg *Registry) (*ResolvedWorkflow, error) {
	def, err := store.GetWorkflowDefinition(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", &ErrWorkflowNotFound{Slug: slug}, err)
	}
	return resolve(def, reg)
}
