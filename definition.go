package workflows

import "fmt"

// stepBuilder accumulates one step's definition as step-level options
// apply in order.
type stepBuilder struct {
	def  StepDefinition
	deps []string
}

// DefinitionOption configures a WorkflowDefinition under construction by
// NewWorkflowDefinition. Workflow-level options (MaxAttempts,
// DefaultTimeout, Single, Map) carry a config func; step-level options
// (After, Retry, Timeout, Sandbox), passed to Single/Map, carry a step
// func instead. Exactly one of the two is set on any given value.
type DefinitionOption struct {
	applyConfig func(*definitionConfig)
	applyStep   func(*stepBuilder)
}

type definitionConfig struct {
	maxAttempts int
	timeoutS    int
	steps       []*stepBuilder
}

// MaxAttempts sets the workflow-level default retry budget.
func MaxAttempts(n int) DefinitionOption {
	return DefinitionOption{applyConfig: func(c *definitionConfig) { c.maxAttempts = n }}
}

// DefaultTimeout sets the workflow-level default visibility timeout, in
// seconds.
func DefaultTimeout(seconds int) DefinitionOption {
	return DefinitionOption{applyConfig: func(c *definitionConfig) { c.timeoutS = seconds }}
}

// Single declares a single-task step bound to callableRef. Its fan-out
// is always exactly one task (InitialTasks=1), which is what tells the
// transition engine apart from an unset, dynamic map.
func Single(slug, callableRef string, opts ...DefinitionOption) DefinitionOption {
	return DefinitionOption{applyConfig: func(c *definitionConfig) {
		one := 1
		sb := &stepBuilder{def: StepDefinition{
			Slug:         slug,
			Kind:         KindSingle,
			CallableRef:  callableRef,
			InitialTasks: &one,
		}}
		applyStepOptions(sb, opts)
		c.steps = append(c.steps, sb)
	}}
}

// Map declares a map fan-out step bound to callableRef. fixedTasks, when
// >0, fixes the fan-out count; 0 means dynamic, determined at runtime
// from the single producing upstream's array output length.
func Map(slug, callableRef string, fixedTasks int, opts ...DefinitionOption) DefinitionOption {
	return DefinitionOption{applyConfig: func(c *definitionConfig) {
		sb := &stepBuilder{def: StepDefinition{
			Slug:        slug,
			Kind:        KindMap,
			CallableRef: callableRef,
		}}
		if fixedTasks > 0 {
			sb.def.InitialTasks = &fixedTasks
		}
		applyStepOptions(sb, opts)
		c.steps = append(c.steps, sb)
	}}
}

func applyStepOptions(sb *stepBuilder, opts []DefinitionOption) {
	for _, opt := range opts {
		if opt.applyStep != nil {
			opt.applyStep(sb)
		}
	}
}

// After declares step-level upstream dependencies. Use as an option to
// Single/Map: Single("b", "ref", After("a")).
func After(upstreams ...string) DefinitionOption {
	return DefinitionOption{applyStep: func(sb *stepBuilder) {
		sb.deps = append(sb.deps, upstreams...)
	}}
}

// Retry overrides this step's max attempts, shadowing the workflow default.
func Retry(maxAttempts int) DefinitionOption {
	return DefinitionOption{applyStep: func(sb *stepBuilder) {
		sb.def.MaxAttemptsOverride = &maxAttempts
	}}
}

// Timeout overrides this step's visibility timeout, in seconds.
func Timeout(seconds int) DefinitionOption {
	return DefinitionOption{applyStep: func(sb *stepBuilder) {
		sb.def.TimeoutSOverride = &seconds
	}}
}

// Sandbox routes this step's callable through a StepRunner instead of
// in-process invocation.
func Sandbox() DefinitionOption {
	return DefinitionOption{applyStep: func(sb *stepBuilder) {
		sb.def.Sandboxed = true
	}}
}

// NewWorkflowDefinition builds a WorkflowDefinition from a static,
// in-code registry of steps (spec §4.3's "static code registry" option),
// validating slugs, dependency references, and acyclicity identically
// to ResolveFromStore.
func NewWorkflowDefinition(slug string, opts ...DefinitionOption) (*WorkflowDefinition, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}

	cfg := definitionConfig{maxAttempts: 3, timeoutS: 30}
	for _, opt := range opts {
		if opt.applyConfig != nil {
			opt.applyConfig(&cfg)
		}
	}

	def := WorkflowDefinition{
		Slug:        slug,
		MaxAttempts: cfg.maxAttempts,
		TimeoutS:    cfg.timeoutS,
		Steps:       make(map[string]StepDefinition, len(cfg.steps)),
		Deps:        make(map[string][]string, len(cfg.steps)),
	}
	for i, sb := range cfg.steps {
		sb.def.StepIndex = i
		if _, exists := def.Steps[sb.def.Slug]; exists {
			return nil, fmt.Errorf("%w: duplicate step slug %q", ErrValidation, sb.def.Slug)
		}
		def.Steps[sb.def.Slug] = sb.def
		def.Deps[sb.def.Slug] = sb.deps
	}

	if _, _, err := resolveTopology(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
