package workflows

import (
	"context"
	"fmt"
)

// fakeStore is a minimal in-memory Store used by tests in this package
// that need a Store to satisfy a function signature without a real
// database. It implements only what resolver/run/handle tests exercise;
// transition-function tests belong to store/postgres and store/sqlite,
// which implement the full semantics.
type fakeStore struct {
	defs  map[string]WorkflowDefinition
	runs  map[string]Run
	tasks map[string][]StepTask
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		defs:  make(map[string]WorkflowDefinition),
		runs:  make(map[string]Run),
		tasks: make(map[string][]StepTask),
	}
}

// setTasks registers the tasks ListTasks returns for (runID, stepSlug).
func (s *fakeStore) setTasks(runID, stepSlug string, tasks []StepTask) {
	s.tasks[runID+"/"+stepSlug] = tasks
}

func (s *fakeStore) GetWorkflowDefinition(ctx context.Context, slug string) (WorkflowDefinition, error) {
	def, ok := s.defs[slug]
	if !ok {
		return WorkflowDefinition{}, fmt.Errorf("fakeStore: no definition for %q", slug)
	}
	return def, nil
}

func (s *fakeStore) PutWorkflowDefinition(ctx context.Context, def WorkflowDefinition) error {
	s.defs[def.Slug] = def
	return nil
}

func (s *fakeStore) CreateRun(ctx context.Context, wf *ResolvedWorkflow, input []byte) (string, error) {
	id := NewRunID()
	s.runs[id] = Run{
		ID:             id,
		WorkflowSlug:   wf.Slug,
		Status:         RunStarted,
		Input:          input,
		RemainingSteps: len(wf.Steps),
	}
	return id, nil
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("fakeStore: no run %q", runID)
	}
	return run, nil
}

func (s *fakeStore) GetStepState(ctx context.Context, runID, stepSlug string) (StepState, error) {
	return StepState{}, fmt.Errorf("fakeStore: GetStepState not implemented")
}

func (s *fakeStore) ListTasks(ctx context.Context, runID, stepSlug string) ([]StepTask, error) {
	return s.tasks[runID+"/"+stepSlug], nil
}

func (s *fakeStore) StartReadySteps(ctx context.Context, runID string) ([]TaskMessage, error) {
	return nil, nil
}

func (s *fakeStore) StartTasks(ctx context.Context, runID, stepSlug string, taskIndexes []int) error {
	return nil
}

func (s *fakeStore) CompleteTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, output []byte) ([]TaskMessage, error) {
	return nil, nil
}

func (s *fakeStore) FailTask(ctx context.Context, runID, stepSlug string, taskIndex int, idempotencyKey string, errMsg string) (bool, *RunSummary, error) {
	return false, nil, nil
}

func (s *fakeStore) Init(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

// setRunStatus is a test helper that mutates a stored run directly, for
// tests that need to simulate a run reaching a terminal status without
// driving the full transition machinery.
func (s *fakeStore) setRunStatus(runID string, status RunStatus, errMsg string) {
	run := s.runs[runID]
	run.Status = status
	run.Error = errMsg
	s.runs[runID] = run
}

var _ Store = (*fakeStore)(nil)
