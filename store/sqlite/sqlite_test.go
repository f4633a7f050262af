package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	workflows "github.com/Singularity-ng/singularity-workflows"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestCreateRunAndCompleteSequentialSteps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().
		Register("a", func(context.Context, json.RawMessage) (json.RawMessage, error) { return workflows.Ok(map[string]int{"y": 2}) }).
		Register("b", func(context.Context, json.RawMessage) (json.RawMessage, error) { return workflows.Ok(map[string]int{"z": 3}) })

	def, err := workflows.NewWorkflowDefinition("sqlite-two-step",
		workflows.Single("a", "a"),
		workflows.Single("b", "b", workflows.After("a")),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "sqlite-two-step", reg)
	if err != nil {
		t.Fatalf("ResolveFromStore: %v", err)
	}

	runID, err := workflows.NewRun(ctx, s, resolved, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	msgs, err := s.StartReadySteps(ctx, runID)
	if err != nil {
		t.Fatalf("StartReadySteps: %v", err)
	}
	if len(msgs) != 1 || msgs[0].StepSlug != "a" {
		t.Fatalf("expected one task for step a, got %+v", msgs)
	}

	key := workflows.IdempotencyKey("sqlite-two-step", "a", runID, 0)
	if err := s.StartTasks(ctx, runID, "a", []int{0}); err != nil {
		t.Fatalf("StartTasks: %v", err)
	}
	next, err := s.CompleteTask(ctx, runID, "a", 0, key, json.RawMessage(`{"y":2}`))
	if err != nil {
		t.Fatalf("CompleteTask(a): %v", err)
	}
	if len(next) != 1 || next[0].StepSlug != "b" {
		t.Fatalf("expected step b to become ready, got %+v", next)
	}

	keyB := workflows.IdempotencyKey("sqlite-two-step", "b", runID, 0)
	if err := s.StartTasks(ctx, runID, "b", []int{0}); err != nil {
		t.Fatalf("StartTasks(b): %v", err)
	}
	if _, err := s.CompleteTask(ctx, runID, "b", 0, keyB, json.RawMessage(`{"z":3}`)); err != nil {
		t.Fatalf("CompleteTask(b): %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != workflows.RunCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(run.Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if string(out["a"]) != `{"y":2}` || string(out["b"]) != `{"z":3}` {
		t.Fatalf("unexpected aggregated output: %+v", out)
	}
}

func TestFailTaskRetriesThenTerminates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().Register("flaky", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	def, err := workflows.NewWorkflowDefinition("sqlite-retry",
		workflows.Single("flaky", "flaky", workflows.Retry(2)),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "sqlite-retry", reg)
	if err != nil {
		t.Fatalf("ResolveFromStore: %v", err)
	}
	runID, err := workflows.NewRun(ctx, s, resolved, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if _, err := s.StartReadySteps(ctx, runID); err != nil {
		t.Fatalf("StartReadySteps: %v", err)
	}
	key := workflows.IdempotencyKey("sqlite-retry", "flaky", runID, 0)

	if err := s.StartTasks(ctx, runID, "flaky", []int{0}); err != nil {
		t.Fatalf("StartTasks #1: %v", err)
	}
	retry, summary, err := s.FailTask(ctx, runID, "flaky", 0, key, "boom")
	if err != nil {
		t.Fatalf("FailTask #1: %v", err)
	}
	if !retry || summary != nil {
		t.Fatalf("expected a retry with no summary, got retry=%v summary=%+v", retry, summary)
	}

	if err := s.StartTasks(ctx, runID, "flaky", []int{0}); err != nil {
		t.Fatalf("StartTasks #2: %v", err)
	}
	retry, summary, err = s.FailTask(ctx, runID, "flaky", 0, key, "boom again")
	if err != nil {
		t.Fatalf("FailTask #2: %v", err)
	}
	if retry || summary == nil {
		t.Fatalf("expected a terminal failure, got retry=%v summary=%+v", retry, summary)
	}
	if summary.Status != workflows.RunFailed {
		t.Fatalf("expected run failed, got %s", summary.Status)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != workflows.RunFailed {
		t.Fatalf("expected run failed, got %s", run.Status)
	}
}

// noopCallable satisfies workflows.Callable for registry entries these
// tests never actually invoke — the Store-level tests drive CompleteTask
// directly with hand-built outputs instead of running a Worker.
func noopCallable(context.Context, json.RawMessage) (json.RawMessage, error) {
	return workflows.Ok(struct{}{})
}

// TestCompleteTaskMaterializesDynamicMapFanOut is scenario E3: fetch
// returns an array, process (a dynamic map) fans out over it, and
// reduce sees every task's output once process completes.
func TestCompleteTaskMaterializesDynamicMapFanOut(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().
		Register("fetch", noopCallable).
		Register("double", noopCallable).
		Register("reduce", noopCallable)
	def, err := workflows.NewWorkflowDefinition("sqlite-dynamic-fanout",
		workflows.Single("fetch", "fetch"),
		workflows.Map("process", "double", 0, workflows.After("fetch")),
		workflows.Single("reduce", "reduce", workflows.After("process")),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "sqlite-dynamic-fanout", reg)
	if err != nil {
		t.Fatalf("ResolveFromStore: %v", err)
	}

	runID, err := workflows.NewRun(ctx, s, resolved, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if _, err := s.StartReadySteps(ctx, runID); err != nil {
		t.Fatalf("StartReadySteps: %v", err)
	}

	fetchKey := workflows.IdempotencyKey("sqlite-dynamic-fanout", "fetch", runID, 0)
	if err := s.StartTasks(ctx, runID, "fetch", []int{0}); err != nil {
		t.Fatalf("StartTasks(fetch): %v", err)
	}
	next, err := s.CompleteTask(ctx, runID, "fetch", 0, fetchKey, json.RawMessage(`[10,20,30]`))
	if err != nil {
		t.Fatalf("CompleteTask(fetch): %v", err)
	}
	if len(next) != 3 {
		t.Fatalf("expected process to fan out into 3 tasks, got %+v", next)
	}
	for i, m := range next {
		if m.StepSlug != "process" || m.TaskIndex != i || !m.IsMapTask {
			t.Fatalf("unexpected fan-out message %+v at index %d", m, i)
		}
	}

	st, err := s.GetStepState(ctx, runID, "process")
	if err != nil {
		t.Fatalf("GetStepState(process): %v", err)
	}
	if st.InitialTasks == nil || *st.InitialTasks != 3 || st.RemainingTasks != 3 {
		t.Fatalf("expected process materialized to 3 tasks, got %+v", st)
	}

	doubled := []int{20, 40, 60}
	var reduceMsgs []workflows.TaskMessage
	for i, v := range doubled {
		key := workflows.IdempotencyKey("sqlite-dynamic-fanout", "process", runID, i)
		if err := s.StartTasks(ctx, runID, "process", []int{i}); err != nil {
			t.Fatalf("StartTasks(process %d): %v", i, err)
		}
		msgs, err := s.CompleteTask(ctx, runID, "process", i, key, json.RawMessage(fmt.Sprintf(`{"doubled":%d}`, v)))
		if err != nil {
			t.Fatalf("CompleteTask(process %d): %v", i, err)
		}
		reduceMsgs = append(reduceMsgs, msgs...)
	}
	if len(reduceMsgs) != 1 || reduceMsgs[0].StepSlug != "reduce" {
		t.Fatalf("expected reduce to become ready exactly once, got %+v", reduceMsgs)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	merged, err := workflows.MergedInput(ctx, s, resolved, &run, "reduce", 0)
	if err != nil {
		t.Fatalf("MergedInput(reduce): %v", err)
	}
	var in struct {
		Process []struct {
			Doubled int `json:"doubled"`
		} `json:"process"`
	}
	if err := json.Unmarshal(merged, &in); err != nil {
		t.Fatalf("unmarshal merged input: %v", err)
	}
	total := 0
	for _, p := range in.Process {
		total += p.Doubled
	}
	if total != 120 {
		t.Fatalf("expected reduce to see doubled outputs summing to 120, got %+v (total %d)", in.Process, total)
	}

	reduceKey := workflows.IdempotencyKey("sqlite-dynamic-fanout", "reduce", runID, 0)
	if err := s.StartTasks(ctx, runID, "reduce", []int{0}); err != nil {
		t.Fatalf("StartTasks(reduce): %v", err)
	}
	if _, err := s.CompleteTask(ctx, runID, "reduce", 0, reduceKey, json.RawMessage(`{"total":120}`)); err != nil {
		t.Fatalf("CompleteTask(reduce): %v", err)
	}

	run, err = s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != workflows.RunCompleted {
		t.Fatalf("expected run completed, got %s (error %q)", run.Status, run.Error)
	}
}

// TestCompleteTaskEmptyDynamicMapCompletesTaskless is scenario E4: an
// empty producer array gives the dynamic map zero tasks, and its
// downstream still sees an empty array rather than being skipped.
func TestCompleteTaskEmptyDynamicMapCompletesTaskless(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().
		Register("fetch", noopCallable).
		Register("double", noopCallable).
		Register("reduce", noopCallable)
	def, err := workflows.NewWorkflowDefinition("sqlite-dynamic-empty",
		workflows.Single("fetch", "fetch"),
		workflows.Map("process", "double", 0, workflows.After("fetch")),
		workflows.Single("reduce", "reduce", workflows.After("process")),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "sqlite-dynamic-empty", reg)
	if err != nil {
		t.Fatalf("ResolveFromStore: %v", err)
	}

	runID, err := workflows.NewRun(ctx, s, resolved, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if _, err := s.StartReadySteps(ctx, runID); err != nil {
		t.Fatalf("StartReadySteps: %v", err)
	}

	fetchKey := workflows.IdempotencyKey("sqlite-dynamic-empty", "fetch", runID, 0)
	if err := s.StartTasks(ctx, runID, "fetch", []int{0}); err != nil {
		t.Fatalf("StartTasks(fetch): %v", err)
	}
	next, err := s.CompleteTask(ctx, runID, "fetch", 0, fetchKey, json.RawMessage(`[]`))
	if err != nil {
		t.Fatalf("CompleteTask(fetch): %v", err)
	}
	if len(next) != 1 || next[0].StepSlug != "reduce" {
		t.Fatalf("expected process to cascade-complete straight to reduce, got %+v", next)
	}

	st, err := s.GetStepState(ctx, runID, "process")
	if err != nil {
		t.Fatalf("GetStepState(process): %v", err)
	}
	if st.Status != "completed" || st.InitialTasks == nil || *st.InitialTasks != 0 {
		t.Fatalf("expected process completed taskless with 0 initial tasks, got %+v", st)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	merged, err := workflows.MergedInput(ctx, s, resolved, &run, "reduce", 0)
	if err != nil {
		t.Fatalf("MergedInput(reduce): %v", err)
	}
	var in map[string]json.RawMessage
	if err := json.Unmarshal(merged, &in); err != nil {
		t.Fatalf("unmarshal merged input: %v", err)
	}
	if string(in["process"]) != "[]" {
		t.Fatalf("expected reduce to see process's output as [], got %s", in["process"])
	}

	reduceKey := workflows.IdempotencyKey("sqlite-dynamic-empty", "reduce", runID, 0)
	if err := s.StartTasks(ctx, runID, "reduce", []int{0}); err != nil {
		t.Fatalf("StartTasks(reduce): %v", err)
	}
	if _, err := s.CompleteTask(ctx, runID, "reduce", 0, reduceKey, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("CompleteTask(reduce): %v", err)
	}
	run, err = s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != workflows.RunCompleted {
		t.Fatalf("expected run completed, got %s", run.Status)
	}
}

// TestCompleteTaskTypeViolationFailsRun is scenario E6: a's output is
// not an array but b (a dynamic map) depends on it expecting one.
func TestCompleteTaskTypeViolationFailsRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().
		Register("a", noopCallable).
		Register("b", noopCallable)
	def, err := workflows.NewWorkflowDefinition("sqlite-type-violation",
		workflows.Single("a", "a"),
		workflows.Map("b", "b", 0, workflows.After("a")),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "sqlite-type-violation", reg)
	if err != nil {
		t.Fatalf("ResolveFromStore: %v", err)
	}

	runID, err := workflows.NewRun(ctx, s, resolved, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if _, err := s.StartReadySteps(ctx, runID); err != nil {
		t.Fatalf("StartReadySteps: %v", err)
	}

	key := workflows.IdempotencyKey("sqlite-type-violation", "a", runID, 0)
	if err := s.StartTasks(ctx, runID, "a", []int{0}); err != nil {
		t.Fatalf("StartTasks(a): %v", err)
	}
	_, err = s.CompleteTask(ctx, runID, "a", 0, key, json.RawMessage(`{"not":"array"}`))
	if !errors.Is(err, workflows.ErrTypeViolation) {
		t.Fatalf("expected ErrTypeViolation, got %v", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != workflows.RunFailed || run.Error != "type_violation" {
		t.Fatalf("expected run failed with type_violation, got status=%s error=%q", run.Status, run.Error)
	}

	st, err := s.GetStepState(ctx, runID, "b")
	if err != nil {
		t.Fatalf("GetStepState(b): %v", err)
	}
	if st.Status == "started" || st.InitialTasks != nil {
		t.Fatalf("expected b to never start with tasks materialized, got %+v", st)
	}
	tasks, err := s.ListTasks(ctx, runID, "b")
	if err != nil {
		t.Fatalf("ListTasks(b): %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks created for b, got %+v", tasks)
	}
}
