package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	workflows "github.com/Singularity-ng/singularity-workflows"
)

// noopCallable satisfies workflows.Callable for registry entries these
// tests never actually invoke — the Store-level tests drive CompleteTask
// directly with hand-built outputs instead of running a Worker.
func noopCallable(context.Context, json.RawMessage) (json.RawMessage, error) {
	return workflows.Ok(struct{}{})
}

// testStore connects to PG_TEST_DSN and returns a freshly initialized
// Store. Postgres-backed tests are skipped entirely when the env var
// isn't set — they need a real database, unlike the sqlite backend.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set, skipping postgres integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestCreateRunAndCompleteSequentialSteps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().
		Register("a", func(context.Context, json.RawMessage) (json.RawMessage, error) { return workflows.Ok(map[string]int{"y": 2}) }).
		Register("b", func(context.Context, json.RawMessage) (json.RawMessage, error) { return workflows.Ok(map[string]int{"z": 3}) })

	def, err := workflows.NewWorkflowDefinition("pg-two-step",
		workflows.Single("a", "a"),
		workflows.Single("b", "b", workflows.After("a")),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "pg-two-step", reg)
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

	key := workflows.IdempotencyKey("pg-two-step", "a", runID, 0)
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

	keyB := workflows.IdempotencyKey("pg-two-step", "b", runID, 0)
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
}

// TestCompleteTaskMaterializesDynamicMapFanOut is scenario E3: a dynamic
// map step's fan-out is materialized from its sole producing upstream's
// array output once that upstream completes.
func TestCompleteTaskMaterializesDynamicMapFanOut(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	reg := workflows.NewRegistry().
		Register("fetch", noopCallable).
		Register("double", noopCallable).
		Register("reduce", noopCallable)
	def, err := workflows.NewWorkflowDefinition("pg-dynamic-fanout",
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
	resolved, err := workflows.ResolveFromStore(ctx, s, "pg-dynamic-fanout", reg)
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

	fetchKey := workflows.IdempotencyKey("pg-dynamic-fanout", "fetch", runID, 0)
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
		key := workflows.IdempotencyKey("pg-dynamic-fanout", "process", runID, i)
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

	reduceKey := workflows.IdempotencyKey("pg-dynamic-fanout", "reduce", runID, 0)
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
	def, err := workflows.NewWorkflowDefinition("pg-dynamic-empty",
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
	resolved, err := workflows.ResolveFromStore(ctx, s, "pg-dynamic-empty", reg)
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

	fetchKey := workflows.IdempotencyKey("pg-dynamic-empty", "fetch", runID, 0)
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

	reduceKey := workflows.IdempotencyKey("pg-dynamic-empty", "reduce", runID, 0)
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
	def, err := workflows.NewWorkflowDefinition("pg-type-violation",
		workflows.Single("a", "a"),
		workflows.Map("b", "b", 0, workflows.After("a")),
	)
	if err != nil {
		t.Fatalf("NewWorkflowDefinition: %v", err)
	}
	if err := s.PutWorkflowDefinition(ctx, *def); err != nil {
		t.Fatalf("PutWorkflowDefinition: %v", err)
	}
	resolved, err := workflows.ResolveFromStore(ctx, s, "pg-type-violation", reg)
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

	key := workflows.IdempotencyKey("pg-type-violation", "a", runID, 0)
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
		t.Fatalf("expected no tasks materialized for b, got %+v", tasks)
	}
}
